// Package render converts one parsed message into a Markdown document.
package render

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/dhcgn/mbox-to-md/attachment"
	"github.com/dhcgn/mbox-to-md/charset"
	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/model"
	"github.com/dhcgn/mbox-to-md/naming"
)

// Options configures a Renderer.
type Options struct {
	Root          string
	MaxNameLength int
	DecodeHeaders bool
	// Logger receives panic stacks; nil discards them.
	Logger *slog.Logger
}

// Result describes a converted message.
type Result struct {
	Identity    model.Identity
	Location    model.Location
	Attachments []model.Attachment
}

// Path returns the written document's path.
func (r Result) Path() string {
	return r.Location.Path()
}

// Renderer orchestrates naming, body decoding and attachment extraction.
type Renderer struct {
	root      string
	sink      errlog.Sink
	logger    *slog.Logger
	names     *naming.Sanitizer
	decoder   *charset.Decoder
	extractor *attachment.Extractor
}

func New(opts Options, sink errlog.Sink) *Renderer {
	nameOpts := []naming.Option{naming.WithMaxLength(opts.MaxNameLength)}
	if opts.DecodeHeaders {
		nameOpts = append(nameOpts, naming.WithSubjectDecoding())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Renderer{
		root:      opts.Root,
		sink:      sink,
		logger:    logger,
		names:     naming.NewSanitizer(sink, nameOpts...),
		decoder:   charset.NewDecoder(sink),
		extractor: attachment.NewExtractor(sink),
	}
}

// Locate derives where a message would be written without touching the
// filesystem.
func (r *Renderer) Locate(msg model.Message) (model.Identity, model.Location) {
	id := r.names.Identity(msg)
	return id, naming.Locate(r.root, id)
}

// Render writes the Markdown document and attachments for msg. Every failure,
// a panic included, is logged to the sink and returned; the caller moves on
// to the next message. The document is assembled in memory and only written
// once attachments are extracted, so a failed message never truncates an
// existing document.
func (r *Renderer) Render(msg model.Message) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("render panic", "index", msg.Index, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			r.sink.Log("Failed to process email", err.Error())
		}
	}()

	for _, defect := range msg.Defects {
		r.sink.Log("Message defect", fmt.Sprintf("message %d: %s", msg.Index, defect))
	}

	res.Identity, res.Location = r.Locate(msg)
	if err := os.MkdirAll(res.Location.Dir, 0o755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}

	var doc bytes.Buffer
	writeHeader(&doc, msg)
	doc.WriteString(r.Body(msg))

	res.Attachments, err = r.extractor.Extract(msg, res.Location.Dir)
	if err != nil {
		return res, err
	}
	writeAttachments(&doc, res.Attachments)

	if err := os.WriteFile(res.Path(), doc.Bytes(), 0o644); err != nil {
		return res, fmt.Errorf("write output file: %w", err)
	}
	return res, nil
}

// Body returns the decoded plain-text body. Multipart messages concatenate
// every text/plain part in walk order without separators.
func (r *Renderer) Body(msg model.Message) string {
	if !msg.Multipart {
		root := msg.Root()
		if len(root.Body) == 0 {
			return ""
		}
		return r.decoder.Decode(root)
	}

	var body strings.Builder
	for _, part := range msg.Parts {
		if part.MediaType == "text/plain" {
			body.WriteString(r.decoder.Decode(part))
		}
	}
	return body.String()
}

func writeHeader(w io.Writer, msg model.Message) {
	fmt.Fprint(w, "```markdown\n")
	fmt.Fprintf(w, "**From:** %s\n", raw(msg.From))
	fmt.Fprintf(w, "**To:** %s\n", raw(msg.To))
	fmt.Fprintf(w, "**CC:** %s\n", raw(msg.Cc))
	fmt.Fprintf(w, "**Subject:** %s\n", raw(msg.Subject))
	fmt.Fprint(w, "```\n\n")
	fmt.Fprint(w, "---\n\n")
}

func writeAttachments(w io.Writer, attachments []model.Attachment) {
	if len(attachments) == 0 {
		return
	}
	fmt.Fprint(w, "\n\nAttachments:\n")
	for _, a := range attachments {
		fmt.Fprintln(w, attachment.Link(a))
	}
}

func raw(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
