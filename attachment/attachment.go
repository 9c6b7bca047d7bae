// Package attachment writes a message's disposed parts next to its Markdown
// document.
package attachment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/model"
)

// DirName is the per-sender directory holding extracted files.
const DirName = "Attachments"

// Extractor persists attachments and resolves filename collisions.
type Extractor struct {
	sink errlog.Sink
}

func NewExtractor(sink errlog.Sink) *Extractor {
	return &Extractor{sink: sink}
}

// Extract writes every leaf part that has a Content-Disposition header and a
// filename into outputDir/Attachments, in walk order. A name already taken on
// disk gets a numeric suffix before its extension. Parts with an empty
// payload are logged and left out. The returned error is only set when the
// attachments directory or a file cannot be written.
func (e *Extractor) Extract(msg model.Message, outputDir string) ([]model.Attachment, error) {
	dir := filepath.Join(outputDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments directory: %w", err)
	}

	var out []model.Attachment
	for _, part := range msg.Parts {
		if part.IsMultipart() || !part.HasDisposition || part.Filename == "" {
			continue
		}

		name := baseName(part.Filename)
		if name == "" {
			e.sink.Log("Invalid attachment filename", "filename: "+part.Filename)
			continue
		}

		if len(part.Body) == 0 {
			e.sink.Log("Attachment payload is empty", "filename: "+part.Filename)
			continue
		}

		path, err := Resolve(dir, name)
		if err != nil {
			return out, err
		}

		if err := os.WriteFile(path, part.Body, 0o644); err != nil {
			return out, fmt.Errorf("write attachment %s: %w", path, err)
		}

		out = append(out, model.Attachment{
			OriginalName: part.Filename,
			Path:         path,
			Size:         int64(len(part.Body)),
		})
	}

	return out, nil
}

// Resolve returns dir/name, or dir/<stem>_<n><ext> with the smallest n >= 1
// that is not taken.
func Resolve(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	stem, ext := SplitExt(name)
	for counter := 1; ; counter++ {
		taken, err := exists(path)
		if err != nil {
			return "", err
		}
		if !taken {
			return path, nil
		}
		path = filepath.Join(dir, stem+"_"+strconv.Itoa(counter)+ext)
	}
}

// SplitExt splits name into stem and extension. Leading dots belong to the
// stem, so ".profile" has no extension.
func SplitExt(name string) (stem, ext string) {
	trimmed := strings.TrimLeft(name, ".")
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return name, ""
	}
	idx += len(name) - len(trimmed)
	return name[:idx], name[idx:]
}

// Link renders the Markdown reference for an attachment.
func Link(a model.Attachment) string {
	return "[" + a.OriginalName + "](" + a.Path + ")"
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// baseName keeps only the final element of a filename that may carry a
// client-side path, using either separator.
func baseName(filename string) string {
	name := filename
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSpace(strings.ReplaceAll(name, "\x00", ""))
	if name == "." || name == ".." {
		return ""
	}
	return name
}
