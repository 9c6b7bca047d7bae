package mbox

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message"

	"github.com/dhcgn/mbox-to-md/charset"
	"github.com/dhcgn/mbox-to-md/model"
)

const defaultMediaType = "text/plain"

// Parse decodes a raw RFC 5322 message into its headers and a flat list of
// MIME parts. Only an unreadable header block is an error; problems inside
// the body are recorded as defects and parsing keeps what it has.
//
// Part bodies are transfer-decoded but keep their original charset, since
// charset decoding is left to the charset package.
func Parse(raw []byte) (model.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !recoverable(err) {
		return model.Message{}, fmt.Errorf("read message: %w", err)
	}

	header := &entity.Header
	msg := model.Message{
		Hash:      hashOf(raw),
		Size:      int64(len(raw)),
		Raw:       raw,
		MessageID: field(header, "Message-Id"),
		From:      field(header, "From"),
		To:        field(header, "To"),
		Cc:        field(header, "Cc"),
		Subject:   field(header, "Subject"),
		Date:      field(header, "Date"),
	}
	msg.Multipart = strings.HasPrefix(contentType(header).mediaType, "multipart/")

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if !recoverable(err) {
				return err
			}
			if message.IsUnknownEncoding(err) {
				msg.Defects = append(msg.Defects, fmt.Sprintf("part %v: %v", path, err))
			}
		}

		if part == nil {
			return nil
		}

		p, readErr := newPart(part)
		if readErr != nil {
			msg.Defects = append(msg.Defects, fmt.Sprintf("part %v: %v", path, readErr))
		}
		msg.Parts = append(msg.Parts, p)
		return nil
	})
	if walkErr != nil {
		msg.Defects = append(msg.Defects, fmt.Sprintf("mime tree: %v", walkErr))
	}

	return msg, nil
}

// recoverable reports errors after which go-message still hands out a
// readable entity. Unknown charsets are expected: no charset reader is
// installed, so non-UTF-8 text stays raw.
func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func field(h *message.Header, key string) *string {
	if !h.Has(key) {
		return nil
	}
	v := h.Get(key)
	return &v
}

type contentTypeInfo struct {
	mediaType string
	params    map[string]string
	raw       string
}

// contentType parses Content-Type leniently: a broken parameter list keeps
// the media type, and a missing or broken media type means text/plain.
func contentType(h *message.Header) contentTypeInfo {
	raw := h.Get("Content-Type")
	mt, params, err := mime.ParseMediaType(raw)
	if mt == "" || !strings.Contains(mt, "/") {
		mt = defaultMediaType
	}
	if err != nil && params == nil {
		params = map[string]string{}
	}
	return contentTypeInfo{mediaType: strings.ToLower(mt), params: params, raw: raw}
}

func newPart(e *message.Entity) (model.Part, error) {
	ct := contentType(&e.Header)
	p := model.Part{
		MediaType:      ct.mediaType,
		Charset:        strings.ToLower(paramOf(ct.params, ct.raw, "charset")),
		HasDisposition: e.Header.Has("Content-Disposition"),
	}

	var dispParams map[string]string
	dispRaw := e.Header.Get("Content-Disposition")
	if p.HasDisposition {
		disp, params, _ := mime.ParseMediaType(dispRaw)
		p.Disposition = strings.ToLower(disp)
		dispParams = params
	}

	p.Filename = paramOf(dispParams, dispRaw, "filename")
	if p.Filename == "" {
		p.Filename = paramOf(ct.params, ct.raw, "name")
	}
	p.Filename = decodeWords(p.Filename)

	if p.IsMultipart() {
		return p, nil
	}

	body, err := io.ReadAll(e.Body)
	p.Body = body
	if p.Body == nil {
		p.Body = []byte{}
	}
	if err != nil {
		return p, fmt.Errorf("read body: %w", err)
	}
	return p, nil
}

var paramPatterns = map[string]*regexp.Regexp{
	"charset":  looseParam("charset"),
	"filename": looseParam("filename"),
	"name":     looseParam("name"),
}

func looseParam(key string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|;)\s*` + key + `\s*=\s*(?:"([^"]*)"|([^;]*))`)
}

// paramOf returns a parsed parameter, falling back to a loose scan of the
// raw header when strict parsing dropped it.
func paramOf(params map[string]string, raw, key string) string {
	if v, ok := params[key]; ok {
		return v
	}
	if raw == "" {
		return ""
	}
	re, ok := paramPatterns[key]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return strings.TrimSpace(m[2])
}

func decodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := charset.WordDecoder().DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
