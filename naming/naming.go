// Package naming derives filesystem-safe names for converted messages.
package naming

import (
	"fmt"
	"mime"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mbox-to-md/charset"
	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/model"
)

const (
	// DefaultMaxLength bounds sanitized names.
	DefaultMaxLength = 250

	UnknownSubject     = "unknown_subject"
	InvalidSubject     = "Unknown Subject"
	UnknownSender      = "Unknown"
	SenderParseFailure = "Error_parsing_sender"
	UnknownDate        = "unknown_date"

	// DateLayout is the timestamp format used in file names.
	DateLayout = "2006-01-02 15-04-05"

	encodedWordPrefix = "=?"
)

// Sanitizer maps header text to names that are legal on every filesystem.
type Sanitizer struct {
	maxLength     int
	sink          errlog.Sink
	words         *mime.WordDecoder
	decodeSubject bool
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithMaxLength overrides DefaultMaxLength.
func WithMaxLength(n int) Option {
	return func(s *Sanitizer) {
		if n > 0 {
			s.maxLength = n
		}
	}
}

// WithSubjectDecoding decodes RFC 2047 encoded words in subjects before
// sanitizing. Without it an encoded subject sanitizes to InvalidSubject.
func WithSubjectDecoding() Option {
	return func(s *Sanitizer) {
		s.decodeSubject = true
	}
}

func NewSanitizer(sink errlog.Sink, opts ...Option) *Sanitizer {
	s := &Sanitizer{
		maxLength: DefaultMaxLength,
		sink:      sink,
		words:     charset.WordDecoder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxLength returns the configured length bound.
func (s *Sanitizer) MaxLength() int {
	return s.maxLength
}

// Sanitize accepts a string or *string. Anything else, a nil pointer
// included, yields UnknownSubject. Text that still starts with an undecoded
// encoded word yields InvalidSubject.
func (s *Sanitizer) Sanitize(value any) string {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case *string:
		if v == nil {
			s.sink.Log("Invalid filename", "<nil>")
			return UnknownSubject
		}
		text = *v
	default:
		s.sink.Log("Invalid filename", fmt.Sprintf("%v", value))
		return UnknownSubject
	}

	if strings.HasPrefix(text, encodedWordPrefix) {
		s.sink.Log("Invalid subject", text)
		return InvalidSubject
	}

	return s.truncate(Filter(text))
}

// Subject sanitizes a Subject header, decoding encoded words first when
// subject decoding is enabled.
func (s *Sanitizer) Subject(subject *string) string {
	if subject == nil || !s.decodeSubject {
		return s.Sanitize(subject)
	}
	decoded, err := s.words.DecodeHeader(*subject)
	if err != nil {
		return s.Sanitize(subject)
	}
	return s.Sanitize(decoded)
}

func (s *Sanitizer) truncate(name string) string {
	if len(name) > s.maxLength {
		s.sink.Log("Filename too long", "filename: "+name)
		return name[:s.maxLength]
	}
	return name
}

// Filter drops every character outside [A-Za-z0-9 _-].
func Filter(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if c := text[i]; legal(c) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func legal(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == ' ', c == '_', c == '-':
		return true
	}
	return false
}

// SenderLabel names a message's sender: the From display name, or the bare
// address when there is none. Encoded display names are always decoded. The
// label is filtered like a subject because it becomes a directory name.
//
// Headers that RFC 5322 rejects, such as bare local parts, unquoted specials
// or missing brackets, are split leniently instead. Only a header that yields
// no text at all is a parse failure.
func (s *Sanitizer) SenderLabel(from *string) string {
	if from == nil || strings.TrimSpace(*from) == "" {
		return UnknownSender
	}

	label, err := s.parseSender(*from)
	if err != nil {
		s.sink.Log("Error parsing sender name", fmt.Sprintf("sender: %s, error: %v", *from, err))
		return SenderParseFailure
	}

	label = strings.TrimSpace(s.truncate(Filter(label)))
	if label == "" {
		return UnknownSender
	}
	return label
}

func (s *Sanitizer) parseSender(from string) (string, error) {
	parser := mail.AddressParser{WordDecoder: s.words}
	addr, err := parser.Parse(from)
	if err == nil {
		return nameOrAddress(addr), nil
	}

	first := firstListElement(from)
	if first != from {
		if addr, ferr := parser.Parse(first); ferr == nil {
			return nameOrAddress(addr), nil
		}
	}

	if label := s.looseSender(first); label != "" {
		return label, nil
	}
	return "", err
}

func nameOrAddress(addr *mail.Address) string {
	if addr.Name != "" {
		return addr.Name
	}
	return addr.Address
}

// looseSender takes the phrase before the last '<', else the bracketed text,
// else the whole value.
func (s *Sanitizer) looseSender(from string) string {
	idx := strings.LastIndex(from, "<")
	if idx < 0 {
		return unquote(from)
	}

	if name := unquote(from[:idx]); name != "" {
		if decoded, err := s.words.DecodeHeader(name); err == nil {
			return decoded
		}
		return name
	}

	addr := from[idx+1:]
	if end := strings.Index(addr, ">"); end >= 0 {
		addr = addr[:end]
	}
	return strings.TrimSpace(addr)
}

// firstListElement cuts an address list at the first comma outside quotes.
func firstListElement(list string) string {
	quoted := false
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '\\':
			i++
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				return strings.TrimSpace(list[:i])
			}
		}
	}
	return strings.TrimSpace(list)
}

func unquote(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
}

// FormatDate renders a Date header with DateLayout in the header's own zone,
// or UnknownDate when the header is absent or unparsable.
func (s *Sanitizer) FormatDate(date *string) string {
	if date == nil {
		s.sink.Log("Failed to parse date", "<absent>")
		return UnknownDate
	}
	t, err := mail.ParseDate(*date)
	if err != nil {
		var ok bool
		if t, ok = parseZoneless(*date); !ok {
			s.sink.Log("Failed to parse date", *date)
			return UnknownDate
		}
	}
	return t.Format(DateLayout)
}

// zonelessLayouts accept RFC 5322 dates that lack a zone. The wall clock is
// kept as written.
var zonelessLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04",
	"2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04",
}

func parseZoneless(date string) (time.Time, bool) {
	value := strings.Join(strings.Fields(date), " ")
	for _, layout := range zonelessLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Identity derives the naming triple for a message.
func (s *Sanitizer) Identity(msg model.Message) model.Identity {
	return model.Identity{
		FormattedDate:    s.FormatDate(msg.Date),
		SenderLabel:      s.SenderLabel(msg.From),
		SanitizedSubject: s.Subject(msg.Subject),
	}
}

// Locate places an identity below root: one directory per sender. A file
// name longer than MaxFileNameBytes is shortened, subject first, then the
// sender label inside the name; the directory keeps the full label.
func Locate(root string, id model.Identity) model.Location {
	return model.Location{
		Dir:  filepath.Join(root, id.SenderLabel),
		File: fitFileName(id),
	}
}

// MaxFileNameBytes is the common NAME_MAX limit of Linux and macOS
// filesystems.
const MaxFileNameBytes = 255

func fitFileName(id model.Identity) string {
	over := len(id.FileName()) - MaxFileNameBytes
	if over <= 0 {
		return id.FileName()
	}

	cut := min(over, len(id.SanitizedSubject))
	id.SanitizedSubject = strings.TrimSpace(id.SanitizedSubject[:len(id.SanitizedSubject)-cut])
	over -= cut
	if over > 0 {
		id.SenderLabel = strings.TrimSpace(id.SenderLabel[:len(id.SenderLabel)-over])
	}
	return id.FileName()
}
