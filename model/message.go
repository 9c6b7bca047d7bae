package model

import "strings"

// Message represents a single email message extracted from an mbox archive.
// Header fields are nil when the header is absent.
type Message struct {
	Index     int
	Hash      string
	Size      int64
	Raw       []byte
	MessageID *string
	From      *string
	To        *string
	Cc        *string
	Subject   *string
	Date      *string
	Multipart bool
	// Parts lists every node of the MIME tree in walk order, root first.
	Parts   []Part
	Defects []string
}

// Root returns the top-level part, or the zero Part for an empty message.
func (m Message) Root() Part {
	if len(m.Parts) == 0 {
		return Part{MediaType: "text/plain"}
	}
	return m.Parts[0]
}

// Part is one node of a message's MIME tree.
type Part struct {
	MediaType      string
	Charset        string
	HasDisposition bool
	Disposition    string
	Filename       string
	// Body holds the transfer-decoded bytes; nil for multipart containers.
	Body []byte
}

// IsMultipart reports whether the part is a multipart container.
func (p Part) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType, "multipart/")
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}

// String returns a pointer to s, for building optional header fields.
func String(s string) *string {
	return &s
}
