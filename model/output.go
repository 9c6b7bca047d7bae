package model

import "path/filepath"

// Identity is the filesystem-safe triple used to name a converted message.
type Identity struct {
	FormattedDate    string
	SenderLabel      string
	SanitizedSubject string
}

// FileName composes the Markdown file name for the identity.
func (id Identity) FileName() string {
	return "(" + id.FormattedDate + ") " + id.SenderLabel + " -- " + id.SanitizedSubject + ".md"
}

// Location is where a converted message is written.
type Location struct {
	Dir  string
	File string
}

// Path returns the full path of the output document.
func (l Location) Path() string {
	return filepath.Join(l.Dir, l.File)
}

// Attachment describes one extracted attachment file.
type Attachment struct {
	OriginalName string
	Path         string
	Size         int64
}
