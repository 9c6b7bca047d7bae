// Package manifest records which messages a run converted and where they
// went. Records are written for inspection and indexing only; a later run
// never reads them back to skip work.
package manifest

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Record describes one converted message.
type Record struct {
	RunID       string    `json:"run_id"`
	Index       int       `json:"index"`
	MessageID   string    `json:"message_id,omitempty"`
	Hash        string    `json:"hash"`
	Path        string    `json:"path"`
	Attachments int       `json:"attachments"`
	ConvertedAt time.Time `json:"converted_at"`
}

type Recorder interface {
	Record(rec Record) error
	Close() error
}

// NewRunID returns a fresh identifier shared by every record of one run.
func NewRunID() string {
	return uuid.NewString()
}

// Multi fans records out to several recorders.
type Multi []Recorder

func (m Multi) Record(rec Record) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every recorder, even after a failure.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
