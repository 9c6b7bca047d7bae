// Package errlog records recoverable conversion problems in an append-only
// errors.txt file. Components receive a Sink explicitly instead of writing to
// a process-wide location.
package errlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the name of the error log inside the output root.
const FileName = "errors.txt"

// Sink receives error log entries.
type Sink interface {
	Log(message, details string)
}

// Entry is a single error log line.
type Entry struct {
	Message string
	Details string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Details)
}

// FileSink appends entries to a text file, opening it per event. Appends are
// serialized so the sink can be shared between stages.
type FileSink struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileSink returns a sink writing to root/errors.txt.
func NewFileSink(root string, logger *slog.Logger) *FileSink {
	return &FileSink{
		path:   filepath.Join(root, FileName),
		logger: logger,
	}
}

// Path returns the log file location.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Log(message, details string) {
	if s.logger != nil {
		s.logger.Warn("conversion error", "message", message, "details", details)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("open error log", "path", s.path, "err", err)
		}
		return
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, Entry{Message: message, Details: details}); err != nil && s.logger != nil {
		s.logger.Error("write error log", "path", s.path, "err", err)
	}
}

// LogSink forwards entries to slog only. Used for dry runs, where nothing is
// written below the output root.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Log(message, details string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn("conversion error", "message", message, "details", details)
}

// Recorder keeps entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Log(message, details string) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Message: message, Details: details})
	r.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns the message part of every recorded entry.
func (r *Recorder) Messages() []string {
	entries := r.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}
