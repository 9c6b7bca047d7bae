package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const FileName = "manifest.jsonl"

// Writer appends records as JSON lines to root/manifest.jsonl.
type Writer struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	mu      sync.Mutex
	written int
}

func NewWriter(root string) (*Writer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("manifest directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	path := filepath.Join(root, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest for append: %w", err)
	}

	return &Writer{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
	}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Written returns how many records this writer appended.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) Record(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode manifest record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("manifest %s is closed", w.path)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("write manifest record: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	w.written++

	return nil
}

// Flush writes any buffered records to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush manifest: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	return nil
}

// Close flushes and closes the manifest file. It is safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	var firstErr error
	if err := w.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush manifest: %w", err)
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync manifest: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close manifest: %w", err)
	}
	w.file = nil

	return firstErr
}

// ReadFile loads every record of a manifest. A missing file yields no
// records.
func ReadFile(path string) ([]Record, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("parse manifest line %d: %w", line, err)
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return records, nil
}
