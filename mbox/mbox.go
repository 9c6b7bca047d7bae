package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mbox-to-md/model"
	"github.com/dhcgn/mbox-to-md/runner"
)

// ErrLocked is returned by Open when another process holds the archive lock.
var ErrLocked = errors.New("mbox archive is locked by another process")

type Options struct {
	Path string
	// Lock takes an exclusive advisory lock for the archive's lifetime.
	Lock bool
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// Archive is an opened mbox file. Open acquires the lock and Close releases
// it; everything between is recoverable per message.
type Archive struct {
	path   string
	src    io.Reader
	file   *os.File
	locked bool
	logger *slog.Logger
}

// Open opens the archive and, if requested, locks it. Any error is fatal for
// the run.
func Open(opts Options, logger *slog.Logger) (*Archive, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}

	a := &Archive{path: path, src: file, file: file, logger: logger}
	if opts.Lock {
		if err := lockFile(file); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("lock mbox %s: %w", path, err)
		}
		a.locked = true
		if logger != nil {
			logger.Debug("mbox locked", "path", path)
		}
	}

	return a, nil
}

// NewArchive wraps an already open stream. It is never locked.
func NewArchive(r io.Reader, logger *slog.Logger) *Archive {
	return &Archive{path: "<stream>", src: r, logger: logger}
}

// Path returns the archive location.
func (a *Archive) Path() string {
	return a.path
}

// Close releases the lock and the file.
func (a *Archive) Close() error {
	if a.file == nil {
		return nil
	}

	var firstErr error
	if a.locked {
		if err := unlockFile(a.file); err != nil {
			firstErr = fmt.Errorf("unlock mbox: %w", err)
		}
		a.locked = false
		if a.logger != nil {
			a.logger.Debug("mbox unlocked", "path", a.path)
		}
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox: %w", err)
	}
	a.file = nil
	return firstErr
}

// Stream sends every message to out in archive order. Messages that cannot be
// parsed are sent as envelopes carrying the error; a broken mbox framing ends
// the stream with an error.
func (a *Archive) Stream(ctx context.Context, out chan<- model.Envelope) error {
	reader := mboxlib.NewReader(a.src)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := Parse(raw)
		if err != nil {
			if err := a.emitError(ctx, out, fmt.Errorf("message %d parse: %w", idx, err)); err != nil {
				return err
			}
			continue
		}
		msg.Index = idx

		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (a *Archive) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if a.logger != nil {
		a.logger.Debug("mbox message error", "path", a.path, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func hashOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

// NewProducer registers the archive as the pipeline's source stage.
func NewProducer(reader Reader, r *runner.Runner) *Producer {
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

// Read opens an mbox file and calls fn for each message that parses.
func Read(path string, fn func(msg model.Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ReadFrom(file, fn)
}

// ReadFrom is Read over an open stream.
func ReadFrom(r io.Reader, fn func(msg model.Message) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		msg, err := Parse(raw)
		if err != nil {
			continue
		}
		msg.Index = idx

		if err := fn(msg); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages in an mbox file without parsing them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return CountFrom(file)
}

// CountFrom is CountMessages over an open stream.
func CountFrom(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Consume the message; a read error still counts it.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
