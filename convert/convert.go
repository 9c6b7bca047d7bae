package convert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dhcgn/mbox-to-md/manifest"
	"github.com/dhcgn/mbox-to-md/model"
	"github.com/dhcgn/mbox-to-md/render"
	"github.com/dhcgn/mbox-to-md/runner"
	"github.com/dhcgn/mbox-to-md/stats"
)

type Options struct {
	Root          string
	MaxNameLength int
	DecodeHeaders bool
	DryRun        bool
	// Quiet suppresses the per-message console line, e.g. while a progress
	// bar owns the terminal.
	Quiet bool
	// Out receives the console lines; nil means stdout.
	Out io.Writer
	// RunID tags manifest records; empty means a fresh one.
	RunID string
}

// Converter is the pipeline stage that renders each message in arrival order.
type Converter struct {
	opts        Options
	runner      *runner.Runner
	renderer    *render.Renderer
	recorder    manifest.Recorder
	conversions <-chan model.Message
	out         io.Writer
	logger      *slog.Logger
}

// NewConverter registers the converter stage. recorder may be nil.
func NewConverter(opts Options, r *runner.Runner, recorder manifest.Recorder, logger *slog.Logger) (*Converter, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("output root is empty")
	}
	if opts.MaxNameLength <= 0 {
		return nil, fmt.Errorf("max name length must be positive")
	}
	if opts.RunID == "" {
		opts.RunID = manifest.NewRunID()
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	c := &Converter{
		opts:   opts,
		runner: r,
		renderer: render.New(render.Options{
			Root:          opts.Root,
			MaxNameLength: opts.MaxNameLength,
			DecodeHeaders: opts.DecodeHeaders,
			Logger:        logger,
		}, r.Sink()),
		recorder:    recorder,
		conversions: r.Conversions(),
		out:         out,
		logger:      logger,
	}
	r.AddStage("convert", c.run)
	return c, nil
}

func (c *Converter) RunID() string {
	return c.opts.RunID
}

func (c *Converter) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.conversions:
			if !ok {
				return nil
			}
			if err := c.convert(msg); err != nil {
				return err
			}
		}
	}
}

// convert handles one message. Only a manifest failure is returned; render
// failures are already in the error log and the run moves on.
func (c *Converter) convert(msg model.Message) error {
	id := runner.MessageLabel(msg)

	if c.opts.DryRun {
		_, loc := c.renderer.Locate(msg)
		fmt.Fprintf(c.out, "Would convert: %s\n", loc.Path())
		c.runner.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeDryRunConverted, MessageID: id, Detail: loc.Path()})
		if c.logger != nil {
			c.logger.Debug("dry-run convert", "messageID", id, "path", loc.Path())
		}
		return nil
	}

	res, err := c.renderer.Render(msg)
	if err != nil {
		c.runner.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, MessageID: id, Err: fmt.Errorf("convert message %s: %w", id, err)})
		return nil
	}

	if !c.opts.Quiet {
		fmt.Fprintf(c.out, "Converted: %s\n", res.Path())
	}
	for _, a := range res.Attachments {
		c.runner.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeAttachment, MessageID: id, Detail: a.Path, Bytes: a.Size})
	}

	if c.recorder != nil {
		rec := manifest.Record{
			RunID:       c.opts.RunID,
			Index:       msg.Index,
			Hash:        msg.Hash,
			Path:        res.Path(),
			Attachments: len(res.Attachments),
			ConvertedAt: time.Now().UTC(),
		}
		if msg.MessageID != nil {
			rec.MessageID = *msg.MessageID
		}
		if err := c.recorder.Record(rec); err != nil {
			c.runner.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeError, MessageID: id, Err: err})
			return fmt.Errorf("record manifest: %w", err)
		}
	}

	c.runner.EmitEvent(stats.Event{Stage: stats.StageConvert, Type: stats.EventTypeConverted, MessageID: id, Detail: res.Path()})
	if c.logger != nil {
		c.logger.Debug("converted message", "messageID", id, "path", res.Path(), "attachments", len(res.Attachments))
	}
	return nil
}
