package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type Stage string

const (
	StageMbox    Stage = "mbox"
	StageConvert Stage = "convert"
)

type EventType string

const (
	EventTypeScanned         EventType = "scanned"
	EventTypeFiltered        EventType = "filtered"
	EventTypeEnqueued        EventType = "enqueued"
	EventTypeConverted       EventType = "converted"
	EventTypeDryRunConverted EventType = "dry_run_converted"
	EventTypeAttachment      EventType = "attachment"
	EventTypeError           EventType = "error"
)

// Event is emitted by pipeline stages. MessageID identifies the message for
// humans: the Message-Id header when present, otherwise its archive index.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	Bytes     int64
}

type Summary struct {
	Scanned         int
	Filtered        int
	Enqueued        int
	Converted       int
	DryRunConverted int
	Attachments     int
	AttachmentBytes int64
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"enqueued", s.Enqueued,
		"converted", s.Converted,
		"dryRunConverted", s.DryRunConverted,
		"attachments", s.Attachments,
		"attachmentBytes", humanize.Bytes(uint64(s.AttachmentBytes)),
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeConverted:
		c.summary.Converted++
	case EventTypeDryRunConverted:
		c.summary.DryRunConverted++
	case EventTypeAttachment:
		c.summary.Attachments++
		c.summary.AttachmentBytes += evt.Bytes
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one entry of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys, ties broken alphabetically.
// A limit <= 0 returns every key.
func Top(m map[string]int, limit int) []Count {
	counts := make([]Count, 0, len(m))
	for k, v := range m {
		counts = append(counts, Count{Key: k, Value: v})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Value != counts[j].Value {
			return counts[i].Value > counts[j].Value
		}
		return counts[i].Key < counts[j].Key
	})

	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, c := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, c.Key, c.Value)
	}
}
