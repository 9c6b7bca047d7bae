package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-to-md/stats"
)

// Bar tracks converted messages against the archive's message count.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	scanned int
	bytes   int64
	mu      sync.Mutex
	enabled bool
}

// New starts a progress bar when enabled is set; a disabled bar ignores every
// call. Output goes to w, or pterm's default writer when w is nil.
func New(total int, enabled bool, w io.Writer) *Bar {
	bar := &Bar{total: total, enabled: enabled}
	if !enabled {
		return bar
	}

	printer := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Converting messages")
	if w != nil {
		printer = printer.WithWriter(w)
	}

	pterm.Info.Printf("Total messages in mbox: %d\n", total)
	pb, _ := printer.Start()
	bar.pb = pb
	return bar
}

// Update advances the bar on each scanned message and reports failures above
// it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.scanned++
		b.bytes += evt.Bytes
		b.pb.Increment()
		b.pb.UpdateTitle("Converting (" + humanize.Bytes(uint64(b.bytes)) + " read)")
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Scanned returns how many scanned events the bar has seen.
func (b *Bar) Scanned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanned
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Conversion complete!")
}

// Subscriber feeds stats events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter drives the bar and prints a summary table once the event stream
// ends.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	return nil
}

// Finish stops the bar and prints the summary. Call it after the pipeline
// has finished so both subscribers have drained their streams.
func (pr *Reporter) Finish() {
	if pr.bar == nil || !pr.bar.enabled {
		return
	}
	pr.bar.Stop()

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Converted: %d\n", summary.Converted)
	pterm.Info.Printf("Dry-run converted: %d\n", summary.DryRunConverted)
	pterm.Info.Printf("Attachments: %d (%s)\n", summary.Attachments, humanize.Bytes(uint64(summary.AttachmentBytes)))
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	if pr.logger != nil {
		pr.logger.Debug("progress summary printed", summary.LogAttrs()...)
	}
}

// Summary returns the collected counters.
func (pr *Reporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}
