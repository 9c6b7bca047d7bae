package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mbox-to-md/config"
	"github.com/dhcgn/mbox-to-md/errlog"
	"github.com/dhcgn/mbox-to-md/filter"
	"github.com/dhcgn/mbox-to-md/model"
	"github.com/dhcgn/mbox-to-md/stats"
)

type StageFunc func(context.Context) error

// Runner wires the pipeline stages together: a producer writes envelopes to
// the mailbox channel, the bridge filters them and hands messages to the
// conversion channel, and every stage reports to the stats event stream.
type Runner struct {
	logger *slog.Logger
	sink   errlog.Sink
	filter *filter.Filter

	ctx    context.Context
	cancel context.CancelFunc

	messages    chan model.Envelope
	conversions chan model.Message

	subsMu      sync.RWMutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce     sync.Once
	closeConversionsOnce sync.Once
	closeEventsOnce      sync.Once
	since                time.Time
}

func New(cfg config.Config, sink errlog.Sink, logger *slog.Logger) (*Runner, error) {
	if sink == nil {
		return nil, fmt.Errorf("error sink must not be nil")
	}

	f, err := filter.New(cfg.FilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger:      logger,
		sink:        sink,
		filter:      f,
		ctx:         ctx,
		cancel:      cancel,
		messages:    make(chan model.Envelope, 32),
		conversions: make(chan model.Message, 32),
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Sink() errlog.Sink {
	return r.sink
}

func (r *Runner) Filter() *filter.Filter {
	return r.filter
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) Conversions() <-chan model.Message {
	return r.conversions
}

// EmitEvent delivers evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats runs fn with its own copy of the event stream. Subscribe
// before the first stage emits; earlier events are not replayed.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subscribers = append(r.subscribers, events)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage has finished and the stats subscribers have
// drained the event stream. It returns the first fatal stage error.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.Err()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// Err returns the first fatal error, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeConversions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.sink.Log("Failed to process email", envelope.Err.Error())
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			id := MessageLabel(msg)
			r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeScanned, MessageID: id, Bytes: msg.Size})

			if !r.filter.AllowsMessage(msg) {
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFiltered, MessageID: id})
				r.logger.Debug("message filtered", "index", msg.Index, "messageID", id)
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.conversions <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeEnqueued, MessageID: id})
			}
		}
	}
}

// MessageLabel names a message in events and logs: its Message-Id header, or
// its archive position when the header is missing.
func MessageLabel(msg model.Message) string {
	if msg.MessageID != nil && *msg.MessageID != "" {
		return *msg.MessageID
	}
	return fmt.Sprintf("#%d", msg.Index)
}

func (r *Runner) closeConversions() {
	r.closeConversionsOnce.Do(func() {
		close(r.conversions)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
