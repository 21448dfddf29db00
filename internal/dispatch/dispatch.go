// Package dispatch implements the periodic batch dispatcher. On every tick it
// drains the coalescing store and delivers each pending message to the
// ingestion API through a bounded pool of concurrent workers. A failing
// message never cancels or delays its siblings, and failed messages are not
// requeued: a later filesystem event for the same document creates a fresh
// pending entry.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docwatch/agent/internal/ingest"
	"github.com/docwatch/agent/internal/metrics"
	"github.com/docwatch/agent/internal/store"
	"github.com/docwatch/agent/internal/watcher"
)

// Default values used when no option overrides them.
const (
	DefaultInterval    = 10 * time.Second
	DefaultParallelism = 4
)

// Outcome classifies how one message ended.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result describes the delivery of one pending message.
type Result struct {
	Message    store.PendingMessage
	Outcome    Outcome
	Attempts   int
	Err        error
	Duration   time.Duration
	FinishedAt time.Time
}

// Report summarises one tick.
type Report struct {
	Drained int
	Sent    int
	Failed  int
	Skipped int
	Results []Result
}

// Source yields the pending messages for a tick. *store.Store implements it.
type Source interface {
	DrainAll() []store.PendingMessage
}

// Sender performs single delivery attempts. *ingest.Client implements it.
type Sender interface {
	Upload(ctx context.Context, index, documentID, fileName, path string) error
	Delete(ctx context.Context, index, documentID string) error
}

// Retrier wraps an attempt with the retry policy. *ingest.Retrier implements
// it.
type Retrier interface {
	Do(ctx context.Context, op func(context.Context) error) (int, error)
}

// Recorder receives every Result after delivery. Recorder errors are logged
// and never affect dispatch.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.interval = d
		}
	}
}

// WithParallelism bounds concurrent in-flight deliveries per tick.
func WithParallelism(n int) Option {
	return func(x *Dispatcher) {
		if n > 0 {
			x.parallel = n
		}
	}
}

// WithMetrics attaches pipeline counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

// WithRecorder adds a Recorder. May be given more than once.
func WithRecorder(r Recorder) Option {
	return func(x *Dispatcher) {
		if r != nil {
			x.recorders = append(x.recorders, r)
		}
	}
}

// Dispatcher drains a Source on a fixed period and delivers the messages.
type Dispatcher struct {
	source    Source
	sender    Sender
	retrier   Retrier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	recorders []Recorder
	interval  time.Duration
	parallel  int
}

// New returns a Dispatcher. Defaults: DefaultInterval, DefaultParallelism.
func New(source Source, sender Sender, retrier Retrier, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		sender:   sender,
		retrier:  retrier,
		logger:   logger,
		interval: DefaultInterval,
		parallel: DefaultParallelism,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run ticks every interval until ctx is cancelled. Ticks never overlap: a
// tick that outlasts the interval delays the next one. Cancellation stops
// scheduling immediately; deliveries of the current tick observe the same
// ctx. Run returns nil after a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch: started",
		slog.Duration("interval", d.interval),
		slog.Int("parallel", d.parallel),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatch: stopped")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			d.Tick(ctx)
		}
	}
}

// Tick drains the source once and delivers every drained message with at
// most the configured number in flight. It blocks until all deliveries of the
// batch have finished.
func (d *Dispatcher) Tick(ctx context.Context) Report {
	d.metrics.Tick()

	batch := d.source.DrainAll()
	if len(batch) == 0 {
		d.logger.Debug("dispatch: nothing pending")
		return Report{}
	}

	d.logger.Info("dispatch: tick",
		slog.Int("messages", len(batch)),
	)

	results := make([]Result, len(batch))
	var g errgroup.Group
	g.SetLimit(d.parallel)
	for i, msg := range batch {
		i, msg := i, msg
		g.Go(func() error {
			results[i] = d.deliver(ctx, msg)
			// Always nil so one failure never cancels the batch.
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	rep := Report{Drained: len(batch), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSent:
			rep.Sent++
		case OutcomeFailed:
			rep.Failed++
		case OutcomeSkipped:
			rep.Skipped++
		}
	}
	d.logger.Info("dispatch: tick complete",
		slog.Int("sent", rep.Sent),
		slog.Int("failed", rep.Failed),
		slog.Int("skipped", rep.Skipped),
	)
	return rep
}

// deliver sends one message under the retry policy and records the result.
func (d *Dispatcher) deliver(ctx context.Context, msg store.PendingMessage) Result {
	start := time.Now()
	res := Result{Message: msg}

	switch {
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	case msg.Event.Kind == watcher.Upsert:
		res.Attempts, res.Err = d.retrier.Do(ctx, func(ctx context.Context) error {
			return d.sender.Upload(ctx, msg.Index, msg.DocumentID, msg.Event.FileName, msg.Event.Path)
		})
	case msg.Event.Kind == watcher.Delete:
		res.Attempts, res.Err = d.retrier.Do(ctx, func(ctx context.Context) error {
			return d.sender.Delete(ctx, msg.Index, msg.DocumentID)
		})
	default:
		res.Outcome = OutcomeSkipped
	}

	res.Duration = time.Since(start)
	res.FinishedAt = time.Now().UTC()
	if res.Outcome == "" {
		if res.Err == nil {
			res.Outcome = OutcomeSent
		} else {
			res.Outcome = OutcomeFailed
		}
	}

	d.report(res)

	// Recording must survive shutdown so the last tick is not lost.
	recCtx := context.WithoutCancel(ctx)
	for _, r := range d.recorders {
		if err := r.Record(recCtx, res); err != nil {
			d.logger.Warn("dispatch: cannot record result",
				slog.String("document_id", msg.DocumentID),
				slog.Any("error", err),
			)
		}
	}
	return res
}

func (d *Dispatcher) report(res Result) {
	msg := res.Message
	attrs := []any{
		slog.String("document_id", msg.DocumentID),
		slog.String("index", msg.Index),
		slog.String("kind", msg.Event.Kind.String()),
		slog.Int("attempts", res.Attempts),
		slog.Duration("duration", res.Duration),
	}

	switch {
	case res.Outcome == OutcomeSkipped:
		d.logger.Debug("dispatch: skipped message without ingestion meaning", attrs...)
	case res.Err == nil:
		if msg.Event.Kind == watcher.Upsert {
			d.metrics.Uploaded()
		} else {
			d.metrics.Deleted()
		}
		d.logger.Info("dispatch: sent", attrs...)
	case errors.Is(res.Err, ingest.ErrSourceMissing):
		d.metrics.SourceMissing()
		d.logger.Warn("dispatch: source file vanished before upload, dropping",
			append(attrs, slog.String("path", msg.Event.Path))...)
	default:
		d.metrics.Failed()
		d.logger.Error("dispatch: delivery failed, dropping for this tick",
			append(attrs, slog.Any("error", res.Err))...)
	}
}
