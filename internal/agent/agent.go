// Package agent contains the docwatch orchestrator. It wires the directory
// watchers into the coalescing store, runs the initial scans, and drives the
// periodic dispatcher that delivers pending messages to the ingestion API,
// managing all of them through a shared context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docwatch/agent/internal/audit"
	"github.com/docwatch/agent/internal/config"
	"github.com/docwatch/agent/internal/dispatch"
	"github.com/docwatch/agent/internal/ingest"
	"github.com/docwatch/agent/internal/ledger"
	"github.com/docwatch/agent/internal/metrics"
	"github.com/docwatch/agent/internal/routing"
	"github.com/docwatch/agent/internal/server"
	"github.com/docwatch/agent/internal/store"
	"github.com/docwatch/agent/internal/watcher"
)

// WatcherFactory builds the watcher for one configured directory.
// watcher.New is the default.
type WatcherFactory func(dir config.DirectoryConfig, handle watcher.Handler, onError func(error), logger *slog.Logger) watcher.Watcher

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithHTTPClient sets the HTTP client used for ingestion requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Agent) { a.httpClient = hc }
}

// WithWatcherFactory replaces the per-directory watcher constructor.
func WithWatcherFactory(f WatcherFactory) Option {
	return func(a *Agent) { a.newWatcher = f }
}

// WithRecorder adds a dispatch.Recorder next to the configured ledger and
// audit journal.
func WithRecorder(r dispatch.Recorder) Option {
	return func(a *Agent) { a.extraRecorders = append(a.extraRecorders, r) }
}

// Agent is the central orchestrator of the docwatch pipeline.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	table      *routing.Table
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	ledger     ledger.Ledger
	journal    *audit.Journal

	httpClient     *http.Client
	newWatcher     WatcherFactory
	extraRecorders []dispatch.Recorder

	startTime time.Time
	cancel    context.CancelFunc

	mu       sync.RWMutex
	running  bool
	watchers []watcher.Watcher
	wg       sync.WaitGroup
}

// New builds every pipeline component from cfg. It opens the delivery ledger
// and audit journal when configured; Stop (or Close, for an agent that was
// never started) releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics.New(),
		newWatcher: watcher.New,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.table = routing.NewTable(cfg.Directories)
	a.store = store.New(a.table, logger, store.WithMetrics(a.metrics))

	client, err := a.newClient()
	if err != nil {
		return nil, err
	}

	in := cfg.Ingestion
	retrier := ingest.NewRetrier(ingest.RetryPolicy{
		Retries:      in.Retries,
		InitialDelay: in.RetryInitialDelay,
		MaxDelay:     in.RetryMaxDelay,
		StatusCodes:  in.RetryStatusCodes,
	}, logger, func(error, time.Duration) { a.metrics.Retried() })

	dopts := []dispatch.Option{
		dispatch.WithInterval(in.Schedule),
		dispatch.WithParallelism(in.ParallelUploads),
		dispatch.WithMetrics(a.metrics),
	}

	a.ledger, err = ledger.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if a.ledger != nil {
		dopts = append(dopts, dispatch.WithRecorder(a.ledger))
	}

	if cfg.Audit.Path != "" {
		a.journal, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			a.closeRecorders()
			return nil, fmt.Errorf("agent: %w", err)
		}
		dopts = append(dopts, dispatch.WithRecorder(a.journal))
	}

	for _, r := range a.extraRecorders {
		dopts = append(dopts, dispatch.WithRecorder(r))
	}

	a.dispatcher = dispatch.New(a.store, client, retrier, logger, dopts...)
	return a, nil
}

// newClient builds the ingestion client with the configured authentication.
func (a *Agent) newClient() (*ingest.Client, error) {
	in := a.cfg.Ingestion
	opts := []ingest.Option{
		ingest.WithRequestTimeout(in.RequestTimeout),
		ingest.WithRateLimit(in.RateLimit),
	}
	if a.httpClient != nil {
		opts = append(opts, ingest.WithHTTPClient(a.httpClient))
	}
	switch {
	case in.JWTSecret != "":
		opts = append(opts, ingest.WithAuthorizer(ingest.NewTokenSource(in.JWTSecret, in.JWTIssuer, in.JWTTTL)))
	case in.APIKey != "":
		opts = append(opts, ingest.WithAuthorizer(ingest.APIKey{Header: in.AuthHeader, Key: in.APIKey}))
	}
	client, err := ingest.NewClient(in.Endpoint, a.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	return client, nil
}

// Start starts one watcher per configured directory, runs the initial scans
// for directories that request one, and starts the periodic dispatcher.
//
// A directory whose watcher cannot start is logged and skipped; Start fails
// only when no watcher could be started at all.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting docwatch agent",
		slog.String("endpoint", a.cfg.Ingestion.Endpoint),
		slog.Int("directories", len(a.cfg.Directories)),
		slog.Duration("schedule", a.cfg.Ingestion.Schedule),
		slog.Int("parallel_uploads", a.cfg.Ingestion.ParallelUploads),
	)

	// Watchers start before the initial scan so that no change between the
	// scan and the first watch is lost.
	var started []watcher.Watcher
	for _, dir := range a.cfg.Directories {
		w := a.newWatcher(dir, a.store.Add, a.onWatchError(), a.logger)
		if err := w.Start(ctx); err != nil {
			a.metrics.WatchError()
			a.logger.Error("failed to start watcher",
				slog.String("path", dir.Path),
				slog.Any("error", err),
			)
			continue
		}
		started = append(started, w)
	}
	if len(started) == 0 && len(a.cfg.Directories) > 0 {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return errors.New("agent: no directory watcher could be started")
	}

	a.mu.Lock()
	a.watchers = started
	a.mu.Unlock()

	a.scan(ctx, true)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.dispatcher.Run(ctx)
	}()

	a.logger.Info("docwatch agent started", slog.Int("watchers", len(started)))
	return nil
}

// onWatchError counts watch errors. The watcher has already logged them.
func (a *Agent) onWatchError() func(error) {
	return func(error) { a.metrics.WatchError() }
}

// Scan enumerates every configured directory, regardless of its initial-scan
// flag, and adds one Upsert per existing file to the store. It returns the
// number of files found.
func (a *Agent) Scan(ctx context.Context) int {
	return a.scan(ctx, false)
}

// scan walks the configured directories. When onlyFlagged is set, only
// directories with InitialScan enabled are walked. Errors are logged per
// directory and never abort the remaining ones.
func (a *Agent) scan(ctx context.Context, onlyFlagged bool) int {
	total := 0
	for _, dir := range a.table.Directories() {
		if onlyFlagged && !dir.InitialScan {
			continue
		}
		n, err := routing.Scan(ctx, dir, a.store.Add)
		total += n
		if err != nil {
			a.logger.Error("initial scan failed",
				slog.String("path", dir.Root),
				slog.Int("files", n),
				slog.Any("error", err),
			)
			continue
		}
		a.logger.Info("initial scan complete",
			slog.String("path", dir.Root),
			slog.String("index", dir.Index),
			slog.Int("files", n),
		)
	}
	return total
}

// Tick runs a single dispatch tick outside the periodic schedule.
func (a *Agent) Tick(ctx context.Context) dispatch.Report {
	return a.dispatcher.Tick(ctx)
}

// Stop cancels the shared context, stops every watcher, waits for the
// dispatcher to finish its current tick, and closes the recorders. It is
// safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	watchers := a.watchers
	a.watchers = nil
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	for _, w := range watchers {
		w.Stop()
	}
	a.wg.Wait()

	a.closeRecorders()

	if n := a.store.Len(); n > 0 {
		a.logger.Warn("pending messages discarded at shutdown", slog.Int("pending", n))
	}
	a.logger.Info("docwatch agent stopped")
}

// Close releases the recorders of an agent that was never started, as used
// by one-shot commands.
func (a *Agent) Close() {
	a.mu.RLock()
	running := a.running
	a.mu.RUnlock()
	if running {
		a.Stop()
		return
	}
	a.closeRecorders()
}

func (a *Agent) closeRecorders() {
	a.mu.Lock()
	l, j := a.ledger, a.journal
	a.ledger, a.journal = nil, nil
	a.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			a.logger.Warn("error closing delivery ledger", slog.Any("error", err))
		}
	}
	if j != nil {
		if err := j.Close(); err != nil {
			a.logger.Warn("error closing audit journal", slog.Any("error", err))
		}
	}
}

// Metrics returns the pipeline counters.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Store returns the coalescing store.
func (a *Agent) Store() *store.Store { return a.store }

// Router returns the status API handler for this agent.
func (a *Agent) Router() http.Handler {
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(func() any { return a.Health() }),
	}
	if a.ledger != nil {
		opts = append(opts, server.WithHistory(a.ledger))
	}
	return server.New(a.store, a.logger, opts...).Router()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status   string  `json:"status"`
	UptimeS  float64 `json:"uptime_s"`
	Watchers int     `json:"watchers"`
	Pending  int     `json:"pending"`
	Ticks    int64   `json:"ticks"`
	Uploads  int64   `json:"uploads"`
	Deletes  int64   `json:"deletes"`
	Failures int64   `json:"failures"`
	// LedgerEntries is reported by ledgers that keep a running count.
	LedgerEntries int64 `json:"ledger_entries,omitempty"`
}

// counter is implemented by ledgers that can report their size cheaply.
type counter interface {
	Count() int64
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:   "ok",
		Watchers: len(a.watchers),
		Pending:  a.store.Len(),
		Ticks:    a.metrics.Ticks.Load(),
		Uploads:  a.metrics.Uploads.Load(),
		Deletes:  a.metrics.Deletes.Load(),
		Failures: a.metrics.Failures.Load(),
	}
	if c, ok := a.ledger.(counter); ok {
		h.LedgerEntries = c.Count()
	}
	if !a.running {
		h.Status = "stopped"
		return h
	}
	h.UptimeS = time.Since(a.startTime).Seconds()
	return h
}
