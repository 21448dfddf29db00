package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docwatch/agent/internal/dispatch"
)

const (
	// DefaultBatchSize is the maximum number of entries held in memory before
	// an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered entries are flushed even when
	// the batch is not full.
	DefaultFlushInterval = time.Second
)

// Postgres is a PostgreSQL ledger shared by several agents.
//
// Records are batched: Record appends to an in-memory buffer that is sent in
// a single pgx.Batch round-trip when it reaches batchSize or when the
// background ticker fires, whichever comes first.
type Postgres struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	batch         []Entry
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// NewPostgres connects to dsn, pings the database, applies the schema, and
// starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
// Failed background flushes are reported on logger.
func NewPostgres(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration, logger *slog.Logger) (*Postgres, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		logger:        logger,
		batch:         make([]Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS deliveries (
    id          BIGSERIAL   PRIMARY KEY,
    document_id TEXT        NOT NULL,
    idx         TEXT        NOT NULL,
    kind        TEXT        NOT NULL,
    path        TEXT        NOT NULL,
    outcome     TEXT        NOT NULL,
    attempts    INTEGER     NOT NULL,
    error       TEXT        NOT NULL DEFAULT '',
    duration_ms BIGINT      NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_document
    ON deliveries (document_id, id);
`

func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n, err := p.flush(context.Background()); err != nil {
				p.logger.Error("ledger: background flush failed, entries dropped",
					slog.Int("entries", n),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Record implements dispatch.Recorder. When the buffer reaches batchSize the
// flush happens synchronously so callers observe back-pressure.
func (p *Postgres) Record(ctx context.Context, r dispatch.Result) error {
	p.mu.Lock()
	p.batch = append(p.batch, FromResult(r))
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush sends every buffered entry in one round-trip. Concurrent calls each
// drain a distinct snapshot of the buffer. Entries of a failed flush are not
// kept.
func (p *Postgres) Flush(ctx context.Context) error {
	_, err := p.flush(ctx)
	return err
}

// flush is Flush that also reports how many entries it attempted.
func (p *Postgres) flush(ctx context.Context) (int, error) {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return 0, nil
	}
	toInsert := p.batch
	p.batch = make([]Entry, 0, p.batchSize)
	p.mu.Unlock()

	const query = `
		INSERT INTO deliveries
			(document_id, idx, kind, path, outcome, attempts, error, duration_ms, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		b.Queue(query,
			e.DocumentID, e.Index, e.Kind, e.Path, e.Outcome,
			e.Attempts, e.Error, e.DurationMS, e.FinishedAt,
		)
	}

	br := p.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return len(toInsert), fmt.Errorf("ledger: batch insert: %w", err)
		}
	}
	return len(toInsert), nil
}

// Recent flushes pending entries and returns up to n entries, newest first.
func (p *Postgres) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, idx, kind, path, outcome, attempts, error, duration_ms, finished_at
		FROM   deliveries
		ORDER  BY id DESC
		LIMIT  $1`, n)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Index, &e.Kind, &e.Path,
			&e.Outcome, &e.Attempts, &e.Error, &e.DurationMS, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("ledger: recent scan: %w", err)
		}
		e.FinishedAt = e.FinishedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close stops the flush goroutine, flushes what remains, and closes the pool.
// It is safe to call more than once.
func (p *Postgres) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = p.Flush(ctx)
		p.pool.Close()
	})
	return err
}
