// Package ledger keeps an operator-facing history of delivery outcomes.
//
// The ledger is not a durability layer: pending messages live only in the
// in-memory coalescing store and are not recovered from here after a
// restart. Every dispatch Result is appended once delivery has finished, so
// operators can answer "was this file ever sent, and what happened?" through
// the status API.
//
// Two backends exist: SQLite for a single agent, and PostgreSQL when several
// agents should share one history.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docwatch/agent/internal/config"
	"github.com/docwatch/agent/internal/dispatch"
)

// DefaultRecentLimit is used by Recent when n ≤ 0.
const DefaultRecentLimit = 100

// Entry is one recorded delivery.
type Entry struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      string    `json:"index"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// FromResult converts a dispatch result into a ledger entry.
func FromResult(r dispatch.Result) Entry {
	e := Entry{
		DocumentID: r.Message.DocumentID,
		Index:      r.Message.Index,
		Kind:       r.Message.Event.Kind.String(),
		Path:       r.Message.Event.Path,
		Outcome:    string(r.Outcome),
		Attempts:   r.Attempts,
		DurationMS: r.Duration.Milliseconds(),
		FinishedAt: r.FinishedAt.UTC(),
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}
	return e
}

// Ledger records delivery results and lists the most recent ones.
type Ledger interface {
	dispatch.Recorder
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}

// Open returns the ledger selected by cfg.Driver, or nil when the driver is
// empty. logger receives errors from background work.
func Open(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (Ledger, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		l, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "postgres":
		l, err := NewPostgres(ctx, cfg.DSN, 0, 0, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
}
