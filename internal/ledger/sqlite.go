package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/docwatch/agent/internal/dispatch"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite is a WAL-mode SQLite ledger. It is safe for concurrent use.
type SQLite struct {
	db    *sql.DB
	count atomic.Int64
}

// NewSQLite opens (or creates) the database at path, enables WAL journal
// mode, and applies the schema. ":memory:" gives a throwaway database for
// tests.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; concurrent dispatch workers
	// serialise through this single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	l := &SQLite{db: db}

	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: count rows: %w", err)
	}
	l.count.Store(n)
	return l, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS deliveries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id TEXT    NOT NULL,
    idx         TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    outcome     TEXT    NOT NULL,
    attempts    INTEGER NOT NULL,
    error       TEXT    NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    finished_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_document
    ON deliveries (document_id, id);
`

// Record implements dispatch.Recorder.
func (l *SQLite) Record(ctx context.Context, r dispatch.Result) error {
	e := FromResult(r)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO deliveries
		     (document_id, idx, kind, path, outcome, attempts, error, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DocumentID, e.Index, e.Kind, e.Path, e.Outcome,
		e.Attempts, e.Error, e.DurationMS,
		e.FinishedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record: %w", err)
	}
	l.count.Add(1)
	return nil
}

// Recent returns up to n entries, newest first.
func (l *SQLite) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, document_id, idx, kind, path, outcome, attempts, error, duration_ms, finished_at
		 FROM   deliveries
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Index, &e.Kind, &e.Path,
			&e.Outcome, &e.Attempts, &e.Error, &e.DurationMS, &ts); err != nil {
			return nil, fmt.Errorf("ledger: recent scan: %w", err)
		}
		e.FinishedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			e.FinishedAt, _ = time.Parse(time.RFC3339, ts)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: recent rows: %w", err)
	}
	return entries, nil
}

// Count returns the number of recorded deliveries. It reads an in-memory
// counter and never touches the database.
func (l *SQLite) Count() int64 {
	return l.count.Load()
}

// Close closes the underlying database.
func (l *SQLite) Close() error {
	return l.db.Close()
}
