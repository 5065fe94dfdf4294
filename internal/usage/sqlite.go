package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is a WAL-mode SQLite-backed Store. It is safe for concurrent
// use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when several workers
	// record generations concurrently; each call serialises through this
	// connection.
	db.SetMaxOpenConns(1)

	// WAL mode: readers and the single writer proceed concurrently.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// sqliteDDL is the schema DDL, kept here to keep the package
// self-contained (idempotent: CREATE TABLE IF NOT EXISTS).
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS usage_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id  TEXT    NOT NULL,
    session_id TEXT    NOT NULL,
    tokens     INTEGER NOT NULL,
    ttft_ms    INTEGER NOT NULL,
    total_ms   INTEGER NOT NULL,
    tps        REAL    NOT NULL,
    created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_client
    ON usage_events (client_id, id);
`

// RecordGeneration persists one completed generation. A zero CreatedAt is
// replaced with the current time.
func (s *SQLiteStore) RecordGeneration(ctx context.Context, r Record) error {
	at := r.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (client_id, session_id, tokens, ttft_ms, total_ms, tps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ClientID,
		r.SessionID,
		r.Tokens,
		r.TTFTMillis,
		r.TotalMillis,
		r.TPS,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("usage: record generation: %w", err)
	}
	return nil
}

// SummarizeByClient aggregates usage_events per client, ordered by client
// id.
func (s *SQLiteStore) SummarizeByClient(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, COUNT(*), SUM(tokens), AVG(tps), MAX(created_at)
		 FROM   usage_events
		 GROUP  BY client_id
		 ORDER  BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("usage: summarize query: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sum    Summary
			lastTS string
		)
		if err := rows.Scan(&sum.ClientID, &sum.Generations, &sum.Tokens, &sum.AvgTPS, &lastTS); err != nil {
			return nil, fmt.Errorf("usage: summarize scan: %w", err)
		}

		// Parse the stored RFC3339Nano timestamp; fall back to RFC3339.
		sum.LastSeen, err = time.Parse(time.RFC3339Nano, lastTS)
		if err != nil {
			sum.LastSeen, _ = time.Parse(time.RFC3339, lastTS)
		}

		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: summarize rows: %w", err)
	}
	return summaries, nil
}

// Close closes the underlying database connection. Callers must not use
// the store after Close returns.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
