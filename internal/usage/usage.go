// Package usage provides the persistence layer for per-generation usage
// accounting. Every completed generation is recorded with its client,
// session, token count, and timing metrics; the admin API reads aggregated
// per-client summaries back out.
//
// Two backends implement the Store interface: a WAL-mode SQLite database
// for single-node deployments (the default) and a PostgreSQL pool with
// batched inserts for deployments that already run Postgres. Open selects
// the backend from the DSN.
package usage

import (
	"context"
	"strings"
	"time"
)

// Record is one completed generation.
type Record struct {
	ClientID    string
	SessionID   string
	Tokens      int
	TTFTMillis  int64
	TotalMillis int64
	TPS         float64
	CreatedAt   time.Time
}

// Summary is the per-client aggregate served by the admin API.
type Summary struct {
	ClientID    string    `json:"client_id"`
	Generations int64     `json:"generations"`
	Tokens      int64     `json:"tokens"`
	AvgTPS      float64   `json:"avg_tps"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store records completed generations and serves aggregates.
type Store interface {
	// RecordGeneration persists one completed generation.
	RecordGeneration(ctx context.Context, r Record) error
	// SummarizeByClient returns one Summary per client, ordered by client id.
	SummarizeByClient(ctx context.Context) ([]Summary, error)
	// Close flushes pending writes and releases the backend.
	Close(ctx context.Context) error
}

// Open selects a backend from the DSN: postgres:// and postgresql:// DSNs
// open a Postgres store, anything else is treated as a SQLite path
// (":memory:" included). An empty DSN disables accounting entirely.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NopStore{}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn, 0, 0)
	default:
		return NewSQLite(dsn)
	}
}

// NopStore discards records; used when no accounting database is
// configured.
type NopStore struct{}

func (NopStore) RecordGeneration(context.Context, Record) error { return nil }

func (NopStore) SummarizeByClient(context.Context) ([]Summary, error) { return nil, nil }

func (NopStore) Close(context.Context) error { return nil }
