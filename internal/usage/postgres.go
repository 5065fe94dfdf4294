package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of usage rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// PostgresStore is the pgxpool-backed Store.
//
// Writes are batched: RecordGeneration accumulates rows in memory and
// flushes to the database either when the buffer reaches batchSize or when
// the background ticker fires, whichever comes first. Reads go straight to
// the pool.
type PostgresStore struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewPostgres opens a pgxpool connection to connStr, pings the database,
// applies the schema, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func NewPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresStore, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &PostgresStore{
		pool:          pool,
		batch:         make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS usage_events (
    id         BIGSERIAL PRIMARY KEY,
    client_id  TEXT             NOT NULL,
    session_id TEXT             NOT NULL,
    tokens     INTEGER          NOT NULL,
    ttft_ms    BIGINT           NOT NULL,
    total_ms   BIGINT           NOT NULL,
    tps        DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_client
    ON usage_events (client_id, id);
`

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *PostgresStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// RecordGeneration enqueues r for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *PostgresStore) RecordGeneration(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.batch = append(s.batch, r)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Record, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO usage_events
			(client_id, session_id, tokens, ttft_ms, total_ms, tps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.ClientID, r.SessionID, r.Tokens,
			r.TTFTMillis, r.TotalMillis, r.TPS,
			r.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec usage: %w", err)
		}
	}
	return nil
}

// SummarizeByClient aggregates usage_events per client, ordered by client
// id. Pending buffered rows are flushed first so the aggregate reflects
// every recorded generation.
func (s *PostgresStore) SummarizeByClient(ctx context.Context) ([]Summary, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT client_id, COUNT(*), SUM(tokens), AVG(tps), MAX(created_at)
		FROM   usage_events
		GROUP  BY client_id
		ORDER  BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("summarize query: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ClientID, &sum.Generations, &sum.Tokens, &sum.AvgTPS, &sum.LastSeen); err != nil {
			return nil, fmt.Errorf("summarize scan: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Close stops the background flush goroutine, flushes any remaining
// buffered rows, and closes the connection pool. Safe to call more than
// once; subsequent calls are no-ops.
func (s *PostgresStore) Close(ctx context.Context) error {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
	return nil
}
