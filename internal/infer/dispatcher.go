// Package infer runs generations on a fixed pool of worker goroutines that
// serialize access to the model runtime, and sanitizes the token stream on
// its way out.
//
// # Concurrency
//
// The runtime is not assumed thread-safe at the context level: each session
// owns its own context and at most one worker drives a given session at a
// time (Session.Generate enforces this). Distinct sessions generate in
// parallel, one per worker. Tasks carry only a session id; the worker
// re-resolves it at dequeue time and drops the task when the session is
// gone, so a task can never touch a destroyed context.
package infer

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jota/gateway/internal/session"
)

// DefaultWorkers is the pool size when the configuration does not override
// it.
const DefaultWorkers = 4

// TokenFunc receives each sanitized piece for a session.
type TokenFunc func(sessionID, piece string)

// CompleteFunc is invoked once when a generation finishes, successfully or
// not.
type CompleteFunc func(sessionID string, m session.Metrics, err error)

// Task is one unit of work: a prompt to run against a session. Consumed
// exactly once by one worker; never persisted.
type Task struct {
	SessionID string
	Prompt    string
	Params    session.Params
	// OnToken streams sanitized pieces; may be nil.
	OnToken TokenFunc
	// OnComplete fires after the generation returns; may be nil.
	OnComplete CompleteFunc
}

// Dispatcher is the fixed-size worker pool. Enqueue never blocks; the FIFO
// queue is unbounded and guarded by a mutex and condition variable.
type Dispatcher struct {
	registry *session.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	stopped bool

	wg sync.WaitGroup

	active      atomic.Int32
	totalTokens atomic.Int64

	metricsMu   sync.Mutex
	lastMetrics session.Metrics
}

// NewDispatcher starts workers goroutines draining the task queue. workers
// <= 0 selects DefaultWorkers.
func NewDispatcher(registry *session.Registry, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		registry: registry,
		logger:   logger,
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.workerLoop(i)
	}

	logger.Info("infer: dispatcher started", slog.Int("workers", workers))
	return d
}

// Enqueue appends t to the queue and wakes one worker. O(1), never blocks.
// Tasks enqueued after Shutdown are dropped.
func (d *Dispatcher) Enqueue(t Task) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, t)
	d.mu.Unlock()
	d.cond.Signal()
}

// Abort raises the abort flag on the session; false when it does not exist.
func (d *Dispatcher) Abort(sessionID string) bool {
	return d.registry.Abort(sessionID)
}

// ActiveCount returns the number of generations currently running.
func (d *Dispatcher) ActiveCount() int {
	return int(d.active.Load())
}

// LastMetrics returns the metrics of the most recently completed generation.
func (d *Dispatcher) LastMetrics() session.Metrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.lastMetrics
}

// TotalTokens returns the cumulative number of tokens generated since
// startup.
func (d *Dispatcher) TotalTokens() int64 {
	return d.totalTokens.Load()
}

// Shutdown wakes all workers and joins them once their current task
// completes. Pending queued tasks are dropped. Idempotent.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()

	d.cond.Broadcast()
	d.wg.Wait()
	d.logger.Info("infer: dispatcher shut down")
}

// workerLoop is the per-worker drain loop: wait, pop, process.
func (d *Dispatcher) workerLoop(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped {
			d.mu.Unlock()
			return
		}
		t := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.process(id, t)
	}
}

// process runs one task end to end on the calling worker goroutine.
func (d *Dispatcher) process(worker int, t Task) {
	s := d.registry.Get(t.SessionID)
	if s == nil {
		d.logger.Warn("infer: dropping task for missing session",
			slog.Int("worker", worker),
			slog.String("session_id", t.SessionID))
		return
	}

	d.active.Add(1)
	defer d.active.Add(-1)

	m, err := s.Generate(t.Prompt, t.Params, func(piece string) bool {
		if t.OnToken != nil {
			t.OnToken(t.SessionID, SanitizeUTF8(piece))
		}
		return true
	})
	if err != nil {
		d.logger.Error("infer: generation failed",
			slog.Int("worker", worker),
			slog.String("session_id", t.SessionID),
			slog.Any("error", err))
	}

	d.metricsMu.Lock()
	d.lastMetrics = m
	d.metricsMu.Unlock()
	d.totalTokens.Add(int64(m.Tokens))

	if t.OnComplete != nil {
		t.OnComplete(t.SessionID, m, err)
	}
}
