// Package session owns the gateway's generation contexts: the Session type
// (one model context bound to one client) and the Registry that is the sole
// owner of all live sessions.
//
// # Ownership model
//
// The Registry is an arena: every other component holds only a session id
// and re-resolves it through Registry.Get. A Session's client binding is
// immutable for its lifetime. Closing a session while a worker is mid-
// generation is safe: the close raises the abort flag and defers freeing the
// model context until the worker releases the session.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jota/gateway/internal/model"
)

// State is a session's generation state.
type State int32

const (
	// StateIdle means no generation is in flight.
	StateIdle State = iota
	// StateGenerating means a worker is driving the model context.
	StateGenerating
	// StateError means the decoder failed; the session stays usable and
	// the next Generate resets the state.
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateGenerating:
		return "GENERATING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Metrics summarises one completed generation.
type Metrics struct {
	// TTFTMillis is the time from prompt submission to the first sampled
	// token.
	TTFTMillis int64 `json:"ttft_ms"`
	// TotalMillis is the wall-clock duration of the whole generation.
	TotalMillis int64 `json:"total_ms"`
	// Tokens is the number of tokens streamed to the caller.
	Tokens int `json:"tokens"`
	// TPS is tokens per second over the whole generation.
	TPS float64 `json:"tps"`
}

// Params are the client-supplied sampling parameters. The baseline sampler
// is greedy; Temperature is accepted and reserved for a sampling extension,
// while MaxTokens >= 0 hard-caps the generation loop.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// DefaultParams matches the wire protocol defaults.
func DefaultParams() Params {
	return Params{Temperature: 0.7, MaxTokens: -1}
}

// TokenCallback receives each generated piece. Returning false aborts the
// generation cooperatively.
type TokenCallback func(piece string) bool

// ErrBusy is returned by Generate when another generation is already in
// flight on the same session.
var ErrBusy = errors.New("session: generation already in flight")

// Session is a single generation context bound to one client.
type Session struct {
	id       string
	clientID string

	mdl model.Model

	state atomic.Int32
	abort atomic.Bool

	// lifeMu guards busy/retired/freed: a session retired mid-generation
	// keeps its context alive until the worker releases it.
	lifeMu  sync.Mutex
	ctx     model.Context
	busy    bool
	retired bool
	freed   bool

	logger *slog.Logger
}

// newSession derives a fresh model context; the model handle outlives the
// registry, so the session only borrows it.
func newSession(id, clientID string, mdl model.Model, ctxSize int, logger *slog.Logger) (*Session, error) {
	ctx, err := mdl.NewContext(ctxSize)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:       id,
		clientID: clientID,
		mdl:      mdl,
		ctx:      ctx,
		logger:   logger,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ClientID returns the owning client; immutable.
func (s *Session) ClientID() string { return s.clientID }

// State returns the current generation state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsGenerating reports whether a generation is in flight.
func (s *Session) IsGenerating() bool { return s.State() == StateGenerating }

// Abort requests cooperative cancellation; the generation loop observes the
// flag within one token.
func (s *Session) Abort() { s.abort.Store(true) }

// acquire marks the session busy for one generation. It fails when the
// session was retired or is already busy.
func (s *Session) acquire() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.retired || s.busy {
		return false
	}
	s.busy = true
	return true
}

// release ends a generation; if the session was retired meanwhile, the model
// context is freed here, on the worker's goroutine.
func (s *Session) release() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.busy = false
	if s.retired && !s.freed {
		s.ctx.Close()
		s.freed = true
	}
}

// retire removes the session from service. A busy session keeps its context
// until release; an idle one frees it immediately. Idempotent.
func (s *Session) retire() {
	s.abort.Store(true)
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.retired {
		return
	}
	s.retired = true
	if !s.busy && !s.freed {
		s.ctx.Close()
		s.freed = true
	}
}

// Generate runs one full generation for prompt, streaming each sanitized-at-
// a-higher-layer piece to onToken in generation order.
//
// The loop is the classic decode/sample cycle: clear the KV cache, submit
// the prompt as one batch, then alternate greedy sampling with single-token
// decodes. TTFT is recorded at the first sample. Generation stops on the
// end-of-generation token, a false return from onToken, the abort flag, the
// MaxTokens cap (when >= 0), or a decoder failure (which moves the session
// to StateError).
func (s *Session) Generate(prompt string, p Params, onToken TokenCallback) (Metrics, error) {
	var m Metrics

	if !s.acquire() {
		return m, ErrBusy
	}
	defer s.release()

	s.abort.Store(false)
	s.state.Store(int32(StateGenerating))
	defer func() {
		// A decoder failure has already parked the state at ERROR.
		if s.State() == StateGenerating {
			s.state.Store(int32(StateIdle))
		}
	}()

	s.ctx.Clear()

	start := time.Now()

	toks, err := s.mdl.Tokenize(prompt, true)
	if err != nil {
		s.state.Store(int32(StateError))
		return m, err
	}
	if err := s.ctx.Decode(toks, 0); err != nil {
		s.state.Store(int32(StateError))
		s.logger.Error("session: prompt decode failed",
			slog.String("session_id", s.id), slog.Any("error", err))
		return m, err
	}

	nCur := len(toks)
	first := true

	for {
		if p.MaxTokens >= 0 && m.Tokens >= p.MaxTokens {
			break
		}

		tok := s.ctx.SampleNext()

		if first {
			m.TTFTMillis = time.Since(start).Milliseconds()
			first = false
		}

		if s.mdl.IsEOG(tok) {
			break
		}

		piece := s.mdl.Detokenize(tok)
		m.Tokens++

		if onToken != nil && !onToken(piece) {
			break
		}
		if s.abort.Load() {
			s.logger.Info("session: generation aborted", slog.String("session_id", s.id))
			break
		}

		if err := s.ctx.Decode([]model.Token{tok}, nCur); err != nil {
			s.state.Store(int32(StateError))
			s.logger.Error("session: decode failed during generation",
				slog.String("session_id", s.id), slog.Any("error", err))
			s.finalize(&m, start)
			return m, err
		}
		nCur++
	}

	s.finalize(&m, start)
	return m, nil
}

// finalize stamps the total duration and derives tokens/second.
func (s *Session) finalize(m *Metrics, start time.Time) {
	m.TotalMillis = time.Since(start).Milliseconds()
	if m.TotalMillis > 0 {
		m.TPS = float64(m.Tokens) / (float64(m.TotalMillis) / 1000.0)
	}
}
