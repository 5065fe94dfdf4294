package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jota/gateway/internal/auth"
	"github.com/jota/gateway/internal/model"
)

// CredentialSource is the slice of the credential cache the registry needs
// for quota checks at session creation.
type CredentialSource interface {
	Exists(clientID string) bool
	ConfigFor(clientID string) auth.ClientConfig
}

var (
	// ErrUnknownClient is returned by Create for a client with no cached
	// configuration.
	ErrUnknownClient = errors.New("session: client not found")
	// ErrNotFound is returned for operations on an absent session id.
	ErrNotFound = errors.New("session: not found")
)

// QuotaError is returned by Create when the client is at its session quota.
// Its message deliberately contains the word "limit" (clients match on it).
type QuotaError struct {
	ClientID    string
	MaxSessions int
}

// Error implements error.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("client %s has reached max sessions limit (%d)", e.ClientID, e.MaxSessions)
}

// Registry is the sole owner of all live sessions. Two indices, one mutex:
// a primary map keyed by session id and a per-client id list for quota
// enforcement and bulk closure. The mutex is held across map mutations and
// context allocation, never across network I/O or Generate.
type Registry struct {
	mdl     model.Model
	ctxSize int
	creds   CredentialSource
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byClient map[string][]string
}

// NewRegistry builds a Registry over the shared model handle. The model must
// outlive the registry.
func NewRegistry(mdl model.Model, ctxSize int, creds CredentialSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		mdl:      mdl,
		ctxSize:  ctxSize,
		creds:    creds,
		logger:   logger,
		sessions: make(map[string]*Session),
		byClient: make(map[string][]string),
	}
}

// newSessionID returns an id of the form sess_XXXXXXXX_XXXX (12 random hex
// digits).
func newSessionID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("session: rand.Read: " + err.Error())
	}
	h := hex.EncodeToString(b[:])
	return "sess_" + h[:8] + "_" + h[8:12]
}

// Create makes a new session for clientID after checking that the client has
// a cached configuration and is under its quota. The returned id is unique
// across the registry.
func (r *Registry) Create(clientID string) (string, error) {
	if r.creds == nil || !r.creds.Exists(clientID) {
		r.logger.Warn("session: create rejected, client not found",
			slog.String("client_id", clientID))
		return "", ErrUnknownClient
	}
	cfg := r.creds.ConfigFor(clientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	current := len(r.byClient[clientID])
	if current >= cfg.MaxSessions {
		r.logger.Warn("session: create rejected, quota reached",
			slog.String("client_id", clientID),
			slog.Int("max_sessions", cfg.MaxSessions))
		return "", &QuotaError{ClientID: clientID, MaxSessions: cfg.MaxSessions}
	}

	id := newSessionID()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = newSessionID()
	}

	s, err := newSession(id, clientID, r.mdl, r.ctxSize, r.logger)
	if err != nil {
		return "", fmt.Errorf("session: create context: %w", err)
	}

	r.sessions[id] = s
	r.byClient[clientID] = append(r.byClient[clientID], id)

	r.logger.Info("session: created",
		slog.String("session_id", id),
		slog.String("client_id", clientID),
		slog.String("usage", fmt.Sprintf("%d/%d", current+1, cfg.MaxSessions)))
	return id, nil
}

// Get returns a borrowed handle for id, or nil when absent. Callers must not
// retain the handle across operations; re-resolve instead.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Close destroys the session with id, removing it from both indices.
// Closing an unknown id returns ErrNotFound; the call is otherwise
// idempotent.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.removeClientIndexLocked(s.ClientID(), id)
	r.mu.Unlock()

	s.retire()
	r.logger.Info("session: closed",
		slog.String("session_id", id),
		slog.String("client_id", s.ClientID()))
	return nil
}

// removeClientIndexLocked drops id from the client's list, deleting the list
// when it empties. Caller holds r.mu.
func (r *Registry) removeClientIndexLocked(clientID, id string) {
	list := r.byClient[clientID]
	for i, v := range list {
		if v == id {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(r.byClient, clientID)
	} else {
		r.byClient[clientID] = list
	}
}

// Abort sets the abort flag on the session with id; false when absent.
func (r *Registry) Abort(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Abort()
	return true
}

// CloseClient destroys every session owned by clientID. Used on disconnect.
func (r *Registry) CloseClient(clientID string) {
	r.mu.Lock()
	ids := r.byClient[clientID]
	var victims []*Session
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	delete(r.byClient, clientID)
	r.mu.Unlock()

	for _, s := range victims {
		s.retire()
	}
	if len(victims) > 0 {
		r.logger.Info("session: closed client sessions",
			slog.String("client_id", clientID),
			slog.Int("count", len(victims)))
	}
}

// CloseAll destroys every session; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	victims := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		victims = append(victims, s)
	}
	r.sessions = make(map[string]*Session)
	r.byClient = make(map[string][]string)
	r.mu.Unlock()

	for _, s := range victims {
		s.retire()
	}
	if len(victims) > 0 {
		r.logger.Info("session: closed all sessions", slog.Int("count", len(victims)))
	}
}

// CountFor returns the number of live sessions owned by clientID.
func (r *Registry) CountFor(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byClient[clientID])
}

// Total returns the number of live sessions across all clients.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists the live sessions for the admin API, ordered arbitrarily.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			SessionID: s.ID(),
			ClientID:  s.ClientID(),
			State:     s.State().String(),
		})
	}
	return out
}

// Info is a read-only view of one session for observers.
type Info struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	State     string `json:"state"`
}
