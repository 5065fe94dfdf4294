package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jota/gateway/internal/auth"
	"github.com/jota/gateway/internal/infer"
	"github.com/jota/gateway/internal/protocol"
	"github.com/jota/gateway/internal/session"
	"github.com/jota/gateway/internal/usage"
)

// Authenticator is the slice of the credential cache the router needs.
// *auth.Cache satisfies it.
type Authenticator interface {
	Authenticate(clientID, apiKey string) bool
	ConfigFor(clientID string) auth.ClientConfig
}

// connState is the per-connection protocol state. It is owned by the
// connection's read loop and never shared across goroutines.
type connState struct {
	authenticated bool
	clientID      string
}

// Router dispatches parsed protocol frames to the session registry, the
// inference dispatcher, and the telemetry hub. One Router serves all
// connections; per-connection state travels in connState.
type Router struct {
	creds      Authenticator
	registry   *session.Registry
	dispatcher *infer.Dispatcher
	hub        *Hub
	store      usage.Store
	started    time.Time
	logger     *slog.Logger
}

// NewRouter wires a Router. store may be a usage.NopStore when accounting
// is disabled.
func NewRouter(creds Authenticator, registry *session.Registry, dispatcher *infer.Dispatcher,
	hub *Hub, store usage.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		creds:      creds,
		registry:   registry,
		dispatcher: dispatcher,
		hub:        hub,
		store:      store,
		started:    time.Now(),
		logger:     logger,
	}
}

// HandleFrame processes one inbound text frame on c and sends any replies
// through the connection's outbound queue.
func (rt *Router) HandleFrame(c *Conn, st *connState, raw []byte) {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		c.Send(protocol.Marshal(protocol.NewError("Invalid JSON")))
		return
	}

	switch req.Op {
	case protocol.OpHello:
		rt.handleHello(c)
	case protocol.OpAuth:
		rt.handleAuth(c, st, req)
	case protocol.OpCreateSession:
		if !rt.requireAuth(c, st) {
			return
		}
		rt.handleCreateSession(c, st)
	case protocol.OpCloseSession:
		if !rt.requireAuth(c, st) {
			return
		}
		rt.handleCloseSession(c, st, req)
	case protocol.OpInfer:
		if !rt.requireAuth(c, st) {
			return
		}
		rt.handleInfer(c, st, req)
	case protocol.OpAbort:
		if !rt.requireAuth(c, st) {
			return
		}
		rt.handleAbort(c, st, req)
	case protocol.OpSubscribeMetrics:
		if !rt.requireAuth(c, st) {
			return
		}
		rt.hub.Subscribe(c)
		c.Send(protocol.Marshal(protocol.NewSubscribeReply(true)))
	case protocol.OpUnsubscribeMetrics:
		if !rt.requireAuth(c, st) {
			return
		}
		rt.hub.Unsubscribe(c.ID())
		c.Send(protocol.Marshal(protocol.NewSubscribeReply(false)))
	default:
		c.Send(protocol.Marshal(protocol.NewError(fmt.Sprintf("Unknown operation: %s", req.Op))))
	}
}

// requireAuth gates every post-handshake operation. Unauthenticated
// requests get an error frame and are not processed.
func (rt *Router) requireAuth(c *Conn, st *connState) bool {
	if st.authenticated {
		return true
	}
	c.Send(protocol.Marshal(protocol.NewError("Not authenticated")))
	return false
}

func (rt *Router) handleHello(c *Conn) {
	uptime := int64(time.Since(rt.started).Seconds())
	c.Send(protocol.Marshal(protocol.NewHelloReply(uptime)))
}

func (rt *Router) handleAuth(c *Conn, st *connState, req protocol.Request) {
	if req.ClientID == "" || req.APIKey == "" {
		c.Send(protocol.Marshal(protocol.NewAuthFailed("Missing client_id or api_key")))
		return
	}
	if !rt.creds.Authenticate(req.ClientID, req.APIKey) {
		rt.logger.Warn("router: authentication failed",
			slog.String("conn_id", c.ID()),
			slog.String("client_id", req.ClientID))
		c.Send(protocol.Marshal(protocol.NewAuthFailed("Invalid credentials")))
		return
	}

	st.authenticated = true
	st.clientID = req.ClientID
	cfg := rt.creds.ConfigFor(req.ClientID)
	rt.logger.Info("router: client authenticated",
		slog.String("conn_id", c.ID()),
		slog.String("client_id", req.ClientID))
	c.Send(protocol.Marshal(protocol.NewAuthSuccess(req.ClientID, cfg.MaxSessions)))
}

func (rt *Router) handleCreateSession(c *Conn, st *connState) {
	id, err := rt.registry.Create(st.clientID)
	if err != nil {
		c.Send(protocol.Marshal(protocol.NewSessionError(err.Error())))
		return
	}
	c.Send(protocol.Marshal(protocol.NewSessionCreated(id)))
}

// owned resolves the session and enforces that st's client owns it. The
// reply on failure deliberately does not reveal whether the session exists.
func (rt *Router) owned(st *connState, sessionID string) *session.Session {
	s := rt.registry.Get(sessionID)
	if s == nil || s.ClientID() != st.clientID {
		return nil
	}
	return s
}

func (rt *Router) handleCloseSession(c *Conn, st *connState, req protocol.Request) {
	if rt.owned(st, req.SessionID) == nil {
		c.Send(protocol.Marshal(protocol.NewError("Session not found or access denied")))
		return
	}
	if err := rt.registry.Close(req.SessionID); err != nil {
		c.Send(protocol.Marshal(protocol.NewError("Session not found or access denied")))
		return
	}
	c.Send(protocol.Marshal(protocol.NewSessionClosed(req.SessionID)))
}

func (rt *Router) handleInfer(c *Conn, st *connState, req protocol.Request) {
	if req.SessionID == "" || req.Prompt == nil {
		c.Send(protocol.Marshal(protocol.NewError("Missing session_id or prompt")))
		return
	}
	if rt.owned(st, req.SessionID) == nil {
		c.Send(protocol.Marshal(protocol.NewError("Session not found or access denied")))
		return
	}

	clientID := st.clientID
	rt.dispatcher.Enqueue(infer.Task{
		SessionID: req.SessionID,
		Prompt:    *req.Prompt,
		Params:    req.SamplingParams(),
		OnToken: func(sessionID, piece string) {
			c.Send(protocol.Marshal(protocol.NewToken(sessionID, piece)))
		},
		OnComplete: func(sessionID string, m session.Metrics, err error) {
			if err != nil {
				c.Send(protocol.Marshal(protocol.NewError(fmt.Sprintf("Generation failed: %v", err))))
				return
			}
			c.Send(protocol.Marshal(protocol.NewEnd(sessionID, m)))

			if rerr := rt.store.RecordGeneration(context.Background(), usage.Record{
				ClientID:    clientID,
				SessionID:   sessionID,
				Tokens:      m.Tokens,
				TTFTMillis:  m.TTFTMillis,
				TotalMillis: m.TotalMillis,
				TPS:         m.TPS,
			}); rerr != nil {
				rt.logger.Warn("router: usage record failed",
					slog.String("session_id", sessionID), slog.Any("error", rerr))
			}
		},
	})
}

func (rt *Router) handleAbort(c *Conn, st *connState, req protocol.Request) {
	if rt.owned(st, req.SessionID) == nil {
		c.Send(protocol.Marshal(protocol.NewAbortReply(req.SessionID, false)))
		return
	}
	aborted := rt.dispatcher.Abort(req.SessionID)
	c.Send(protocol.Marshal(protocol.NewAbortReply(req.SessionID, aborted)))
}
