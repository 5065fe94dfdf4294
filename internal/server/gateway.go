// Package server is the connection-facing layer of the gateway: the HTTP
// listener, the WebSocket upgrade and framing, the per-connection protocol
// router, the telemetry subscriber hub, and the admin REST API.
//
// # Connection lifecycle
//
// Each accepted WebSocket connection gets a reader (the handler goroutine)
// and a writer goroutine joined by a buffered frame channel. Replies, token
// streams, and telemetry frames all funnel through that channel, so the
// socket has exactly one writer regardless of how many dispatcher workers
// or broadcast ticks target the connection. On disconnect the handler
// synchronously unsubscribes the connection from telemetry and closes every
// session owned by its client before returning.
package server

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jota/gateway/internal/protocol"
	"github.com/jota/gateway/internal/session"
)

// Gateway owns the HTTP surface: the /ws endpoint, the liveness probe, and
// the optional admin API.
type Gateway struct {
	router   *Router
	hub      *Hub
	registry *session.Registry
	creds    Authenticator
	admin    *Admin
	logger   *slog.Logger

	// writeTimeout bounds each socket write; a stalled client is
	// disconnected rather than pinning a writer goroutine.
	writeTimeout time.Duration
}

// NewGateway wires a Gateway. admin may be nil to disable the admin API;
// writeTimeout <= 0 defaults to 10 seconds.
func NewGateway(router *Router, hub *Hub, registry *session.Registry, creds Authenticator,
	admin *Admin, writeTimeout time.Duration, logger *slog.Logger) *Gateway {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		router:       router,
		hub:          hub,
		registry:     registry,
		creds:        creds,
		admin:        admin,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Routes returns the gateway's HTTP routing tree:
//
//	GET /ws       – WebSocket endpoint (optional header-based auth)
//	GET /healthz  – liveness probe, no authentication
//	    /api/v1   – admin API (mounted when configured)
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealthz)
	r.Get("/ws", g.handleWS)

	if g.admin != nil {
		r.Mount("/api/v1", g.admin.Routes())
	}
	return r
}

// handleHealthz responds to GET /healthz with a static JSON body so load
// balancers can verify liveness without credentials.
func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWS authenticates any credential headers, upgrades the connection,
// and runs the read loop until the client disconnects.
//
// Two authentication modes are supported. When the request carries
// X-Client-ID / X-API-Key headers they are validated before the upgrade and
// the connection starts authenticated (invalid headers are rejected with
// 401 before any WebSocket traffic). Connections without headers upgrade
// unauthenticated and must send an in-band auth frame before any other
// operation.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("X-Client-ID")
	apiKey := r.Header.Get("X-API-Key")
	headerMode := clientID != "" || apiKey != ""
	if headerMode {
		if clientID == "" || apiKey == "" {
			writeJSONError(w, http.StatusUnauthorized, "Missing X-Client-ID or X-API-Key headers")
			return
		}
		if !g.creds.Authenticate(clientID, apiKey) {
			g.logger.Warn("ws: header authentication failed",
				slog.String("client_id", clientID),
				slog.String("remote_addr", r.RemoteAddr))
			writeJSONError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
	}

	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	netConn, bufrw, err := hj.Hijack()
	if err != nil {
		g.logger.Error("ws: hijack failed", slog.Any("error", err))
		return
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		g.logger.Error("ws: handshake write failed", slog.Any("error", err))
		netConn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		g.logger.Error("ws: handshake flush failed", slog.Any("error", err))
		netConn.Close()
		return
	}

	conn := newConn(uuid.NewString(), netConn, g.writeTimeout, g.logger)
	g.logger.Info("ws: client connected",
		slog.String("conn_id", conn.ID()),
		slog.String("remote_addr", netConn.RemoteAddr().String()),
		slog.Bool("header_auth", headerMode))

	done := make(chan struct{})
	go conn.writeLoop(done)

	// Unprompted hello so clients learn server readiness without a probe
	// round-trip.
	g.router.handleHello(conn)

	st := &connState{}
	if headerMode {
		st.authenticated = true
		st.clientID = clientID
		cfg := g.creds.ConfigFor(clientID)
		conn.Send(protocol.Marshal(protocol.NewAuthSuccess(clientID, cfg.MaxSessions)))
	}

	g.readLoop(conn, st, bufrw.Reader)

	// Synchronous disconnect cleanup: stop telemetry delivery, release the
	// client's sessions and their contexts, then tear the socket down.
	g.hub.Unsubscribe(conn.ID())
	if st.authenticated {
		g.registry.CloseClient(st.clientID)
	}
	close(done)
	conn.close()
	g.logger.Info("ws: client disconnected",
		slog.String("conn_id", conn.ID()),
		slog.Int64("dropped_frames", conn.Dropped.Load()))
}

// readLoop consumes client frames until close, error, or an oversized
// frame. A panic while handling one frame drops the connection but never
// the process.
func (g *Gateway) readLoop(conn *Conn, st *connState, buf *bufio.Reader) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("ws: read loop panic recovered",
				slog.Any("recover", r),
				slog.String("conn_id", conn.ID()))
		}
	}()

	for {
		opcode, payload, err := readFrame(buf)
		if err != nil {
			return
		}
		switch opcode {
		case opcodeText:
			g.router.HandleFrame(conn, st, payload)
		case opcodePing:
			conn.sendControl(opcodePong, payload)
		case opcodeClose:
			g.logger.Debug("ws: received close frame", slog.String("conn_id", conn.ID()))
			return
		}
	}
}
