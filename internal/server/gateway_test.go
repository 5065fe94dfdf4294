package server_test

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jota/gateway/internal/auth"
	"github.com/jota/gateway/internal/hardware"
	"github.com/jota/gateway/internal/infer"
	"github.com/jota/gateway/internal/model"
	"github.com/jota/gateway/internal/model/stub"
	"github.com/jota/gateway/internal/server"
	"github.com/jota/gateway/internal/session"
	"github.com/jota/gateway/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticAuth satisfies server.Authenticator with a fixed credential set.
type staticAuth map[string]auth.ClientConfig

func (a staticAuth) Authenticate(clientID, apiKey string) bool {
	cfg, ok := a[clientID]
	return ok && cfg.APIKey == apiKey
}

func (a staticAuth) ConfigFor(clientID string) auth.ClientConfig { return a[clientID] }

func (a staticAuth) Exists(clientID string) bool { _, ok := a[clientID]; return ok }

// testRig is a full gateway stack over the stub runtime.
type testRig struct {
	srv      *httptest.Server
	registry *session.Registry
	hub      *server.Hub
}

func newTestRig(t *testing.T) *testRig {
	return newTestRigRuntime(t, stub.Runtime{})
}

// newTestRigRuntime builds the stack over a specific stub runtime so tests
// can slow generations down or stretch them out.
func newTestRigRuntime(t *testing.T, runtime stub.Runtime) *testRig {
	t.Helper()

	creds := staticAuth{
		"alice": {ClientID: "alice", APIKey: "key-a", MaxSessions: 4},
		"bob":   {ClientID: "bob", APIKey: "key-b", MaxSessions: 4},
	}

	m, err := runtime.LoadModel("test.bin", model.Options{})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	t.Cleanup(m.Close)

	reg := session.NewRegistry(m, 512, creds, testLogger())
	d := infer.NewDispatcher(reg, 2, testLogger())
	t.Cleanup(d.Shutdown)

	hub := server.NewHub()
	rt := server.NewRouter(creds, reg, d, hub, usage.NopStore{}, testLogger())
	gw := server.NewGateway(rt, hub, reg, creds, nil, 5*time.Second, testLogger())

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)
	return &testRig{srv: srv, registry: reg, hub: hub}
}

// wsClient is a minimal raw-TCP WebSocket client for driving the gateway in
// tests without an external client library.
type wsClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// dialWS performs the WebSocket handshake against rig's /ws endpoint with
// the given extra headers. It fails the test unless the server answers 101.
func dialWS(t *testing.T, rig *testRig, headers map[string]string) *wsClient {
	t.Helper()
	resp, c := dialWSRaw(t, rig, headers)
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d, want 101", resp.StatusCode)
	}
	return c
}

// dialWSRaw performs the handshake and returns the raw HTTP response so
// rejection tests can assert on status and body.
func dialWSRaw(t *testing.T, rig *testRig, headers map[string]string) (*http.Response, *wsClient) {
	t.Helper()

	addr := strings.TrimPrefix(rig.srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n"
	for k, v := range headers {
		req += k + ": " + v + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	return resp, &wsClient{t: t, conn: conn, reader: reader}
}

// send writes one masked client text frame (RFC 6455 §5.1 requires client
// frames to be masked).
func (c *wsClient) send(payload string) {
	c.t.Helper()

	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x81, 0x80 | byte(n)}
	case n < 65536:
		header = []byte{0x81, 0x80 | 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 0x80 | 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		c.t.Fatalf("mask: %v", err)
	}
	masked := make([]byte, n)
	for i := 0; i < n; i++ {
		masked[i] = payload[i] ^ mask[i%4]
	}

	frame := append(header, mask[:]...)
	frame = append(frame, masked...)
	if _, err := c.conn.Write(frame); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

// sendJSON marshals v and sends it as one text frame.
func (c *wsClient) sendJSON(v any) {
	c.t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	c.send(string(raw))
}

// readFrame reads one server text frame. Server frames must be unmasked.
func (c *wsClient) readFrame() map[string]any {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		c.t.Fatalf("SetReadDeadline: %v", err)
	}

	b0, err := c.reader.ReadByte()
	if err != nil {
		c.t.Fatalf("read frame byte 0: %v", err)
	}
	b1, err := c.reader.ReadByte()
	if err != nil {
		c.t.Fatalf("read frame byte 1: %v", err)
	}
	if b0 != 0x81 {
		c.t.Fatalf("expected FIN+text frame (0x81), got 0x%02x", b0)
	}
	if b1&0x80 != 0 {
		c.t.Fatal("server must not mask frames (RFC 6455 §5.1)")
	}

	length := uint64(b1 & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			c.t.Fatalf("read extended length: %v", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			c.t.Fatalf("read extended length: %v", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		c.t.Fatalf("read payload: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.t.Fatalf("unmarshal frame %q: %v", payload, err)
	}
	return msg
}

// expectOp reads frames until one with the given op arrives, failing after
// 20 frames.
func (c *wsClient) expectOp(op string) map[string]any {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		msg := c.readFrame()
		if msg["op"] == op {
			return msg
		}
	}
	c.t.Fatalf("no frame with op %q received", op)
	return nil
}

// authenticate runs the in-band auth exchange.
func (c *wsClient) authenticate(clientID, apiKey string) {
	c.t.Helper()
	c.sendJSON(map[string]any{"op": "auth", "client_id": clientID, "api_key": apiKey})
	c.expectOp("auth_success")
}

func TestGatewayRejectsNonWebSocket(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	resp, err := http.Get(rig.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}

func TestGatewayHealthz(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	resp, err := http.Get(rig.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAdminAPIUnmountedWithoutAdmin(t *testing.T) {
	t.Parallel()

	// No Admin wired: the /api/v1 tree must not exist at all.
	rig := newTestRig(t)
	resp, err := http.Get(rig.srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET /api/v1/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminAPIMountedRequiresToken(t *testing.T) {
	t.Parallel()

	_, pub := generateTestKey(t)
	creds := staticAuth{"alice": {ClientID: "alice", APIKey: "key-a", MaxSessions: 4}}

	m, err := stub.Runtime{}.LoadModel("test.bin", model.Options{})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	t.Cleanup(m.Close)

	reg := session.NewRegistry(m, 512, creds, testLogger())
	d := infer.NewDispatcher(reg, 2, testLogger())
	t.Cleanup(d.Shutdown)

	hub := server.NewHub()
	rt := server.NewRouter(creds, reg, d, hub, usage.NopStore{}, testLogger())
	admin := server.NewAdmin(reg, usage.NopStore{}, hardware.NewNullProbe(nil), pub, testLogger())
	gw := server.NewGateway(rt, hub, reg, creds, admin, 5*time.Second, testLogger())

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET /api/v1/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHeaderAuthIncomplete(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	resp, _ := dialWSRaw(t, rig, map[string]string{"X-Client-ID": "alice"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := strings.TrimSpace(string(body)); got != `{"error":"Missing X-Client-ID or X-API-Key headers"}` {
		t.Errorf("body = %s", got)
	}
}

func TestHeaderAuthInvalidCredentials(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	resp, _ := dialWSRaw(t, rig, map[string]string{
		"X-Client-ID": "alice",
		"X-API-Key":   "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := strings.TrimSpace(string(body)); got != `{"error":"Invalid credentials"}` {
		t.Errorf("body = %s", got)
	}
}

func TestHeaderAuthConnectsAuthenticated(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, map[string]string{
		"X-Client-ID": "alice",
		"X-API-Key":   "key-a",
	})

	hello := c.expectOp("hello")
	if hello["status"] != "ready" || hello["requires_auth"] != true {
		t.Errorf("hello = %v", hello)
	}
	success := c.expectOp("auth_success")
	if success["client_id"] != "alice" || success["max_sessions"] != float64(4) {
		t.Errorf("auth_success = %v", success)
	}

	// No in-band auth needed.
	c.sendJSON(map[string]any{"op": "create_session"})
	created := c.expectOp("session_created")
	if created["session_id"] == "" {
		t.Error("session_created missing session_id")
	}
}

func TestUnauthenticatedOperationsRejected(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")

	for _, op := range []string{"create_session", "infer", "abort", "subscribe_metrics"} {
		c.sendJSON(map[string]any{"op": op})
		msg := c.expectOp("error")
		if msg["error"] != "Not authenticated" {
			t.Errorf("op %s: error = %v", op, msg["error"])
		}
	}
}

func TestInBandAuthFailed(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")

	c.sendJSON(map[string]any{"op": "auth", "client_id": "alice", "api_key": "wrong"})
	failed := c.expectOp("auth_failed")
	if failed["reason"] != "Invalid credentials" {
		t.Errorf("reason = %v", failed["reason"])
	}
}

func TestSessionLifecycleAndInference(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")
	c.authenticate("alice", "key-a")

	c.sendJSON(map[string]any{"op": "create_session"})
	created := c.expectOp("session_created")
	sessionID := created["session_id"].(string)

	c.sendJSON(map[string]any{
		"op":         "infer",
		"session_id": sessionID,
		"prompt":     "echo this back",
	})

	var streamed strings.Builder
stream:
	for {
		msg := c.readFrame()
		switch msg["op"] {
		case "token":
			if msg["session_id"] != sessionID {
				t.Errorf("token session_id = %v", msg["session_id"])
			}
			streamed.WriteString(msg["content"].(string))
		case "end":
			stats := msg["stats"].(map[string]any)
			if stats["tokens"] != float64(3) {
				t.Errorf("end stats = %v", stats)
			}
			if got := streamed.String(); got != " echo this back" {
				t.Errorf("streamed %q", got)
			}
			break stream
		default:
			t.Fatalf("unexpected frame %v", msg)
		}
	}

	c.sendJSON(map[string]any{"op": "close_session", "session_id": sessionID})
	closed := c.expectOp("session_closed")
	if closed["session_id"] != sessionID {
		t.Errorf("session_closed = %v", closed)
	}
}

func TestAbortStopsInFlightGeneration(t *testing.T) {
	t.Parallel()

	// Slow, long parrot so the abort lands while tokens are still streaming.
	rig := newTestRigRuntime(t, stub.Runtime{Repeat: 100, Delay: 30 * time.Millisecond})
	c := dialWS(t, rig, nil)
	c.expectOp("hello")
	c.authenticate("alice", "key-a")

	c.sendJSON(map[string]any{"op": "create_session"})
	sessionID := c.expectOp("session_created")["session_id"].(string)

	c.sendJSON(map[string]any{
		"op":         "infer",
		"session_id": sessionID,
		"prompt":     "stop me now",
	})
	c.expectOp("token") // generation is running

	c.sendJSON(map[string]any{"op": "abort", "session_id": sessionID})
	reply := c.expectOp("abort")
	if reply["session_id"] != sessionID {
		t.Errorf("abort session_id = %v", reply["session_id"])
	}
	if reply["status"] != "aborted" {
		t.Fatalf("abort status = %v, want aborted", reply["status"])
	}

	// The generation still finishes with an end frame, well short of the
	// 300 tokens a full run would stream.
	end := c.expectOp("end")
	stats := end["stats"].(map[string]any)
	if tokens := stats["tokens"].(float64); tokens >= 300 {
		t.Errorf("generation ran to completion: %v tokens", tokens)
	}
}

func TestInferMissingPrompt(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")
	c.authenticate("alice", "key-a")

	c.sendJSON(map[string]any{"op": "infer", "session_id": "sess_00000000_0000"})
	msg := c.expectOp("error")
	if msg["error"] != "Missing session_id or prompt" {
		t.Errorf("error = %v", msg["error"])
	}
}

func TestOwnershipDenied(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)

	a := dialWS(t, rig, nil)
	a.expectOp("hello")
	a.authenticate("alice", "key-a")
	a.sendJSON(map[string]any{"op": "create_session"})
	sessionID := a.expectOp("session_created")["session_id"].(string)

	b := dialWS(t, rig, nil)
	b.expectOp("hello")
	b.authenticate("bob", "key-b")

	b.sendJSON(map[string]any{"op": "close_session", "session_id": sessionID})
	msg := b.expectOp("error")
	if msg["error"] != "Session not found or access denied" {
		t.Errorf("error = %v", msg["error"])
	}

	// Abort against a foreign session reports not_found rather than
	// revealing its existence.
	b.sendJSON(map[string]any{"op": "abort", "session_id": sessionID})
	abortReply := b.expectOp("abort")
	if abortReply["status"] != "not_found" {
		t.Errorf("abort status = %v", abortReply["status"])
	}
}

func TestMalformedJSON(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")

	c.send(`{"op":`)
	msg := c.expectOp("error")
	if msg["error"] != "Invalid JSON" {
		t.Errorf("error = %v", msg["error"])
	}
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")
	c.authenticate("alice", "key-a")

	c.sendJSON(map[string]any{"op": "reticulate"})
	msg := c.expectOp("error")
	if msg["error"] != "Unknown operation: reticulate" {
		t.Errorf("error = %v", msg["error"])
	}
}

func TestMetricsSubscription(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")
	c.authenticate("alice", "key-a")

	c.sendJSON(map[string]any{"op": "subscribe_metrics"})
	c.expectOp("metrics_subscribed")

	// Publish through the hub the way the telemetry broadcaster does.
	rig.hub.Publish([]byte(`{"op":"metrics","timestamp":1}`))
	frame := c.expectOp("metrics")
	if frame["timestamp"] != float64(1) {
		t.Errorf("metrics frame = %v", frame)
	}

	c.sendJSON(map[string]any{"op": "unsubscribe_metrics"})
	c.expectOp("metrics_unsubscribed")
	if rig.hub.Count() != 0 {
		t.Errorf("hub count = %d after unsubscribe", rig.hub.Count())
	}
}

func TestDisconnectClosesClientSessions(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	c := dialWS(t, rig, nil)
	c.expectOp("hello")
	c.authenticate("alice", "key-a")

	c.sendJSON(map[string]any{"op": "create_session"})
	c.expectOp("session_created")
	if rig.registry.Total() != 1 {
		t.Fatalf("Total = %d before disconnect", rig.registry.Total())
	}

	c.conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for rig.registry.Total() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sessions not closed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
