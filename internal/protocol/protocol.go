// Package protocol defines the JSON wire protocol spoken over the gateway's
// WebSocket connections: one JSON object per text frame, discriminated by
// the "op" field.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jota/gateway/internal/session"
)

// Client -> server operations.
const (
	OpHello              = "hello"
	OpAuth               = "auth"
	OpCreateSession      = "create_session"
	OpCloseSession       = "close_session"
	OpInfer              = "infer"
	OpAbort              = "abort"
	OpSubscribeMetrics   = "subscribe_metrics"
	OpUnsubscribeMetrics = "unsubscribe_metrics"
)

// Server -> client operations.
const (
	OpAuthSuccess         = "auth_success"
	OpAuthFailed          = "auth_failed"
	OpSessionCreated      = "session_created"
	OpSessionClosed       = "session_closed"
	OpSessionError        = "session_error"
	OpToken               = "token"
	OpEnd                 = "end"
	OpError               = "error"
	OpMetrics             = "metrics"
	OpMetricsSubscribed   = "metrics_subscribed"
	OpMetricsUnsubscribed = "metrics_unsubscribed"
)

// Request is a parsed client frame. Pointer fields distinguish "absent"
// from "empty" where the protocol requires a presence check.
type Request struct {
	Op        string       `json:"op"`
	ClientID  string       `json:"client_id"`
	APIKey    string       `json:"api_key"`
	SessionID string       `json:"session_id"`
	Prompt    *string      `json:"prompt"`
	Params    *InferParams `json:"params"`
}

// InferParams are the client-supplied sampling parameters of an infer
// request.
type InferParams struct {
	Temp      float64 `json:"temp"`
	MaxTokens int     `json:"max_tokens"`
}

// ParseRequest decodes one inbound text frame.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return req, nil
}

// SamplingParams converts the request's params (or their absence) into
// generation parameters, applying the protocol defaults temp=0.7,
// max_tokens=-1.
func (r Request) SamplingParams() session.Params {
	p := session.DefaultParams()
	if r.Params != nil {
		p.Temperature = r.Params.Temp
		p.MaxTokens = r.Params.MaxTokens
	}
	return p
}

// HelloReply answers op:hello and is also pushed unprompted on connect.
type HelloReply struct {
	Op            string `json:"op"`
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RequiresAuth  bool   `json:"requires_auth"`
}

// NewHelloReply builds a ready HelloReply.
func NewHelloReply(uptimeSeconds int64) HelloReply {
	return HelloReply{Op: OpHello, Status: "ready", UptimeSeconds: uptimeSeconds, RequiresAuth: true}
}

// AuthSuccess confirms authentication.
type AuthSuccess struct {
	Op          string `json:"op"`
	ClientID    string `json:"client_id"`
	MaxSessions int    `json:"max_sessions"`
}

// NewAuthSuccess builds an AuthSuccess.
func NewAuthSuccess(clientID string, maxSessions int) AuthSuccess {
	return AuthSuccess{Op: OpAuthSuccess, ClientID: clientID, MaxSessions: maxSessions}
}

// AuthFailed rejects authentication.
type AuthFailed struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// NewAuthFailed builds an AuthFailed.
func NewAuthFailed(reason string) AuthFailed {
	return AuthFailed{Op: OpAuthFailed, Reason: reason}
}

// SessionCreated reports a fresh session id.
type SessionCreated struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
}

// NewSessionCreated builds a SessionCreated.
func NewSessionCreated(sessionID string) SessionCreated {
	return SessionCreated{Op: OpSessionCreated, SessionID: sessionID}
}

// SessionClosed confirms a close_session.
type SessionClosed struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
}

// NewSessionClosed builds a SessionClosed.
func NewSessionClosed(sessionID string) SessionClosed {
	return SessionClosed{Op: OpSessionClosed, SessionID: sessionID}
}

// SessionError reports a session-level failure (quota, unknown client).
type SessionError struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// NewSessionError builds a SessionError.
func NewSessionError(msg string) SessionError {
	return SessionError{Op: OpSessionError, Error: msg}
}

// Token is one streamed generation piece.
type Token struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// NewToken builds a Token frame.
func NewToken(sessionID, content string) Token {
	return Token{Op: OpToken, SessionID: sessionID, Content: content}
}

// End terminates a token stream with the generation's metrics.
type End struct {
	Op        string          `json:"op"`
	SessionID string          `json:"session_id"`
	Stats     session.Metrics `json:"stats"`
}

// NewEnd builds an End frame.
func NewEnd(sessionID string, m session.Metrics) End {
	return End{Op: OpEnd, SessionID: sessionID, Stats: m}
}

// AbortReply acknowledges an abort request.
type AbortReply struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// NewAbortReply builds an AbortReply; aborted selects "aborted" vs
// "not_found".
func NewAbortReply(sessionID string, aborted bool) AbortReply {
	status := "not_found"
	if aborted {
		status = "aborted"
	}
	return AbortReply{Op: OpAbort, SessionID: sessionID, Status: status}
}

// ErrorReply is the generic failure frame.
type ErrorReply struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// NewError builds an ErrorReply.
func NewError(msg string) ErrorReply {
	return ErrorReply{Op: OpError, Error: msg}
}

// SubscribeReply acknowledges (un)subscription from the telemetry stream.
type SubscribeReply struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// NewSubscribeReply builds the acknowledgement; subscribed selects the op.
func NewSubscribeReply(subscribed bool) SubscribeReply {
	if subscribed {
		return SubscribeReply{Op: OpMetricsSubscribed, Message: "Subscribed to metrics stream"}
	}
	return SubscribeReply{Op: OpMetricsUnsubscribed, Message: "Unsubscribed from metrics stream"}
}

// GPUMetrics is the hardware half of the telemetry envelope.
type GPUMetrics struct {
	Temp       int    `json:"temp"`
	VRAMTotal  uint64 `json:"vram_total_mb"`
	VRAMUsed   uint64 `json:"vram_used_mb"`
	VRAMFree   uint64 `json:"vram_free_mb"`
	PowerWatts uint64 `json:"power_watts"`
	FanPercent int    `json:"fan_percent"`
	Throttling bool   `json:"throttling"`
}

// InferenceMetrics is the inference half of the telemetry envelope.
type InferenceMetrics struct {
	ActiveGenerations    int     `json:"active_generations"`
	TotalSessions        int     `json:"total_sessions"`
	LastTPS              float64 `json:"last_tps"`
	LastTTFTMillis       int64   `json:"last_ttft_ms"`
	TotalTokensGenerated int64   `json:"total_tokens_generated"`
}

// Metrics is the periodic telemetry frame pushed to subscribers.
type Metrics struct {
	Op        string           `json:"op"`
	Timestamp int64            `json:"timestamp"`
	GPU       GPUMetrics       `json:"gpu"`
	Inference InferenceMetrics `json:"inference"`
}

// Marshal encodes any server frame; a marshal failure is a programming
// error and panics.
func Marshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return raw
}
