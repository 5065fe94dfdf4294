package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/jota/gateway/internal/protocol"
	"github.com/jota/gateway/internal/session"
)

func statsFixture() session.Metrics {
	return session.Metrics{TTFTMillis: 12, TotalMillis: 340, Tokens: 17, TPS: 50}
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"op":"infer","session_id":"sess_01234567_89ab","prompt":"Hi",
		"params":{"temp":0.2,"max_tokens":64}}`)
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Op != protocol.OpInfer {
		t.Errorf("Op = %q", req.Op)
	}
	if req.SessionID != "sess_01234567_89ab" {
		t.Errorf("SessionID = %q", req.SessionID)
	}
	if req.Prompt == nil || *req.Prompt != "Hi" {
		t.Errorf("Prompt = %v", req.Prompt)
	}

	p := req.SamplingParams()
	if p.Temperature != 0.2 || p.MaxTokens != 64 {
		t.Errorf("SamplingParams = %+v", p)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	t.Parallel()

	if _, err := protocol.ParseRequest([]byte(`{"op":`)); err == nil {
		t.Fatal("malformed JSON should fail")
	}
}

func TestPromptPresenceDistinguished(t *testing.T) {
	t.Parallel()

	withEmpty, err := protocol.ParseRequest([]byte(`{"op":"infer","prompt":""}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if withEmpty.Prompt == nil {
		t.Error("empty prompt should be present, not nil")
	}

	without, err := protocol.ParseRequest([]byte(`{"op":"infer"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if without.Prompt != nil {
		t.Error("absent prompt should be nil")
	}
}

func TestSamplingParamsDefaults(t *testing.T) {
	t.Parallel()

	req, err := protocol.ParseRequest([]byte(`{"op":"infer","prompt":"x"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	p := req.SamplingParams()
	if p.Temperature != 0.7 || p.MaxTokens != -1 {
		t.Errorf("default params = %+v, want temp 0.7 max_tokens -1", p)
	}
}

func TestReplyShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  any
		want map[string]any
	}{
		{
			name: "hello",
			msg:  protocol.NewHelloReply(42),
			want: map[string]any{"op": "hello", "status": "ready", "uptime_seconds": float64(42), "requires_auth": true},
		},
		{
			name: "auth_success",
			msg:  protocol.NewAuthSuccess("u1", 2),
			want: map[string]any{"op": "auth_success", "client_id": "u1", "max_sessions": float64(2)},
		},
		{
			name: "auth_failed",
			msg:  protocol.NewAuthFailed("Invalid credentials"),
			want: map[string]any{"op": "auth_failed", "reason": "Invalid credentials"},
		},
		{
			name: "token",
			msg:  protocol.NewToken("sess_x", " hi"),
			want: map[string]any{"op": "token", "session_id": "sess_x", "content": " hi"},
		},
		{
			name: "abort aborted",
			msg:  protocol.NewAbortReply("sess_x", true),
			want: map[string]any{"op": "abort", "session_id": "sess_x", "status": "aborted"},
		},
		{
			name: "abort not found",
			msg:  protocol.NewAbortReply("sess_x", false),
			want: map[string]any{"op": "abort", "session_id": "sess_x", "status": "not_found"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var got map[string]any
			if err := json.Unmarshal(protocol.Marshal(tc.msg), &got); err != nil {
				t.Fatalf("unmarshal reply: %v", err)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("%s: field %q = %v, want %v", tc.name, k, got[k], v)
				}
			}
		})
	}
}

func TestEndFrameStats(t *testing.T) {
	t.Parallel()

	end := protocol.NewEnd("sess_x", statsFixture())
	var got struct {
		Op    string `json:"op"`
		Stats struct {
			TTFT   int64   `json:"ttft_ms"`
			Total  int64   `json:"total_ms"`
			Tokens int     `json:"tokens"`
			TPS    float64 `json:"tps"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(protocol.Marshal(end), &got); err != nil {
		t.Fatalf("unmarshal end: %v", err)
	}
	if got.Op != "end" || got.Stats.TTFT != 12 || got.Stats.Total != 340 || got.Stats.Tokens != 17 {
		t.Errorf("end frame = %+v", got)
	}
}
