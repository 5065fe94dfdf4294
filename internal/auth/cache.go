// Package auth validates client credentials against the JotaDB auth backend
// and caches the resulting client configurations with a bounded TTL.
//
// # Caching
//
// A successful backend validation stores the client's configuration together
// with the API key it was validated with. Subsequent Authenticate calls for
// the same (client_id, api_key) pair are served from the cache for TTL
// (15 minutes by default) without touching the network. A mismatched key or
// an expired entry falls through to the backend; a transient backend failure
// never evicts a cached entry, so the next successful validation simply
// overwrites it.
//
// # Locking discipline
//
// One mutex guards the cache map. It is held only across map reads and
// writes, never across the HTTP round-trip (release, call, reacquire).
//
// # Error policy
//
// Authenticate never returns an error: network failures, non-200 statuses
// and malformed bodies are logged and reported as a failed authentication.
package auth

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jota/gateway/internal/envfile"
)

// DefaultTTL is how long a cached validation remains fresh.
const DefaultTTL = 15 * time.Minute

// DefaultBaseURL is used when JOTA_DB_URL is not configured.
const DefaultBaseURL = "https://green-house.local/api/db"

// ClientConfig describes a known client as returned by the auth backend.
// Entries are replaced wholesale on re-validation, never mutated in place.
type ClientConfig struct {
	ClientID string
	// APIKey is the key the entry was validated with; compared on cache
	// hits so a rotated key forces a backend round-trip.
	APIKey string
	// MaxSessions is the client's concurrent session quota (default 1).
	MaxSessions int
	// Priority is advisory: "low", "normal" or "high".
	Priority    string
	Description string
	// LastValidated is when the backend last confirmed this entry.
	LastValidated time.Time
}

// Config carries the Cache construction parameters.
type Config struct {
	// BaseURL is the auth backend base URL, e.g. "https://host/api/db".
	// A trailing slash is stripped. Empty defaults to DefaultBaseURL.
	BaseURL string
	// ServerID identifies this gateway to the backend (JOTA_DB_USR).
	ServerID string
	// ServerKey is the bearer key sent on every backend request
	// (JOTA_DB_SK).
	ServerKey string
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// Now overrides the clock; nil means time.Now. Tests use this to
	// expire entries without sleeping.
	Now func() time.Time
}

// Cache is a TTL-bounded credential cache backed by the JotaDB auth backend.
// It is safe for concurrent use.
type Cache struct {
	baseURL   string
	serverKey string
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// authClient performs /auth/internal requests: 2 s connect, 3 s read.
	authClient *http.Client
	// healthClient performs /health requests: 3 s connect, 3 s read.
	healthClient *http.Client

	mu      sync.Mutex
	clients map[string]ClientConfig
}

// New constructs a Cache. The HTTP clients disable TLS certificate
// verification so that backends with self-signed certificates work out of
// the box.
func New(cfg Config, logger *slog.Logger) *Cache {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimRight(base, "/")

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		baseURL:      base,
		serverKey:    cfg.ServerKey,
		ttl:          ttl,
		now:          now,
		logger:       logger,
		authClient:   newHTTPClient(2*time.Second, 3*time.Second),
		healthClient: newHTTPClient(3*time.Second, 3*time.Second),
		clients:      make(map[string]ClientConfig),
	}

	logger.Info("auth: backend configured", slog.String("url", base))
	if cfg.ServerKey == "" || cfg.ServerID == "" {
		logger.Warn("auth: JOTA_DB_SK or JOTA_DB_USR is not set, backend requests may be rejected")
	}
	return c
}

// FromEnv builds a Cache from the JOTA_DB_* keys of env.
func FromEnv(env *envfile.Env, logger *slog.Logger) *Cache {
	return New(Config{
		BaseURL:   env.Get("JOTA_DB_URL", DefaultBaseURL),
		ServerID:  env.Get("JOTA_DB_USR", ""),
		ServerKey: env.Get("JOTA_DB_SK", ""),
	}, logger)
}

// newHTTPClient builds a client with a connect timeout on the dialer and a
// read deadline expressed as the overall request timeout.
func newHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: connectTimeout + readTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			// Self-signed-friendly: the backend is an internal service
			// commonly deployed with its own CA.
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			ResponseHeaderTimeout: readTimeout,
		},
	}
}

// VerifyBackendLiveness GETs {base}/health with the server bearer key and
// reports whether the backend answered HTTP 200. Called once at startup;
// a false return is fatal for the process.
func (c *Cache) VerifyBackendLiveness() bool {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		c.logger.Error("auth: build health request", slog.Any("error", err))
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.serverKey)

	resp, err := c.healthClient.Do(req)
	if err != nil {
		c.logger.Error("auth: backend health check failed", slog.Any("error", err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("auth: backend health check returned non-200",
			slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// authResponse is the /auth/internal response body. The client configuration
// may arrive nested under "config" or flattened at the top level; both forms
// are accepted, nested winning.
type authResponse struct {
	Authorized *bool           `json:"authorized"`
	Error      string          `json:"error"`
	Config     *authConfigBody `json:"config"`
	authConfigBody
}

type authConfigBody struct {
	MaxSessions int    `json:"max_sessions"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
}

// Authenticate reports whether (clientID, apiKey) is currently valid,
// consulting the cache first and the backend on miss, expiry or key
// mismatch.
func (c *Cache) Authenticate(clientID, apiKey string) bool {
	c.mu.Lock()
	if cached, ok := c.clients[clientID]; ok {
		age := c.now().Sub(cached.LastValidated)
		if age < c.ttl {
			if cached.APIKey == apiKey {
				c.mu.Unlock()
				return true
			}
			// Key mismatch inside the TTL: fall through to the backend in
			// case the key was rotated.
		} else {
			c.logger.Info("auth: cache expired, re-validating",
				slog.String("client_id", clientID),
				slog.Duration("age", age))
		}
	}
	c.mu.Unlock()

	return c.validateUpstream(clientID, apiKey)
}

// validateUpstream performs the backend round-trip and upserts the cache on
// success. The cache mutex is NOT held across the HTTP call.
func (c *Cache) validateUpstream(clientID, apiKey string) bool {
	c.logger.Info("auth: validating via backend", slog.String("client_id", clientID))

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/auth/internal", nil)
	if err != nil {
		c.logger.Error("auth: build request", slog.Any("error", err))
		return false
	}
	req.Header.Set("X-Client-ID", clientID)
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("Authorization", "Bearer "+c.serverKey)

	resp, err := c.authClient.Do(req)
	if err != nil {
		// Transient failure: reject this request but keep any stale cache
		// entry for the next successful validation to overwrite.
		c.logger.Error("auth: backend request failed", slog.Any("error", err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("auth: backend rejected request",
			slog.String("client_id", clientID),
			slog.Int("status", resp.StatusCode))
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Error("auth: read backend response", slog.Any("error", err))
		return false
	}

	var ar authResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		c.logger.Error("auth: parse backend response", slog.Any("error", err))
		return false
	}
	if ar.Error != "" {
		c.logger.Warn("auth: validation failed",
			slog.String("client_id", clientID),
			slog.String("error", ar.Error))
		return false
	}
	if ar.Authorized == nil || !*ar.Authorized {
		c.logger.Warn("auth: validation failed (authorized=false)",
			slog.String("client_id", clientID))
		return false
	}

	cfg := ClientConfig{
		ClientID:      clientID,
		APIKey:        apiKey,
		MaxSessions:   1,
		Priority:      "normal",
		LastValidated: c.now(),
	}
	body2 := ar.authConfigBody
	if ar.Config != nil {
		body2 = *ar.Config
	}
	if body2.MaxSessions > 0 {
		cfg.MaxSessions = body2.MaxSessions
	}
	if body2.Priority != "" {
		cfg.Priority = body2.Priority
	}
	cfg.Description = body2.Description

	c.mu.Lock()
	c.clients[clientID] = cfg
	c.mu.Unlock()

	c.logger.Info("auth: validation success",
		slog.String("client_id", clientID),
		slog.Int("max_sessions", cfg.MaxSessions))
	return true
}

// ConfigFor returns the cached configuration for clientID, or the zero
// ClientConfig when the client has never validated.
func (c *Cache) ConfigFor(clientID string) ClientConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[clientID]
}

// Exists reports whether a cached entry exists for clientID, regardless of
// its age.
func (c *Cache) Exists(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clients[clientID]
	return ok
}

// String implements fmt.Stringer for startup banners; the server key is
// deliberately omitted.
func (c *Cache) String() string {
	return fmt.Sprintf("auth.Cache{backend: %s, ttl: %s}", c.baseURL, c.ttl)
}
