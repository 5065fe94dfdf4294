package server

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jota/gateway/internal/hardware"
	"github.com/jota/gateway/internal/session"
	"github.com/jota/gateway/internal/usage"
)

// Admin serves the operator-facing REST API. All routes require an RS256
// bearer token unless the Admin was built without a public key (tests
// covering only request handling).
type Admin struct {
	registry *session.Registry
	store    usage.Store
	probe    hardware.Probe
	pubKey   *rsa.PublicKey
	logger   *slog.Logger
}

// NewAdmin wires the admin API. pubKey nil disables token validation.
func NewAdmin(registry *session.Registry, store usage.Store, probe hardware.Probe,
	pubKey *rsa.PublicKey, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		registry: registry,
		store:    store,
		probe:    probe,
		pubKey:   pubKey,
		logger:   logger,
	}
}

// Routes returns the admin routing tree, mounted by the Gateway under
// /api/v1:
//
//	GET /sessions  – live sessions across all clients
//	GET /usage     – per-client usage aggregates
//	GET /hardware  – current GPU snapshot
func (a *Admin) Routes() http.Handler {
	r := chi.NewRouter()
	if a.pubKey != nil {
		r.Use(JWTMiddleware(a.pubKey, a.logger))
	}
	r.Get("/sessions", a.handleSessions)
	r.Get("/usage", a.handleUsage)
	r.Get("/hardware", a.handleHardware)
	return r
}

func (a *Admin) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := a.registry.Snapshot()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *Admin) handleUsage(w http.ResponseWriter, r *http.Request) {
	sums, err := a.store.SummarizeByClient(r.Context())
	if err != nil {
		a.logger.Error("admin: usage query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	if sums == nil {
		sums = []usage.Summary{}
	}
	writeJSON(w, http.StatusOK, sums)
}

// hardwareReport mirrors the telemetry frame's GPU section so dashboards
// can reuse one schema for both feeds.
type hardwareReport struct {
	Temp       int    `json:"temp"`
	VRAMTotal  uint64 `json:"vram_total_mb"`
	VRAMUsed   uint64 `json:"vram_used_mb"`
	VRAMFree   uint64 `json:"vram_free_mb"`
	PowerWatts uint64 `json:"power_watts"`
	FanPercent int    `json:"fan_percent"`
	Throttling bool   `json:"throttling"`
}

func (a *Admin) handleHardware(w http.ResponseWriter, _ *http.Request) {
	snap := a.probe.Snapshot()
	writeJSON(w, http.StatusOK, hardwareReport{
		Temp:       snap.TempC,
		VRAMTotal:  snap.VRAMTotal / (1024 * 1024),
		VRAMUsed:   snap.VRAMUsed / (1024 * 1024),
		VRAMFree:   snap.VRAMFree / (1024 * 1024),
		PowerWatts: snap.PowerMilliwatts / 1000,
		FanPercent: snap.FanPercent,
		Throttling: snap.Throttling,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an HTTP error response with a JSON body. The
// Content-Type header is set before the status code so it survives early
// flushes.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}

// ─── RS256 bearer-token middleware ───────────────────────────────────────────

// contextKey is an unexported type for context keys in this package.
type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT payload injected into the request context
// on successful authentication.
type Claims struct {
	Issuer    string `json:"iss,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// ClaimsFromContext retrieves the Claims injected by JWTMiddleware. It
// returns (nil, false) when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key in
// either PKCS#1 ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// JWTMiddleware enforces RS256 bearer-token authentication on every
// request. On success the verified Claims are stored in the request
// context; on failure the response is 401 with a JSON error body and the
// next handler is never called.
func JWTMiddleware(pub *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := bearerClaims(r, pub)
			if err != nil {
				logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()))
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerClaims extracts the bearer token from the Authorization header and
// runs the RS256 verification pipeline.
func bearerClaims(r *http.Request, pub *rsa.PublicKey) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}
	return verifyRS256(token, pub)
}

// verifyRS256 splits the compact serialisation, checks the JOSE header
// (only RS256 is accepted), verifies the RSA-PKCS1v15 signature over the
// signing input, and validates the exp claim.
func verifyRS256(token string, pub *rsa.PublicKey) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed JWT: expected 3 dot-separated segments")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed JWT header encoding: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("malformed JWT header JSON: %w", err)
	}
	if header.Alg != "RS256" {
		return nil, fmt.Errorf("unsupported algorithm %q: only RS256 is accepted", header.Alg)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed JWT payload encoding: %w", err)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed JWT signature encoding: %w", err)
	}

	// The signing input is the ASCII bytes of headerB64.payloadB64.
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
		return nil, fmt.Errorf("invalid JWT signature: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("malformed JWT payload JSON: %w", err)
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("JWT has expired")
	}
	return &claims, nil
}
