// Command gateway is the inference gateway binary. It loads the model,
// verifies the auth backend, and serves the WebSocket protocol plus the
// admin REST API until SIGTERM or SIGINT. With --prompt it instead runs a
// single generation to stdout and exits.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jota/gateway/internal/auth"
	"github.com/jota/gateway/internal/config"
	"github.com/jota/gateway/internal/envfile"
	"github.com/jota/gateway/internal/hardware"
	"github.com/jota/gateway/internal/infer"
	"github.com/jota/gateway/internal/model"
	_ "github.com/jota/gateway/internal/model/stub" // register the "stub" runtime
	"github.com/jota/gateway/internal/server"
	"github.com/jota/gateway/internal/session"
	"github.com/jota/gateway/internal/telemetry"
	"github.com/jota/gateway/internal/usage"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file (optional)")
		modelPath  = flag.String("model", "", "Model file to load (or first positional argument)")
		port       = flag.Int("port", 3000, "HTTP listen port")
		gpuLayers  = flag.Int("gpu-layers", -1, "GPU layers to offload; -1 selects the VRAM heuristic")
		ctxSize    = flag.Int("ctx-size", 512, "Per-session context window in tokens")
		workers    = flag.Int("workers", 4, "Inference worker pool size")
		prompt     = flag.String("prompt", "", "Run one generation to stdout and exit")
		usageDB    = flag.String("usage-db", "", "Usage accounting DSN: postgres:// URL or SQLite path")
		jwtPubkey  = flag.String("jwt-pubkey", "", "PEM RSA public key verifying admin API tokens")
		logLevel   = flag.String("log-level", "info", "Log level: debug | info | warn | error")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	// Explicitly set flags win over file values.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["model"] {
		cfg.ModelPath = *modelPath
	}
	if set["port"] || cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", *port)
	}
	if set["gpu-layers"] {
		cfg.GPULayers = *gpuLayers
	}
	if set["ctx-size"] {
		cfg.CtxSize = *ctxSize
	}
	if set["workers"] {
		cfg.Workers = *workers
	}
	if set["usage-db"] {
		cfg.UsageDB = *usageDB
	}
	if set["jwt-pubkey"] {
		cfg.AdminKeyPath = *jwtPubkey
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if cfg.ModelPath == "" && flag.NArg() > 0 {
		cfg.ModelPath = flag.Arg(0)
	}
	if cfg.ModelPath == "" {
		fmt.Fprintln(os.Stderr, "usage: gateway [flags] <model-path>")
		flag.PrintDefaults()
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// ── Hardware probe and model ──────────────────────────────────────────────
	probe := hardware.NewNullProbe(logger)
	probe.Init()
	defer probe.Shutdown()

	layers := cfg.GPULayers
	if layers == -1 {
		layers = recommendLayers(cfg.ModelPath, probe, logger)
	}

	mdl, err := model.Open(cfg.ModelPath, model.Options{GPULayers: layers, UseMMap: true})
	if err != nil {
		logger.Error("failed to load model", slog.String("model", cfg.ModelPath), slog.Any("error", err))
		return 1
	}
	defer mdl.Close()
	logger.Info("model loaded",
		slog.String("model", cfg.ModelPath),
		slog.Int("gpu_layers", layers),
		slog.Int("ctx_size", cfg.CtxSize))

	// ── One-shot mode ─────────────────────────────────────────────────────────
	if *prompt != "" {
		return runOneShot(mdl, cfg.CtxSize, *prompt, logger)
	}

	// ── Auth backend ──────────────────────────────────────────────────────────
	env, err := envfile.LoadDefault()
	if err != nil {
		logger.Error("failed to load .env", slog.Any("error", err))
		return 1
	}
	creds := auth.FromEnv(env, logger)
	if !creds.VerifyBackendLiveness() {
		logger.Error("auth backend is unreachable, refusing to start", slog.String("cache", creds.String()))
		return 1
	}
	logger.Info("auth backend verified", slog.String("cache", creds.String()))

	// ── Usage accounting ──────────────────────────────────────────────────────
	ctx := context.Background()
	store, err := usage.Open(ctx, cfg.UsageDB)
	if err != nil {
		logger.Error("failed to open usage store", slog.String("dsn", cfg.UsageDB), slog.Any("error", err))
		return 1
	}
	defer func() { _ = store.Close(context.Background()) }()

	// ── Admin API key ─────────────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.AdminKeyPath != "" {
		pem, err := os.ReadFile(cfg.AdminKeyPath)
		if err != nil {
			logger.Error("failed to read admin public key", slog.Any("error", err))
			return 1
		}
		pubKey, err = server.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse admin public key", slog.Any("error", err))
			return 1
		}
		logger.Info("admin API token validation enabled")
	} else {
		logger.Warn("admin key not configured; admin API disabled")
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	registry := session.NewRegistry(mdl, cfg.CtxSize, creds, logger)
	dispatcher := infer.NewDispatcher(registry, cfg.Workers, logger)
	hub := server.NewHub()
	// The admin API mounts only when a verification key is configured; an
	// unauthenticated admin surface is never exposed.
	var admin *server.Admin
	if pubKey != nil {
		admin = server.NewAdmin(registry, store, probe, pubKey, logger)
	}
	router := server.NewRouter(creds, registry, dispatcher, hub, store, logger)
	gateway := server.NewGateway(router, hub, registry, creds, admin,
		time.Duration(cfg.WriteTimeoutSeconds)*time.Second, logger)

	broadcaster := telemetry.NewBroadcaster(probe, dispatcher, registry, hub, 0, logger)
	broadcaster.Start()

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     gateway.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			slog.String("addr", cfg.ListenAddr),
			slog.Int("workers", cfg.Workers))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	// ── Graceful shutdown: stop intake, drain workers, release sessions ───────
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	broadcaster.Shutdown()
	registry.CloseAll() // raises abort on running generations
	dispatcher.Shutdown()

	logger.Info("gateway exited cleanly")
	return exitCode
}

// localCreds lets one-shot mode create a session without the auth backend.
type localCreds struct{}

func (localCreds) Exists(clientID string) bool { return clientID == "local" }

func (localCreds) ConfigFor(string) auth.ClientConfig {
	return auth.ClientConfig{ClientID: "local", MaxSessions: 1}
}

// runOneShot streams one generation for prompt to stdout and prints the
// timing summary to stderr.
func runOneShot(mdl model.Model, ctxSize int, prompt string, logger *slog.Logger) int {
	registry := session.NewRegistry(mdl, ctxSize, localCreds{}, logger)
	defer registry.CloseAll()

	id, err := registry.Create("local")
	if err != nil {
		logger.Error("failed to create session", slog.Any("error", err))
		return 1
	}

	m, err := registry.Get(id).Generate(prompt, session.DefaultParams(), func(piece string) bool {
		fmt.Print(infer.SanitizeUTF8(piece))
		return true
	})
	fmt.Println()
	if err != nil {
		logger.Error("generation failed", slog.Any("error", err))
		return 1
	}

	fmt.Fprintf(os.Stderr, "%d tokens, ttft %d ms, %.1f tok/s\n", m.Tokens, m.TTFTMillis, m.TPS)
	return 0
}

// recommendLayers sizes the model file and applies the VRAM placement
// heuristic. When the model reference has a driver prefix or cannot be
// sized, the heuristic falls back to zero offload.
func recommendLayers(ref string, probe hardware.Probe, logger *slog.Logger) int {
	path := ref
	if i := strings.Index(ref, ":"); i > 1 {
		path = ref[i+1:]
	}

	var modelBytes uint64
	if fi, err := os.Stat(path); err == nil {
		modelBytes = uint64(fi.Size())
	}

	layers := hardware.RecommendGPULayers(modelBytes, probe.Snapshot())
	logger.Info("gpu layer heuristic",
		slog.Uint64("model_bytes", modelBytes),
		slog.Int("layers", layers))
	return layers
}

// newLogger constructs a *slog.Logger that writes JSON-structured records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
