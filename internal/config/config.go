// Package config provides YAML configuration loading and validation for the
// gateway. The file is optional: every field has a flag equivalent, and
// flags that the operator sets explicitly take precedence over file values.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the gateway.
type Config struct {
	// ModelPath is the model file to load at startup (a "scheme:" prefix
	// selects a runtime driver). Required here or via the command line.
	ModelPath string `yaml:"model_path"`

	// ListenAddr is the HTTP listen address. Defaults to ":3000".
	ListenAddr string `yaml:"listen_addr"`

	// CtxSize is the per-session context window in tokens. Defaults to 512.
	CtxSize int `yaml:"ctx_size"`

	// GPULayers is the number of model layers to offload to the GPU.
	// -1 (the default) selects the VRAM-based placement heuristic.
	GPULayers int `yaml:"gpu_layers"`

	// Workers is the inference worker pool size. Defaults to 4.
	Workers int `yaml:"workers"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// UsageDB is the usage-accounting DSN: a postgres:// URL or a SQLite
	// path. Empty disables accounting.
	UsageDB string `yaml:"usage_db"`

	// AdminKeyPath is the PEM-encoded RSA public key that verifies admin
	// API bearer tokens. Empty disables the admin API.
	AdminKeyPath string `yaml:"admin_key_path"`

	// WriteTimeoutSeconds bounds each WebSocket write. Defaults to 10.
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Default returns a Config with every optional field at its default.
func Default() *Config {
	cfg := &Config{GPULayers: -1}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates the result. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := &Config{GPULayers: -1}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value optional fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.CtxSize == 0 {
		cfg.CtxSize = 512
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WriteTimeoutSeconds == 0 {
		cfg.WriteTimeoutSeconds = 10
	}
}

// Validate checks that enumerated and numeric fields hold usable values.
// ModelPath is not checked here: the command line may supply it after the
// file is loaded.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.CtxSize < 0 {
		errs = append(errs, fmt.Errorf("ctx_size %d must be positive", cfg.CtxSize))
	}
	if cfg.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d must be positive", cfg.Workers))
	}
	if cfg.GPULayers < -1 {
		errs = append(errs, fmt.Errorf("gpu_layers %d must be -1 (auto) or a layer count", cfg.GPULayers))
	}
	if cfg.WriteTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("write_timeout_seconds %d must be positive", cfg.WriteTimeoutSeconds))
	}

	return errors.Join(errs...)
}
