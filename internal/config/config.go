// Package config loads control plane configuration. Sources, in priority
// order: env vars > config file > defaults.
//
// Grounded on the teacher's internal/controlplane/config/config.go
// (Default/Load/Save, file-then-env overlay), retargeted from the
// LEGATOR_-prefixed fleet-management settings to the RUNCTL_-prefixed
// settings this control plane needs: listen address, data directories for
// the Ledger/Event Log/Vault, sandbox adapter selection, and per-workspace
// cost budgets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/marcus-qen/runctl/internal/cost"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8090")
	ListenAddr string `json:"listen_addr"`
	// Data directory holding ledger.db, events.db, artifacts/, traces/
	// (default "/var/lib/runctl")
	DataDir string `json:"data_dir"`

	// Sandbox adapter: "exec" (in-process, for local/dev) or "ws" (remote,
	// gorilla/websocket-backed).
	SandboxAdapter string `json:"sandbox_adapter"`
	SandboxWSURL   string `json:"sandbox_ws_url,omitempty"`

	// Env vars a sandbox's CreateSpec.Env is allowed to pass through.
	EnvAllowlist []string `json:"env_allowlist,omitempty"`

	// Signing key for WS sandbox transport HMAC; its raw bytes are used as
	// the HKDF secret, with no decoding applied
	SigningKey string `json:"signing_key,omitempty"`

	// OCI layout directory for artifact pushes; empty disables the OCI push.
	OCIBaseDir string `json:"oci_base_dir,omitempty"`

	// Per-workspace cost budgets, keyed by workspace id.
	WorkspaceBudgets map[string]cost.Budget `json:"workspace_budgets,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL surfaced in client responses (e.g. https://runctl.example.com)
	ExternalURL string `json:"external_url,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:     ":8090",
		DataDir:        "/var/lib/runctl",
		SandboxAdapter: "exec",
		LogLevel:       "info",
	}
}

// Load reads configuration from a file (if path is non-empty), then overlays
// RUNCTL_-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("RUNCTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RUNCTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RUNCTL_SANDBOX_ADAPTER"); v != "" {
		cfg.SandboxAdapter = v
	}
	if v := os.Getenv("RUNCTL_SANDBOX_WS_URL"); v != "" {
		cfg.SandboxWSURL = v
	}
	if v := os.Getenv("RUNCTL_ENV_ALLOWLIST"); v != "" {
		cfg.EnvAllowlist = strings.Split(v, ",")
	}
	if v := os.Getenv("RUNCTL_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("RUNCTL_OCI_BASE_DIR"); v != "" {
		cfg.OCIBaseDir = v
	}
	if v := os.Getenv("RUNCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNCTL_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}
	// Per-workspace budgets are keyed by arbitrary workspace ids, which has
	// no natural env var shape; they are only settable via the config file.

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
