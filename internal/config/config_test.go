package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8090" {
		t.Errorf("expected :8090, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/runctl" {
		t.Errorf("expected /var/lib/runctl, got %s", cfg.DataDir)
	}
	if cfg.SandboxAdapter != "exec" {
		t.Errorf("expected exec, got %s", cfg.SandboxAdapter)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"data_dir": "/tmp/test",
		"sandbox_adapter": "ws",
		"sandbox_ws_url": "wss://sandboxes.example.com/connect",
		"env_allowlist": ["PATH", "HOME"],
		"workspace_budgets": {"ws1": {"PerDayCents": 5000, "PerMonthCents": 100000}}
	}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/test" {
		t.Errorf("expected /tmp/test, got %s", cfg.DataDir)
	}
	if cfg.SandboxAdapter != "ws" {
		t.Errorf("expected ws, got %s", cfg.SandboxAdapter)
	}
	if cfg.SandboxWSURL != "wss://sandboxes.example.com/connect" {
		t.Errorf("unexpected sandbox ws url: %s", cfg.SandboxWSURL)
	}
	if len(cfg.EnvAllowlist) != 2 || cfg.EnvAllowlist[0] != "PATH" {
		t.Errorf("unexpected env allowlist: %v", cfg.EnvAllowlist)
	}
	if cfg.WorkspaceBudgets["ws1"].PerDayCents != 5000 {
		t.Errorf("unexpected workspace budget: %+v", cfg.WorkspaceBudgets["ws1"])
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":9090"}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RUNCTL_LISTEN_ADDR", ":7070")
	t.Setenv("RUNCTL_SANDBOX_ADAPTER", "ws")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.SandboxAdapter != "ws" {
		t.Errorf("env should override sandbox adapter: got %s", cfg.SandboxAdapter)
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("RUNCTL_DATA_DIR", "/tmp/env-test")
	t.Setenv("RUNCTL_LOG_LEVEL", "debug")
	t.Setenv("RUNCTL_ENV_ALLOWLIST", "PATH,HOME,LANG")
	t.Setenv("RUNCTL_OCI_BASE_DIR", "/tmp/oci")

	cfg := LoadFromEnv()
	if cfg.DataDir != "/tmp/env-test" {
		t.Errorf("expected /tmp/env-test, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
	if len(cfg.EnvAllowlist) != 3 {
		t.Errorf("expected 3 allowlist entries, got %v", cfg.EnvAllowlist)
	}
	if cfg.OCIBaseDir != "/tmp/oci" {
		t.Errorf("expected /tmp/oci, got %s", cfg.OCIBaseDir)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.SandboxAdapter = "ws"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.SandboxAdapter != "ws" {
		t.Errorf("expected ws, got %s", loaded.SandboxAdapter)
	}
}
