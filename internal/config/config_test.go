package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "backend:\n  storageRoot: /srv/shellbox\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("ListenAddr = %q, want :8090", cfg.ListenAddr)
	}
	if cfg.Backend.Kind != "docker" {
		t.Errorf("Backend.Kind = %q, want docker", cfg.Backend.Kind)
	}
	if cfg.Backend.Docker.Image != "shellbox/workspace:latest" {
		t.Errorf("Docker.Image = %q", cfg.Backend.Docker.Image)
	}
	if cfg.ExecTimeout() != 5*time.Minute {
		t.Errorf("ExecTimeout = %s, want 5m", cfg.ExecTimeout())
	}
	if cfg.Exec.MaxOutputBytes != 1<<20 {
		t.Errorf("MaxOutputBytes = %d", cfg.Exec.MaxOutputBytes)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9000"
logLevel: debug
backend:
  kind: local
  storageRoot: /srv/shellbox
  docker:
    memory: 1g
exec:
  timeoutSeconds: 60
sites:
  site-1: shop
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Backend.Kind != "local" {
		t.Errorf("Backend.Kind = %q", cfg.Backend.Kind)
	}
	if cfg.Backend.Docker.Memory != "1g" {
		t.Errorf("Docker.Memory = %q", cfg.Backend.Docker.Memory)
	}
	// Fields the file does not mention keep their defaults.
	if cfg.Backend.Docker.Image != "shellbox/workspace:latest" {
		t.Errorf("Docker.Image = %q", cfg.Backend.Docker.Image)
	}
	if cfg.ExecTimeout() != time.Minute {
		t.Errorf("ExecTimeout = %s, want 1m", cfg.ExecTimeout())
	}
	if cfg.Sites["site-1"] != "shop" {
		t.Errorf("Sites = %v", cfg.Sites)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listenAddr: \":9000\"\nbackend:\n  storageRoot: /srv/shellbox\n")

	t.Setenv("SHELLBOX_LISTEN_ADDR", ":7000")
	t.Setenv("SHELLBOX_BACKEND", "local")
	t.Setenv("SHELLBOX_EXEC_TIMEOUT", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
	if cfg.Backend.Kind != "local" {
		t.Errorf("Backend.Kind = %q, want local", cfg.Backend.Kind)
	}
	if cfg.Exec.TimeoutSeconds != 120 {
		t.Errorf("TimeoutSeconds = %d, want 120", cfg.Exec.TimeoutSeconds)
	}
}

func TestLoadRequiresStorageRoot(t *testing.T) {
	path := writeConfig(t, "listenAddr: \":9000\"\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("Load() should fail without backend.storageRoot")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load() should fail on a missing file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listenAddr: [unterminated\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("Load() should fail on malformed yaml")
	}
}
