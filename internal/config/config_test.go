package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTestConfig(t, "app_name: demo\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Transport.Kind != "unix" {
		t.Errorf("Transport.Kind = %q, want unix", cfg.Transport.Kind)
	}
	if cfg.Transport.SocketPath == "" {
		t.Error("Transport.SocketPath is empty, want a default")
	}
	if cfg.RegisterTimeoutSeconds != 5 {
		t.Errorf("RegisterTimeoutSeconds = %d, want 5", cfg.RegisterTimeoutSeconds)
	}
}

func TestLoadRejectsTCPWithoutCertsDir(t *testing.T) {
	path := writeTestConfig(t, "transport:\n  kind: tcp\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with tcp transport and no certs_dir: want error, got nil")
	}
}

func TestLoadRejectsBadgerWithoutDir(t *testing.T) {
	path := writeTestConfig(t, "history:\n  backend: badger\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with badger history and no dir: want error, got nil")
	}
}

func TestLoadRejectsNegativeTimeout(t *testing.T) {
	path := writeTestConfig(t, "register_timeout_seconds: -1\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() with negative register_timeout_seconds: want error, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() on a missing file: want error, got nil")
	}
}
