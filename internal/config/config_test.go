package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if len(cfg.Backend.Endpoints) != 1 || cfg.Backend.Endpoints[0] != "https://localhost:8443" {
		t.Errorf("default backend.endpoints = %v, want a single localhost endpoint", cfg.Backend.Endpoints)
	}
	if cfg.Backend.HeartbeatTimeout != "90s" {
		t.Errorf("default heartbeat_timeout = %q, want 90s", cfg.Backend.HeartbeatTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default logging.level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Voice.URL != "ws://localhost:7880" {
		t.Errorf("default voice.url = %q, want ws://localhost:7880", cfg.Voice.URL)
	}
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/shipcore.toml")
	if err != nil {
		t.Fatalf("Load non-existent file should use defaults, got error: %v", err)
	}
	if cfg.Storage.DataDir != "." {
		t.Errorf("data_dir = %q, want %q", cfg.Storage.DataDir, ".")
	}
}

func TestLoadValidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shipcore.toml")
	content := `
[backend]
endpoints = ["https://relay.example.test"]
heartbeat_timeout = "60s"

[storage]
data_dir = "/var/lib/shipcore"

[voice]
url = "wss://voice.example.test"
api_key = "key"
api_secret = "secret"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if len(cfg.Backend.Endpoints) != 1 || cfg.Backend.Endpoints[0] != "https://relay.example.test" {
		t.Errorf("endpoints = %v, want [https://relay.example.test]", cfg.Backend.Endpoints)
	}
	if cfg.Backend.HeartbeatTimeout != "60s" {
		t.Errorf("heartbeat_timeout = %q, want 60s", cfg.Backend.HeartbeatTimeout)
	}
	if cfg.Storage.DataDir != "/var/lib/shipcore" {
		t.Errorf("data_dir = %q, want /var/lib/shipcore", cfg.Storage.DataDir)
	}
	// Values not in TOML should retain defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q, want default info", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shipcore.toml")
	content := `
[logging]
level = "verbose"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load with invalid logging.level: err = nil, want error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHIPCORE_BACKEND_ENDPOINTS", "https://a.example.test,https://b.example.test")
	t.Setenv("SHIPCORE_LOGGING_LEVEL", "debug")

	cfg, err := Load("/nonexistent/shipcore.toml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Backend.Endpoints) != 2 {
		t.Fatalf("endpoints = %v, want 2 entries", cfg.Backend.Endpoints)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}
