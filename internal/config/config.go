// Package config handles TOML configuration parsing for a device core. It
// loads configuration from shipcore.toml, applies environment variable
// overrides (prefixed with SHIPCORE_), validates required fields, and
// provides sane defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a device core instance.
type Config struct {
	Backend BackendConfig `toml:"backend"`
	Storage StorageConfig `toml:"storage"`
	Voice   VoiceConfig   `toml:"voice"`
	Logging LoggingConfig `toml:"logging"`
}

// BackendConfig defines how the Delivery Client reaches the delivery
// service: one or more endpoints tried in order on every (re)connect, and
// a heartbeat timeout. HeartbeatTimeout is parsed and validated on load,
// but nothing passes it to the Delivery Client, which uses its own 30s
// heartbeat interval when the server advertises none.
type BackendConfig struct {
	Endpoints        []string `toml:"endpoints"`
	HeartbeatTimeout string   `toml:"heartbeat_timeout"`
}

// HeartbeatTimeoutParsed returns the heartbeat timeout as a time.Duration.
func (b BackendConfig) HeartbeatTimeoutParsed() (time.Duration, error) {
	d, err := time.ParseDuration(b.HeartbeatTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing heartbeat_timeout %q: %w", b.HeartbeatTimeout, err)
	}
	return d, nil
}

// StorageConfig defines where this device's local state lives on disk.
// DataDir is the platform home directory on desktop, the Documents
// directory on sandboxed mobile; the accounts/group/MLS-state/contacts/
// voice file names under it are fixed, not configurable.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// VoiceConfig defines LiveKit voice/video server settings.
type VoiceConfig struct {
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Backend: BackendConfig{
			Endpoints:        []string{"https://localhost:8443"},
			HeartbeatTimeout: "90s",
		},
		Storage: StorageConfig{
			DataDir: ".",
		},
		Voice: VoiceConfig{
			URL: "ws://localhost:7880",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Environment variables use the prefix SHIPCORE_ followed by the
// section and field name in uppercase with underscores (e.g.
// SHIPCORE_BACKEND_ENDPOINTS).
func applyEnvOverrides(cfg *Config) {
	// Backend
	if v := os.Getenv("SHIPCORE_BACKEND_ENDPOINTS"); v != "" {
		cfg.Backend.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("SHIPCORE_BACKEND_HEARTBEAT_TIMEOUT"); v != "" {
		cfg.Backend.HeartbeatTimeout = v
	}

	// Storage
	if v := os.Getenv("SHIPCORE_STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	// Voice
	if v := os.Getenv("SHIPCORE_VOICE_URL"); v != "" {
		cfg.Voice.URL = v
	}
	if v := os.Getenv("SHIPCORE_VOICE_API_KEY"); v != "" {
		cfg.Voice.APIKey = v
	}
	if v := os.Getenv("SHIPCORE_VOICE_API_SECRET"); v != "" {
		cfg.Voice.APISecret = v
	}

	// Logging
	if v := os.Getenv("SHIPCORE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SHIPCORE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	if len(cfg.Backend.Endpoints) == 0 {
		return fmt.Errorf("config: backend.endpoints is required")
	}

	if _, err := cfg.Backend.HeartbeatTimeoutParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required")
	}

	if cfg.Voice.URL == "" {
		return fmt.Errorf("config: voice.url is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	return nil
}
