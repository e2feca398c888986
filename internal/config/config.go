// Package config loads the JSON configuration file and applies defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
)

// Config holds all sync-state service configuration.
type Config struct {
	// Store settings
	Store StoreConfig `json:"store"`

	// Logging settings
	Log LogConfig `json:"log"`

	// Sync protocol tunables
	Sync SyncConfig `json:"sync"`

	// Background maintenance
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type StoreConfig struct {
	// Path is the sqlite database file. Its directory is created on load.
	Path string `json:"path"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
}

type SyncConfig struct {
	// StampUpdateThreshold is the minimum stamp gap before an idle
	// collection gets a stamp-only refresh.
	StampUpdateThreshold int64 `json:"stampUpdateThreshold"`

	// MaxWaitMinutes caps the client-requested long-poll wait.
	MaxWaitMinutes int `json:"maxWaitMinutes"`

	// MaxHeartbeatSeconds caps the client-requested heartbeat interval.
	MaxHeartbeatSeconds int `json:"maxHeartbeatSeconds"`
}

type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`

	// GCSchedule is a standard cron expression (or @hourly etc.).
	GCSchedule string `json:"gcSchedule"`

	// Parallelism bounds concurrent per-context sweeps.
	Parallelism int `json:"parallelism"`
}

// DefaultConfig returns the configuration used when fields are absent.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "data/syncstate.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			StampUpdateThreshold: 30000,
			MaxWaitMinutes:       59,
			MaxHeartbeatSeconds:  3540,
		},
		Maintenance: MaintenanceConfig{
			Enabled:     true,
			GCSchedule:  "@daily",
			Parallelism: 4,
		},
	}
}

// Load reads and validates path, layering it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	return cfg, nil
}

// Validate rejects values that would only fail later at runtime.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path required")
	}
	if c.Sync.StampUpdateThreshold < 0 {
		return fmt.Errorf("stampUpdateThreshold must not be negative")
	}
	if c.Sync.MaxWaitMinutes < 1 {
		return fmt.Errorf("maxWaitMinutes must be at least 1")
	}
	if c.Sync.MaxHeartbeatSeconds < 1 {
		return fmt.Errorf("maxHeartbeatSeconds must be at least 1")
	}
	if c.Maintenance.Enabled {
		if _, err := cron.ParseStandard(c.Maintenance.GCSchedule); err != nil {
			return fmt.Errorf("invalid gc schedule: %w", err)
		}
		if c.Maintenance.Parallelism < 1 {
			return fmt.Errorf("maintenance parallelism must be at least 1")
		}
	}
	return nil
}
