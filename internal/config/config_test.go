package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `{"store": {"path": "`+filepath.Join(dir, "db", "s.db")+`"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level = %q", cfg.Log.Level)
	}
	if cfg.Sync.StampUpdateThreshold != 30000 {
		t.Errorf("default threshold = %d", cfg.Sync.StampUpdateThreshold)
	}
	if !cfg.Maintenance.Enabled || cfg.Maintenance.GCSchedule != "@daily" {
		t.Errorf("default maintenance = %+v", cfg.Maintenance)
	}
	if _, err := os.Stat(filepath.Join(dir, "db")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"store": {"path": "s.db"},
		"log": {"level": "debug"},
		"sync": {"stampUpdateThreshold": 5000, "maxWaitMinutes": 10, "maxHeartbeatSeconds": 600},
		"maintenance": {"enabled": true, "gcSchedule": "@hourly", "parallelism": 8}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Sync.StampUpdateThreshold != 5000 {
		t.Errorf("overrides lost: %+v", cfg)
	}
	if cfg.Maintenance.GCSchedule != "@hourly" || cfg.Maintenance.Parallelism != 8 {
		t.Errorf("maintenance overrides lost: %+v", cfg.Maintenance)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad level":    `{"store": {"path": "s.db"}, "log": {"level": "loud"}}`,
		"bad schedule": `{"store": {"path": "s.db"}, "maintenance": {"enabled": true, "gcSchedule": "whenever"}}`,
		"empty path":   `{"store": {"path": ""}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
