package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Cache.DeletedPercent != 20 {
		t.Errorf("expected default deleted_percent 20, got %d", cfg.Cache.DeletedPercent)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailstore.yaml")
	yaml := `
storage:
  maildir_path: /srv/mail
  state_path: /srv/mail/state.db
cache:
  deleted_percent: 35
maildir:
  sync_secs: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Storage.MaildirPath != "/srv/mail" {
		t.Errorf("maildir_path = %s", cfg.Storage.MaildirPath)
	}
	if cfg.Cache.DeletedPercent != 35 {
		t.Errorf("deleted_percent = %d, want 35", cfg.Cache.DeletedPercent)
	}
	// Untouched keys keep their defaults.
	if cfg.Cache.ContinuedPercent != 20 {
		t.Errorf("continued_percent = %d, want default 20", cfg.Cache.ContinuedPercent)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("merged config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative maildir path", func(c *Config) { c.Storage.MaildirPath = "mail" }},
		{"zero deleted percent", func(c *Config) { c.Cache.DeletedPercent = 0 }},
		{"oversized percent", func(c *Config) { c.Cache.ContinuedPercent = 101 }},
		{"tiny min size", func(c *Config) { c.Cache.MinSize = 100 }},
		{"bad lock method", func(c *Config) { c.Lock.CacheMethod = "flock" }},
		{"bad timeout", func(c *Config) { c.Lock.LogTimeout = "never" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"queue without url", func(c *Config) { c.Queue.Enabled = true; c.Queue.RedisURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
