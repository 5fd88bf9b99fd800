package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail store core.
type Config struct {
	Storage Storage `koanf:"storage"`
	Cache   Cache   `koanf:"cache"`
	Maildir Maildir `koanf:"maildir"`
	Lock    Lock    `koanf:"lock"`
	Queue   Queue   `koanf:"queue"`
	Logging Logging `koanf:"logging"`
}

// Storage holds storage path configuration.
type Storage struct {
	MaildirPath string `koanf:"maildir_path"` // Root of the maildir hierarchy
	StatePath   string `koanf:"state_path"`   // SQLite replica-state database path
}

// Cache holds cache-file compression thresholds. Compression runs when
// deleted space reaches deleted_percent of the used file size, or
// continued records reach continued_percent of the message count, and the
// file is at least min_size bytes.
type Cache struct {
	DeletedPercent   int `koanf:"deleted_percent"`   // Deleted-space threshold
	ContinuedPercent int `koanf:"continued_percent"` // Chained-record threshold
	MinSize          int `koanf:"min_size"`          // Minimum file size to compress
	MaxBufferSize    int `koanf:"max_buffer_size"`   // Transaction flush soft cap
}

// Maildir holds maildir scanner configuration.
type Maildir struct {
	SyncSecs int `koanf:"sync_secs"` // Clock-race guard window for dir mtimes
}

// Lock holds lock timeout configuration.
type Lock struct {
	UIDListTimeout string `koanf:"uidlist_timeout"` // Dotlock wait on dovecot-uidlist
	LogTimeout     string `koanf:"log_timeout"`     // fcntl wait on dovecot.index.log
	CacheTimeout   string `koanf:"cache_timeout"`   // Wait on dovecot.index.cache
	CacheMethod    string `koanf:"cache_method"`    // fcntl or dotlock
}

// Queue holds Redis sync-queue configuration.
type Queue struct {
	Enabled  bool   `koanf:"enabled"`
	RedisURL string `koanf:"redis_url"`
	Prefix   string `koanf:"prefix"`
}

// Logging holds logging configuration.
type Logging struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: Storage{
			MaildirPath: "/var/mail/maildir",
			StatePath:   "/var/mail/mailstore-state.db",
		},
		Cache: Cache{
			DeletedPercent:   20,
			ContinuedPercent: 20,
			MinSize:          32 * 1024,
			MaxBufferSize:    256 * 1024,
		},
		Maildir: Maildir{
			SyncSecs: 1,
		},
		Lock: Lock{
			UIDListTimeout: "2m",
			LogTimeout:     "2m",
			CacheTimeout:   "2m",
			CacheMethod:    "fcntl",
		},
		Queue: Queue{
			Enabled:  false,
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "mailstore",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// Load reads configuration from a YAML file, layered over defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Storage.MaildirPath == "" {
		return fmt.Errorf("storage.maildir_path is required")
	}
	if !filepath.IsAbs(c.Storage.MaildirPath) {
		return fmt.Errorf("storage.maildir_path must be an absolute path (got: %s)", c.Storage.MaildirPath)
	}
	if c.Storage.StatePath == "" {
		return fmt.Errorf("storage.state_path is required")
	}
	if !filepath.IsAbs(c.Storage.StatePath) {
		return fmt.Errorf("storage.state_path must be an absolute path (got: %s)", c.Storage.StatePath)
	}

	if c.Cache.DeletedPercent < 1 || c.Cache.DeletedPercent > 100 {
		return fmt.Errorf("cache.deleted_percent must be between 1 and 100 (got: %d)", c.Cache.DeletedPercent)
	}
	if c.Cache.ContinuedPercent < 1 || c.Cache.ContinuedPercent > 100 {
		return fmt.Errorf("cache.continued_percent must be between 1 and 100 (got: %d)", c.Cache.ContinuedPercent)
	}
	if c.Cache.MinSize < 1024 {
		return fmt.Errorf("cache.min_size must be at least 1024 bytes (got: %d)", c.Cache.MinSize)
	}
	if c.Cache.MaxBufferSize < 4096 {
		return fmt.Errorf("cache.max_buffer_size must be at least 4096 bytes (got: %d)", c.Cache.MaxBufferSize)
	}

	if c.Maildir.SyncSecs < 0 || c.Maildir.SyncSecs > 60 {
		return fmt.Errorf("maildir.sync_secs must be between 0 and 60 (got: %d)", c.Maildir.SyncSecs)
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	switch c.Lock.CacheMethod {
	case "fcntl", "dotlock":
	default:
		return fmt.Errorf("lock.cache_method must be fcntl or dotlock (got: %s)", c.Lock.CacheMethod)
	}

	if c.Queue.Enabled {
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required when queue is enabled")
		}
		if c.Queue.Prefix == "" {
			return fmt.Errorf("queue.prefix is required when queue is enabled")
		}
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"lock.uidlist_timeout": c.Lock.UIDListTimeout,
		"lock.log_timeout":     c.Lock.LogTimeout,
		"lock.cache_timeout":   c.Lock.CacheTimeout,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}
		if duration > 10*time.Minute {
			return fmt.Errorf("%s is too long, maximum is 10m (got: %s)", name, timeout)
		}
	}

	return nil
}

// LockTimeout parses the named lock timeout. Invalid or empty values fall
// back to two minutes; Validate has already rejected malformed config.
func LockTimeout(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}
