package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.huddle/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// Identity signs the daemon in at startup; empty waits for SignIn.
	Identity    string `toml:"identity"`
	MetricsAddr string `toml:"metrics_addr"`

	Upstream Upstream `toml:"upstream"`
	Sync     Sync     `toml:"sync"`
	Typing   Typing   `toml:"typing"`
	Receipts Receipts `toml:"receipts"`
	Outbox   Outbox   `toml:"outbox"`
	Presence Presence `toml:"presence"`
}

type Upstream struct {
	// Backend is "memory" or "redis".
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

type Sync struct {
	PageSize       int           `toml:"page_size"`
	PendingChatTTL time.Duration `toml:"pending_chat_ttl"`
}

type Typing struct {
	Debounce time.Duration `toml:"debounce"`
	TTL      time.Duration `toml:"ttl"`
}

type Receipts struct {
	Debounce time.Duration `toml:"debounce"`
}

type Outbox struct {
	MaxRetries     int           `toml:"max_retries"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

type Presence struct {
	ProbeInterval time.Duration `toml:"probe_interval"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default returns a config with every field set.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Upstream: Upstream{
			Backend:     BackendMemory,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "huddle:",
		},
		Sync: Sync{
			PageSize:       50,
			PendingChatTTL: 30 * time.Second,
		},
		Typing: Typing{
			Debounce: 2 * time.Second,
			TTL:      5 * time.Second,
		},
		Receipts: Receipts{
			Debounce: 500 * time.Millisecond,
		},
		Outbox: Outbox{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Presence: Presence{
			ProbeInterval: 10 * time.Second,
		},
	}
}

// Load reads config from the given path over the defaults. Returns an error
// if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Upstream.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Upstream.RedisAddr == "" {
			return errors.New("upstream.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown upstream.backend %q", c.Upstream.Backend)
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}
	if c.Outbox.MaxRetries < 0 {
		return errors.New("outbox.max_retries must not be negative")
	}
	if c.Typing.TTL > 0 && c.Typing.Debounce > c.Typing.TTL {
		return errors.New("typing.debounce must not exceed typing.ttl")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
