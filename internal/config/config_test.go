package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "coach"
	cfg.Typing.TTL = 8 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "coach" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "coach")
	}
	if loaded.Typing.TTL != 8*time.Second {
		t.Errorf("Typing.TTL = %v, want 8s", loaded.Typing.TTL)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `identity = "coach-1"

[upstream]
backend = "redis"
redis_addr = "10.0.0.5:6379"

[typing]
debounce = "1500ms"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity != "coach-1" || cfg.Upstream.RedisAddr != "10.0.0.5:6379" {
		t.Errorf("decoded = %+v", cfg)
	}
	if cfg.Typing.Debounce != 1500*time.Millisecond {
		t.Errorf("Typing.Debounce = %v", cfg.Typing.Debounce)
	}
	if cfg.Typing.TTL != 5*time.Second || cfg.Sync.PageSize != 50 || cfg.Outbox.MaxRetries != 3 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upstream.Backend != BackendMemory {
		t.Errorf("backend = %q", cfg.Upstream.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Upstream.Backend = "mongo" }},
		{"redis without addr", func(c *Config) { c.Upstream.Backend = BackendRedis; c.Upstream.RedisAddr = "" }},
		{"zero page size", func(c *Config) { c.Sync.PageSize = 0 }},
		{"negative retries", func(c *Config) { c.Outbox.MaxRetries = -1 }},
		{"debounce beyond ttl", func(c *Config) { c.Typing.Debounce = 10 * time.Second }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
