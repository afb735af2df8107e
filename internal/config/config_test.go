package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scrape.LockTTL.Duration != 15*time.Minute {
		t.Errorf("lock_ttl = %s, want 15m", cfg.Scrape.LockTTL.Duration)
	}
	if cfg.Watcher.RetryCap != 3 {
		t.Errorf("retry_cap = %d, want 3", cfg.Watcher.RetryCap)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.HTTPAddr = "127.0.0.1:9999"
	cfg.Scrape.LockTTL = duration{5 * time.Minute}
	cfg.CRM.BaseURL = "https://crm.example.com"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("http_addr = %q", loaded.HTTPAddr)
	}
	if loaded.Scrape.LockTTL.Duration != 5*time.Minute {
		t.Errorf("lock_ttl = %s, want 5m", loaded.Scrape.LockTTL.Duration)
	}
	if loaded.CRM.BaseURL != "https://crm.example.com" {
		t.Errorf("crm base_url = %q", loaded.CRM.BaseURL)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MSYNC_REDIS_URL", "redis://redis.internal:6379/2")
	t.Setenv("MSYNC_SYNC_CONCURRENCY", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RedisURL != "redis://redis.internal:6379/2" {
		t.Errorf("redis_url = %q", cfg.RedisURL)
	}
	if cfg.Queue.SyncConcurrency != 7 {
		t.Errorf("sync concurrency = %d, want 7", cfg.Queue.SyncConcurrency)
	}
}

func TestSaveCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
