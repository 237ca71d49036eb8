package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteEnabled() {
		t.Error("expected local-only mode without a bucket")
	}
	if cfg.SignedURLValidity != 24*time.Hour || cfg.URLCacheTTL != 23*time.Hour {
		t.Errorf("unexpected url windows: validity=%s ttl=%s", cfg.SignedURLValidity, cfg.URLCacheTTL)
	}
	if cfg.WarmBatchSize != 100 || cfg.WarmMaxBatches != 2 || cfg.WarmTriggerRatio != 0.8 {
		t.Errorf("unexpected warmer defaults: %+v", cfg)
	}
	if cfg.SyncWorkers != 2 || cfg.SyncBacklog != 10 {
		t.Errorf("unexpected sync pool defaults: workers=%d backlog=%d", cfg.SyncWorkers, cfg.SyncBacklog)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GCP_BUCKET", "fallback-bucket")
	t.Setenv("SQLITE_PATH", "/var/lib/app/app.db")
	t.Setenv("URL_CACHE_WARM_DELAY", "250ms")
	t.Setenv("REMOTE_TIMEOUT", "12")
	t.Setenv("PUBLIC_URLS", "true")
	t.Setenv("URL_CACHE_WARM_TRIGGER_RATIO", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bucket != "fallback-bucket" {
		t.Errorf("expected GCP_BUCKET fallback, got %q", cfg.Bucket)
	}
	if cfg.LocalPath != "/var/lib/app/app.db" {
		t.Errorf("unexpected local path %q", cfg.LocalPath)
	}
	if cfg.WarmDelay != 250*time.Millisecond {
		t.Errorf("unexpected warm delay %s", cfg.WarmDelay)
	}
	if cfg.RemoteTimeout != 12*time.Second {
		t.Errorf("bare seconds not parsed: %s", cfg.RemoteTimeout)
	}
	if !cfg.PublicURLs || cfg.WarmTriggerRatio != 0.5 {
		t.Errorf("unexpected overrides: %+v", cfg)
	}

	t.Setenv("BUCKET_NAME", "primary")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bucket != "primary" {
		t.Errorf("BUCKET_NAME should win over GCP_BUCKET, got %q", cfg.Bucket)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
bucket: from-file
storage_backend: s3
url_cache_size: 50
warm_delay: 2s
signed_url_validity: 2h
url_cache_ttl: 90m
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("URL_CACHE_SIZE", "75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bucket != "from-file" || cfg.StorageBackend != "s3" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.URLCacheSize != 75 {
		t.Errorf("env should override file, got %d", cfg.URLCacheSize)
	}
	if cfg.WarmDelay != 2*time.Second || cfg.URLCacheTTL != 90*time.Minute {
		t.Errorf("durations not decoded: delay=%s ttl=%s", cfg.WarmDelay, cfg.URLCacheTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ttl not shorter than validity", func(c *Config) { c.URLCacheTTL = c.SignedURLValidity }, "url cache ttl"},
		{"ratio zero", func(c *Config) { c.WarmTriggerRatio = 0 }, "trigger ratio"},
		{"ratio above one", func(c *Config) { c.WarmTriggerRatio = 1.5 }, "trigger ratio"},
		{"unknown backend", func(c *Config) { c.StorageBackend = "ftp" }, "unknown storage backend"},
		{"no workers", func(c *Config) { c.SyncWorkers = 0 }, "sync workers"},
		{"empty cache", func(c *Config) { c.URLCacheSize = 0 }, "url cache size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := Defaults().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
