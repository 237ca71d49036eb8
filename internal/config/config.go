// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr    string `yaml:"listen_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	AdminToken    string `yaml:"admin_token"`
	MaxUploadSize int64  `yaml:"max_upload_size"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Remote object store ("gcs", "s3" or "local"). An empty bucket means
	// local-only mode: no restore, no sync, no signing.
	StorageBackend   string        `yaml:"storage_backend"`
	Bucket           string        `yaml:"bucket"`
	GCPProjectID     string        `yaml:"gcp_project_id"`
	GCPCredentials   string        `yaml:"gcp_credentials"`
	S3Endpoint       string        `yaml:"s3_endpoint"`
	S3AccessKey      string        `yaml:"s3_access_key"`
	S3SecretKey      string        `yaml:"s3_secret_key"`
	S3Region         string        `yaml:"s3_region"`
	LocalStoragePath string        `yaml:"local_storage_path"`
	RemoteTimeout    time.Duration `yaml:"remote_timeout"`

	// Replica
	SnapshotKey string `yaml:"snapshot_key"`
	LocalPath   string `yaml:"local_path"`
	SyncWorkers int    `yaml:"sync_workers"`
	SyncBacklog int    `yaml:"sync_backlog"`

	// Access URLs
	PublicURLs        bool          `yaml:"public_urls"`
	PublicBaseURL     string        `yaml:"public_base_url"`
	SignedURLValidity time.Duration `yaml:"signed_url_validity"`
	URLCacheSize      int           `yaml:"url_cache_size"`
	URLCacheTTL       time.Duration `yaml:"url_cache_ttl"`

	// Cache warmer
	WarmEnabled      bool          `yaml:"warm_enabled"`
	WarmDelay        time.Duration `yaml:"warm_delay"`
	WarmBatchSize    int           `yaml:"warm_batch_size"`
	WarmTriggerRatio float64       `yaml:"warm_trigger_ratio"`
	WarmMaxBatches   int           `yaml:"warm_max_batches"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		MaxUploadSize:     10 * 1024 * 1024,
		LogLevel:          "info",
		LogFormat:         "json",
		StorageBackend:    "gcs",
		S3Endpoint:        "http://localhost:9000",
		S3Region:          "us-east-1",
		LocalStoragePath:  "/data/storage",
		RemoteTimeout:     30 * time.Second,
		SnapshotKey:       "data/app.db",
		LocalPath:         filepath.Join(os.TempDir(), "app.db"),
		SyncWorkers:       2,
		SyncBacklog:       10,
		PublicBaseURL:     "https://storage.googleapis.com",
		SignedURLValidity: 24 * time.Hour,
		URLCacheSize:      2000,
		URLCacheTTL:       23 * time.Hour,
		WarmEnabled:       true,
		WarmDelay:         5 * time.Second,
		WarmBatchSize:     100,
		WarmTriggerRatio:  0.8,
		WarmMaxBatches:    2,
	}
}

// Load reads configuration: defaults, then CONFIG_FILE if set, then the environment.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.AdminToken = envOr("ADMIN_TOKEN", c.AdminToken)
	c.MaxUploadSize = int64(envInt("MAX_UPLOAD_SIZE", int(c.MaxUploadSize)))
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.StorageBackend = envOr("STORAGE_BACKEND", c.StorageBackend)
	c.Bucket = envOr("BUCKET_NAME", envOr("GCP_BUCKET", c.Bucket))
	c.GCPProjectID = envOr("GCP_PROJECT_ID", c.GCPProjectID)
	c.GCPCredentials = envOr("GOOGLE_APPLICATION_CREDENTIALS", c.GCPCredentials)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.LocalStoragePath = envOr("LOCAL_STORAGE_PATH", c.LocalStoragePath)
	c.RemoteTimeout = envDuration("REMOTE_TIMEOUT", c.RemoteTimeout)

	c.SnapshotKey = envOr("DB_OBJECT_NAME", c.SnapshotKey)
	c.LocalPath = envOr("SQLITE_PATH", c.LocalPath)
	c.SyncWorkers = envInt("SYNC_WORKERS", c.SyncWorkers)
	c.SyncBacklog = envInt("SYNC_BACKLOG", c.SyncBacklog)

	c.PublicURLs = envBool("PUBLIC_URLS", c.PublicURLs)
	c.PublicBaseURL = envOr("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.SignedURLValidity = envDuration("SIGNED_URL_VALIDITY", c.SignedURLValidity)
	c.URLCacheSize = envInt("URL_CACHE_SIZE", c.URLCacheSize)
	c.URLCacheTTL = envDuration("URL_CACHE_TTL", c.URLCacheTTL)

	c.WarmEnabled = envBool("URL_CACHE_WARM_ENABLED", c.WarmEnabled)
	c.WarmDelay = envDuration("URL_CACHE_WARM_DELAY", c.WarmDelay)
	c.WarmBatchSize = envInt("URL_CACHE_WARM_BATCH_SIZE", c.WarmBatchSize)
	c.WarmTriggerRatio = envFloat("URL_CACHE_WARM_TRIGGER_RATIO", c.WarmTriggerRatio)
	c.WarmMaxBatches = envInt("URL_CACHE_WARM_MAX_BATCHES", c.WarmMaxBatches)
}

// Validate checks option ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case "gcs", "s3", "local":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}
	if strings.TrimSpace(c.LocalPath) == "" {
		errs = append(errs, errors.New("local path is required"))
	}
	if c.SnapshotKey == "" {
		errs = append(errs, errors.New("snapshot key is required"))
	}
	if c.URLCacheTTL <= 0 || c.URLCacheTTL >= c.SignedURLValidity {
		errs = append(errs, fmt.Errorf("url cache ttl %s must be positive and shorter than signed url validity %s",
			c.URLCacheTTL, c.SignedURLValidity))
	}
	if c.URLCacheSize <= 0 {
		errs = append(errs, errors.New("url cache size must be positive"))
	}
	if c.WarmTriggerRatio <= 0 || c.WarmTriggerRatio > 1 {
		errs = append(errs, fmt.Errorf("warm trigger ratio %v must be in (0, 1]", c.WarmTriggerRatio))
	}
	if c.WarmBatchSize <= 0 || c.WarmMaxBatches <= 0 {
		errs = append(errs, errors.New("warm batch size and max batches must be positive"))
	}
	if c.SyncWorkers <= 0 || c.SyncBacklog < 0 {
		errs = append(errs, errors.New("sync workers must be positive and backlog non-negative"))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, errors.New("remote timeout must be positive"))
	}

	return errors.Join(errs...)
}

// RemoteEnabled reports whether a bucket is configured.
func (c *Config) RemoteEnabled() bool {
	return c.Bucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
