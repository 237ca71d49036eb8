// Package local provides a filesystem object store, one directory per bucket.
// It stands in for a cloud bucket on a developer machine or a mounted volume.
package local

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/replicasync/internal/metrics"
	"github.com/fruitsalade/replicasync/internal/objstore"
)

// Config holds local filesystem store settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Store implements objstore.Store on the local filesystem.
type Store struct {
	rootPath string
}

// New creates a local store rooted at cfg.RootPath.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	case os.IsNotExist(err) && cfg.CreateDirs:
		if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	}

	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	return &Store{rootPath: abs}, nil
}

func (s *Store) fullPath(bucket, key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if strings.Contains(bucket, "/") || strings.Contains(bucket, "..") || bucket == "" {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return filepath.Join(s.rootPath, bucket, clean), nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordRemoteOperation("local", op, time.Since(start), err == nil)
}

// Get reads the whole file.
func (s *Store) Get(_ context.Context, bucket, key string) ([]byte, error) {
	start := time.Now()
	path, err := s.fullPath(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		record("get_object", start, nil)
		return nil, objstore.ErrNotFound
	}
	record("get_object", start, err)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put writes via a temp file and rename so readers never see a partial object.
func (s *Store) Put(_ context.Context, bucket, key string, data []byte, _ string) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	path, err := s.fullPath(bucket, key)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Sign returns a file URL carrying its expiry. Nothing enforces the expiry;
// it only mirrors the shape of cloud signed URLs for local runs.
func (s *Store) Sign(_ context.Context, bucket, key string, validity time.Duration) (string, error) {
	start := time.Now()
	path, err := s.fullPath(bucket, key)
	record("sign_url", start, err)
	if err != nil {
		return "", err
	}

	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: "expires=" + strconv.FormatInt(time.Now().Add(validity).Unix(), 10),
	}
	return u.String(), nil
}

// BucketExists reports whether the bucket directory exists.
func (s *Store) BucketExists(_ context.Context, bucket string) (bool, error) {
	path, err := s.fullPath(bucket, "")
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat bucket %s: %w", bucket, err)
	}
	return info.IsDir(), nil
}

// CreateBucket creates the bucket directory.
func (s *Store) CreateBucket(_ context.Context, bucket string) error {
	path, err := s.fullPath(bucket, "")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}

// Type returns "local".
func (s *Store) Type() string { return "local" }

// Close is a no-op.
func (s *Store) Close() error { return nil }
