// Package replica keeps the local database file and its remote snapshot in
// step: it restores the file from the bucket at startup and republishes the
// whole file after writes.
package replica

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
	"github.com/fruitsalade/replicasync/internal/objstore"
)

// SnapshotContentType is the content type of the published database file.
const SnapshotContentType = "application/x-sqlite3"

const defaultTimeout = 30 * time.Second

var (
	// ErrDisabled means no bucket is configured (local-only mode).
	ErrDisabled = errors.New("remote snapshot not configured")
	// ErrNoSnapshot means the bucket holds no snapshot, or an empty one.
	ErrNoSnapshot = errors.New("remote snapshot not found")
	// ErrNoLocalFile means there is no local database file to publish.
	ErrNoLocalFile = errors.New("local database file not found")
)

// Config locates the snapshot on both sides.
type Config struct {
	Bucket    string
	Key       string
	LocalPath string
	// Timeout bounds each remote call. Zero means 30s.
	Timeout time.Duration
}

// Replica owns the full-file transfer primitives. Transfers are serialized:
// at most one upload or download runs at a time.
type Replica struct {
	store objstore.Store
	cfg   Config
	mu    sync.Mutex
}

// New creates a Replica. store may be nil for local-only mode.
func New(store objstore.Store, cfg Config) *Replica {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if abs, err := filepath.Abs(cfg.LocalPath); err == nil {
		cfg.LocalPath = abs
	}
	return &Replica{store: store, cfg: cfg}
}

// Enabled reports whether a remote snapshot is configured.
func (r *Replica) Enabled() bool {
	return r.store != nil && r.cfg.Bucket != ""
}

// LocalPath returns the absolute path of the local database file.
func (r *Replica) LocalPath() string { return r.cfg.LocalPath }

// Location returns the snapshot address for logs and operator messages.
func (r *Replica) Location() string {
	scheme := "remote"
	if r.store != nil {
		scheme = r.store.Type()
	}
	return fmt.Sprintf("%s://%s/%s", scheme, r.cfg.Bucket, r.cfg.Key)
}

// Restore replaces the local file with the remote snapshot.
func (r *Replica) Restore(ctx context.Context) error {
	if !r.Enabled() {
		return ErrDisabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	data, err := r.store.Get(ctx, r.cfg.Bucket, r.cfg.Key)
	if errors.Is(err, objstore.ErrNotFound) || (err == nil && len(data) == 0) {
		metrics.RecordRestore("missing")
		return fmt.Errorf("%w: %s", ErrNoSnapshot, r.Location())
	}
	if err != nil {
		metrics.RecordRestore("error")
		return fmt.Errorf("download %s: %w", r.Location(), err)
	}

	if err := writeFileAtomic(r.cfg.LocalPath, data); err != nil {
		metrics.RecordRestore("error")
		return err
	}

	metrics.RecordRestore("ok")
	logging.Info("restored database from snapshot",
		zap.String("snapshot", r.Location()),
		zap.String("path", r.cfg.LocalPath),
		zap.Int("bytes", len(data)))
	return nil
}

// Publish uploads the local file's current bytes over the remote snapshot.
// It returns the number of bytes published.
func (r *Replica) Publish(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, ErrDisabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.cfg.LocalPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNoLocalFile, r.cfg.LocalPath)
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", r.cfg.LocalPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.store.Put(ctx, r.cfg.Bucket, r.cfg.Key, data, SnapshotContentType); err != nil {
		return 0, fmt.Errorf("upload %s: %w", r.Location(), err)
	}

	logging.Info("published database snapshot",
		zap.String("snapshot", r.Location()),
		zap.Int("bytes", len(data)))
	return len(data), nil
}

// writeFileAtomic writes data next to path and renames it into place. A
// process that still has the old file open keeps reading the old inode.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".restore-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
