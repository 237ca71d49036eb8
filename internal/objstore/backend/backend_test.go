package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/replicasync/internal/config"
)

func TestNewLocal(t *testing.T) {
	cfg := config.Defaults()
	cfg.StorageBackend = "local"
	cfg.LocalStoragePath = filepath.Join(t.TempDir(), "blobs")

	store, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()
	if store.Type() != "local" {
		t.Errorf("expected local store, got %s", store.Type())
	}
}

func TestNewUnknown(t *testing.T) {
	cfg := config.Defaults()
	cfg.StorageBackend = "tape"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
