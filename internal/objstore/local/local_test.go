package local

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/replicasync/internal/objstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if _, err := s.Get(ctx, "bkt", "data/app.db"); !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "bkt", "data/app.db", []byte("v1"), "application/x-sqlite3"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "bkt", "data/app.db", []byte("v2"), "application/x-sqlite3"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	got, err := s.Get(ctx, "bkt", "data/app.db")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("expected v2, got %q", got)
	}
}

func TestKeysCannotEscapeBucket(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.Put(ctx, "bkt", "../../outside", []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "bkt", "outside")
	if err != nil || string(got) != "x" {
		t.Errorf("traversal key should stay inside bucket, got %q err=%v", got, err)
	}
	if _, err := s.Get(ctx, "../bkt", "outside"); err == nil {
		t.Error("expected invalid bucket error")
	}
}

func TestBucketLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.BucketExists(ctx, "media")
	if err != nil || ok {
		t.Fatalf("expected missing bucket, got ok=%v err=%v", ok, err)
	}
	if err := s.CreateBucket(ctx, "media"); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	ok, err = s.BucketExists(ctx, "media")
	if err != nil || !ok {
		t.Fatalf("expected bucket to exist, got ok=%v err=%v", ok, err)
	}
}

func TestSignCarriesExpiry(t *testing.T) {
	s := newStore(t)
	u, err := s.Sign(context.Background(), "media", "images/a b.jpg", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.HasPrefix(u, "file://") || !strings.Contains(u, "expires=") {
		t.Errorf("unexpected signed url %q", u)
	}
}
