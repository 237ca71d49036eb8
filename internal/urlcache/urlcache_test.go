package urlcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/replicasync/internal/objstore/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newSigned(t *testing.T, store *memstore.Store, maxEntries int) (*Cache, *fakeClock) {
	t.Helper()
	c, err := New(store, Config{
		Bucket:     "media",
		Validity:   24 * time.Hour,
		TTL:        23 * time.Hour,
		MaxEntries: maxEntries,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	return c, clock
}

func TestResolveEmptyPath(t *testing.T) {
	store := memstore.New()
	c, _ := newSigned(t, store, 10)

	if u, ok := c.Resolve(context.Background(), ""); ok || u != "" {
		t.Errorf("expected no url for empty path, got %q", u)
	}
	if store.Signs() != 0 {
		t.Errorf("empty path must not call sign, got %d", store.Signs())
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	store := memstore.New()
	c, clock := newSigned(t, store, 10)
	ctx := context.Background()

	first, ok := c.Resolve(ctx, "images/a.jpg")
	if !ok {
		t.Fatal("expected url")
	}
	clock.Advance(22 * time.Hour)
	second, ok := c.Resolve(ctx, "images/a.jpg")
	if !ok {
		t.Fatal("expected cached url")
	}

	if first != second {
		t.Errorf("expected identical urls, got %q and %q", first, second)
	}
	if store.Signs() != 1 {
		t.Errorf("expected exactly one sign call, got %d", store.Signs())
	}
	if !strings.Contains(first, "ttl=86400") {
		t.Errorf("url should be signed for 24h: %q", first)
	}
}

func TestResolveResignsAfterTTL(t *testing.T) {
	store := memstore.New()
	c, clock := newSigned(t, store, 10)
	ctx := context.Background()

	first, _ := c.Resolve(ctx, "images/a.jpg")
	clock.Advance(23 * time.Hour)
	second, ok := c.Resolve(ctx, "images/a.jpg")
	if !ok {
		t.Fatal("expected fresh url")
	}

	if store.Signs() != 2 {
		t.Errorf("expected a second sign call after expiry, got %d", store.Signs())
	}
	if first == second {
		t.Error("fake signer returns distinct urls, expected a new one")
	}
}

func TestResolveEvictsLeastRecentlyUsed(t *testing.T) {
	store := memstore.New()
	c, _ := newSigned(t, store, 3)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		c.Resolve(ctx, p)
	}
	if c.Len() != 3 {
		t.Fatalf("cache must stay at its bound, got %d entries", c.Len())
	}

	signs := store.Signs()
	c.Resolve(ctx, "p1")
	if store.Signs() != signs+1 {
		t.Error("p1 should have been evicted and re-signed")
	}
}

func TestResolveHitRefreshesRecency(t *testing.T) {
	store := memstore.New()
	c, _ := newSigned(t, store, 3)
	ctx := context.Background()

	c.Resolve(ctx, "p1")
	c.Resolve(ctx, "p2")
	c.Resolve(ctx, "p3")
	c.Resolve(ctx, "p1") // p2 is now the oldest
	c.Resolve(ctx, "p4")

	signs := store.Signs()
	c.Resolve(ctx, "p1")
	if store.Signs() != signs {
		t.Error("recently used p1 should still be cached")
	}
	c.Resolve(ctx, "p2")
	if store.Signs() != signs+1 {
		t.Error("p2 should have been evicted")
	}
}

func TestResolveSignFailure(t *testing.T) {
	store := memstore.New()
	c, _ := newSigned(t, store, 10)
	ctx := context.Background()

	store.Fail("sign", errors.New("credentials expired"))
	if u, ok := c.Resolve(ctx, "images/a.jpg"); ok || u != "" {
		t.Fatalf("expected unavailable url, got %q", u)
	}
	if c.Len() != 0 {
		t.Error("failures must not be cached")
	}

	store.Fail("sign", nil)
	if _, ok := c.Resolve(ctx, "images/a.jpg"); !ok {
		t.Error("expected url once signing recovers")
	}
}

func TestResolveConcurrentMissesSignOnce(t *testing.T) {
	store := memstore.New()
	c, _ := newSigned(t, store, 10)

	var wg sync.WaitGroup
	urls := make([]string, 20)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], _ = c.Resolve(context.Background(), "images/hot.jpg")
		}(i)
	}
	wg.Wait()

	for i, u := range urls {
		if u != urls[0] {
			t.Fatalf("caller %d got %q, want %q", i, u, urls[0])
		}
	}
	// singleflight collapses overlapping misses; late arrivals hit the cache.
	if store.Signs() != 1 {
		t.Errorf("expected one sign call, got %d", store.Signs())
	}
}

func TestPublicModeNeverSigns(t *testing.T) {
	store := memstore.New()
	c, err := New(store, Config{Bucket: "media", Public: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u, ok := c.Resolve(context.Background(), "images/summer trip/a+b.jpg")
	if !ok {
		t.Fatal("expected public url")
	}
	want := "https://storage.googleapis.com/media/images/summer%20trip/a%2Bb.jpg"
	if u != want {
		t.Errorf("got %q, want %q", u, want)
	}
	if store.Signs() != 0 || c.Len() != 0 {
		t.Errorf("public mode must not sign or cache (signs=%d len=%d)", store.Signs(), c.Len())
	}
}

func TestSignedModeNeverReturnsPublicURL(t *testing.T) {
	store := memstore.New()
	c, _ := newSigned(t, store, 10)

	u, _ := c.Resolve(context.Background(), "images/a.jpg")
	if strings.HasPrefix(u, "https://storage.googleapis.com/media/") {
		t.Errorf("signed mode returned a public url: %q", u)
	}
}

func TestNewRejectsTTLNotShorterThanValidity(t *testing.T) {
	_, err := New(memstore.New(), Config{
		Bucket:     "media",
		Validity:   time.Hour,
		TTL:        time.Hour,
		MaxEntries: 10,
	})
	if err == nil {
		t.Fatal("expected error when ttl >= validity")
	}
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		base, bucket, path, want string
	}{
		{"https://storage.googleapis.com", "b", "images/x.jpg", "https://storage.googleapis.com/b/images/x.jpg"},
		{"https://cdn.example.com/", "b", "texts/ü.txt", "https://cdn.example.com/b/texts/%C3%BC.txt"},
		{"https://storage.googleapis.com", "b", "a?b#c", "https://storage.googleapis.com/b/a%3Fb%23c"},
	}
	for _, tt := range tests {
		if got := PublicURL(tt.base, tt.bucket, tt.path); got != tt.want {
			t.Errorf("PublicURL(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
