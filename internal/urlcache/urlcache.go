// Package urlcache hands out access URLs for bucket objects. Signed URLs are
// expensive to mint, so they are cached per object path for a little less
// than their validity window.
package urlcache

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
)

// Signer mints pre-authorized GET URLs. objstore.Store satisfies it.
type Signer interface {
	Sign(ctx context.Context, bucket, key string, validity time.Duration) (string, error)
}

// Config controls URL generation.
type Config struct {
	Bucket string

	// Public skips signing and caching and builds PublicBaseURL/bucket/path.
	Public        bool
	PublicBaseURL string

	Validity   time.Duration // lifetime requested from the signer
	TTL        time.Duration // cache lifetime, must be shorter than Validity
	MaxEntries int
	Timeout    time.Duration // per sign call
}

type entry struct {
	url     string
	created time.Time
}

// Cache is a bounded, expiring, read-through cache of signed URLs keyed by
// object path. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	signer Signer
	lru    *expirable.LRU[string, entry]
	group  singleflight.Group
	now    func() time.Time
}

// New creates a Cache.
func New(signer Signer, cfg Config) (*Cache, error) {
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://storage.googleapis.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Cache{cfg: cfg, signer: signer, now: time.Now}
	if cfg.Public {
		return c, nil
	}

	if signer == nil {
		return nil, fmt.Errorf("signed url mode needs a signer")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", cfg.MaxEntries)
	}
	if cfg.TTL <= 0 || cfg.TTL >= cfg.Validity {
		return nil, fmt.Errorf("cache ttl %s must be positive and shorter than validity %s", cfg.TTL, cfg.Validity)
	}

	c.lru = expirable.NewLRU[string, entry](cfg.MaxEntries, nil, cfg.TTL)
	return c, nil
}

// Resolve returns an access URL for objectPath. The second result is false
// when no URL is available right now: empty path, or a signing failure.
// Callers should omit the URL rather than fail.
func (c *Cache) Resolve(ctx context.Context, objectPath string) (string, bool) {
	if objectPath == "" {
		return "", false
	}

	if c.cfg.Public {
		metrics.RecordURLLookup("public")
		return PublicURL(c.cfg.PublicBaseURL, c.cfg.Bucket, objectPath), true
	}

	if u, ok := c.lookup(objectPath); ok {
		metrics.RecordURLLookup("hit")
		return u, true
	}

	v, err, _ := c.group.Do(objectPath, func() (interface{}, error) {
		// Another caller may have filled the entry while we queued.
		if u, ok := c.lookup(objectPath); ok {
			return u, nil
		}

		signCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		u, err := c.signer.Sign(signCtx, c.cfg.Bucket, objectPath, c.cfg.Validity)
		if err != nil {
			return "", err
		}
		c.lru.Add(objectPath, entry{url: u, created: c.now()})
		metrics.SetURLCacheEntries(c.lru.Len())
		return u, nil
	})
	if err != nil {
		metrics.RecordURLLookup("error")
		logging.Warn("failed to sign url", zap.String("path", objectPath), zap.Error(err))
		return "", false
	}

	metrics.RecordURLLookup("miss")
	return v.(string), true
}

// lookup returns a cached URL only while it is younger than the TTL.
func (c *Cache) lookup(objectPath string) (string, bool) {
	e, ok := c.lru.Get(objectPath)
	if !ok {
		return "", false
	}
	if c.now().Sub(e.created) >= c.cfg.TTL {
		c.lru.Remove(objectPath)
		return "", false
	}
	return e.url, true
}

// Len returns the number of cached URLs. It is always zero in public mode.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// PublicURL builds base/bucket/path. The path is query-escaped with spaces as
// %20 and slashes left as separators.
func PublicURL(base, bucket, objectPath string) string {
	encoded := url.QueryEscape(objectPath)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "%2F", "/")
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + encoded
}
