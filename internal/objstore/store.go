// Package objstore defines the narrow remote blob store contract used to
// restore and publish the database snapshot and to mint access URLs.
package objstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a remote blob store addressed by bucket and key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the full object content. A missing object yields ErrNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put replaces the object wholesale.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// Sign returns a pre-authorized GET URL valid for the given window.
	Sign(ctx context.Context, bucket, key string, validity time.Duration) (string, error)

	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket string) error

	// Type returns the backend identifier ("gcs", "s3", "local").
	Type() string

	Close() error
}
