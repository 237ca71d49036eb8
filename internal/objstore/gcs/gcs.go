// Package gcs provides a Google Cloud Storage object store.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
	"github.com/fruitsalade/replicasync/internal/objstore"
)

// Config holds GCS connection settings.
type Config struct {
	ProjectID string
	// CredentialsFile is a service account JSON key. Empty means
	// application default credentials.
	CredentialsFile string
}

// Store implements objstore.Store on Cloud Storage.
type Store struct {
	client    *storage.Client
	projectID string
	// signURL defaults to BucketHandle.SignedURL, which may call IAM
	// signBlob without a context when no key file is configured.
	signURL func(bucket, key string, opts *storage.SignedURLOptions) (string, error)
}

// New creates a GCS client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	logging.Info("gcs client ready", zap.String("project", cfg.ProjectID))
	s := &Store{client: client, projectID: cfg.ProjectID}
	s.signURL = func(bucket, key string, opts *storage.SignedURLOptions) (string, error) {
		return s.client.Bucket(bucket).SignedURL(key, opts)
	}
	return s, nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordRemoteOperation("gcs", op, time.Since(start), err == nil)
}

// Get downloads the whole object.
func (s *Store) Get(ctx context.Context, bucket, key string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, objstore.ErrNotFound) {
			record("get_object", start, nil)
			return
		}
		record("get_object", start, err)
	}()

	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, objstore.ErrNotFound
		}
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, key, err)
	}
	defer r.Close()

	data, err = io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put writes the object in a single upload, replacing any previous generation.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err = w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", bucket, key, err)
	}

	logging.Debug("gcs put object", zap.String("bucket", bucket), zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Sign returns a V4 signed GET URL. The signer runs on its own goroutine so
// ctx bounds the call even when the library ignores it.
func (s *Store) Sign(ctx context.Context, bucket, key string, validity time.Duration) (u string, err error) {
	start := time.Now()
	defer func() { record("sign_url", start, err) }()

	if err = ctx.Err(); err != nil {
		return "", fmt.Errorf("sign gs://%s/%s: %w", bucket, key, err)
	}

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(validity),
	}
	go func() {
		signed, signErr := s.signURL(bucket, key, opts)
		done <- result{signed, signErr}
	}()

	select {
	case r := <-done:
		u, err = r.url, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("sign gs://%s/%s: %w", bucket, key, err)
	}
	return u, nil
}

// BucketExists reports whether the bucket is visible to the client.
func (s *Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	start := time.Now()
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		record("head_bucket", start, nil)
		return false, nil
	}
	record("head_bucket", start, err)
	if err != nil {
		return false, fmt.Errorf("bucket attrs %s: %w", bucket, err)
	}
	return true, nil
}

// CreateBucket creates the bucket in the configured project.
func (s *Store) CreateBucket(ctx context.Context, bucket string) (err error) {
	start := time.Now()
	defer func() { record("create_bucket", start, err) }()

	if err = s.client.Bucket(bucket).Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Type returns "gcs".
func (s *Store) Type() string { return "gcs" }

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }
