// Package s3 provides an S3-compatible object store (AWS, MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
	"github.com/fruitsalade/replicasync/internal/objstore"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// Store implements objstore.Store using S3.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// New creates an S3 store. An empty Endpoint uses the AWS default resolver.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordRemoteOperation("s3", op, time.Since(start), err == nil)
}

// Get downloads the whole object.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	start := time.Now()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			record("get_object", start, nil)
			return nil, objstore.ErrNotFound
		}
		record("get_object", start, err)
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	record("get_object", start, err)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Put uploads the object in one request.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	start := time.Now()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	record("put_object", start, err)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Sign returns a presigned GET URL.
func (s *Store) Sign(ctx context.Context, bucket, key string, validity time.Duration) (string, error) {
	start := time.Now()

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(validity))
	record("presign_get", start, err)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// BucketExists issues HeadBucket. A NotFound response means false without error.
func (s *Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	start := time.Now()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			record("head_bucket", start, nil)
			return false, nil
		}
		record("head_bucket", start, err)
		return false, fmt.Errorf("head bucket %s: %w", bucket, err)
	}
	record("head_bucket", start, nil)
	return true, nil
}

// CreateBucket creates the bucket.
func (s *Store) CreateBucket(ctx context.Context, bucket string) error {
	start := time.Now()

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	record("create_bucket", start, err)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", bucket))
	return nil
}

// Type returns "s3".
func (s *Store) Type() string { return "s3" }

// Close is a no-op for S3.
func (s *Store) Close() error { return nil }
