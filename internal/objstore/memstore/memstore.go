// Package memstore is an in-memory objstore.Store for tests. It counts calls
// and lets a test inject failures per operation.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/replicasync/internal/objstore"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store is a concurrency-safe in-memory store.
type Store struct {
	mu      sync.Mutex
	buckets map[string]map[string]Object
	fail    map[string]error

	// PutDelay, when set, runs before every Put. Tests use it to hold uploads in flight.
	PutDelay func()

	gets, puts, signs atomic.Int64
	signSeq           atomic.Int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		buckets: make(map[string]map[string]Object),
		fail:    make(map[string]error),
	}
}

// Fail makes every subsequent call of op ("get", "put", "sign", "exists",
// "create") return err. A nil err clears the failure.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail[op]
}

// Seed stores an object directly, bypassing counters.
func (s *Store) Seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Object)
		s.buckets[bucket] = b
	}
	b[key] = Object{Data: append([]byte(nil), data...)}
}

// Object returns a stored object without counting a Get.
func (s *Store) Object(bucket, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.buckets[bucket][key]
	return o, ok
}

func (s *Store) Gets() int64  { return s.gets.Load() }
func (s *Store) Puts() int64  { return s.puts.Load() }
func (s *Store) Signs() int64 { return s.signs.Load() }

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.gets.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.failure("get"); err != nil {
		return nil, err
	}
	o, ok := s.Object(bucket, key)
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return append([]byte(nil), o.Data...), nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	s.puts.Add(1)
	if s.PutDelay != nil {
		s.PutDelay()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.failure("put"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Object)
		s.buckets[bucket] = b
	}
	b[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// Sign returns a distinct URL on every call so tests can tell re-signs apart.
func (s *Store) Sign(ctx context.Context, bucket, key string, validity time.Duration) (string, error) {
	s.signs.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.failure("sign"); err != nil {
		return "", err
	}
	n := s.signSeq.Add(1)
	return fmt.Sprintf("https://signed.example/%s/%s?ttl=%d&sig=%d", bucket, key, int64(validity.Seconds()), n), nil
}

func (s *Store) BucketExists(_ context.Context, bucket string) (bool, error) {
	if err := s.failure("exists"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *Store) CreateBucket(_ context.Context, bucket string) error {
	if err := s.failure("create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]Object)
	}
	return nil
}

func (s *Store) Type() string { return "memory" }
func (s *Store) Close() error { return nil }

var _ objstore.Store = (*Store)(nil)
