// Package retry re-runs remote calls that failed for transient reasons.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // total attempts, at least 1
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap on any single wait
	Multiplier  float64       // backoff growth per attempt
	Jitter      float64       // +/- fraction applied to each wait (0-1)
}

// DefaultConfig suits a handful of quick attempts against an object store.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// transientError marks an error worth another attempt.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Backoff returns the wait before attempt+1, without jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	return time.Duration(wait)
}

// Do runs fn until it succeeds, returns an error not marked Transient, or
// runs out of attempts. The last error is returned unwrapped from its
// transient marker so callers can match it with errors.Is.
func Do(ctx context.Context, op string, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = errors.Unwrap(err)
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := float64(Backoff(cfg, attempt))
		if cfg.Jitter > 0 {
			wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
		}
		logging.Debug("retrying remote call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", time.Duration(wait)),
			zap.Error(lastErr))

		t := time.NewTimer(time.Duration(wait))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return lastErr
}
