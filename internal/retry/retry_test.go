package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "get", fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("503 slow down"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), "get", fastConfig(5), func(context.Context) error {
		calls++
		return notFound
	})
	if !errors.Is(err, notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDoReturnsLastErrorUnwrapped(t *testing.T) {
	timeout := errors.New("i/o timeout")
	err := Do(context.Background(), "get", fastConfig(2), func(context.Context) error {
		return Transient(timeout)
	})
	if err != timeout {
		t.Fatalf("expected the bare last error, got %#v", err)
	}
	if IsTransient(err) {
		t.Error("returned error should no longer be marked transient")
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialWait: time.Hour, Multiplier: 1}

	calls := 0
	go cancel()
	err := Do(ctx, "get", cfg, func(context.Context) error {
		calls++
		return Transient(errors.New("unavailable"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call before cancellation, got %d", calls)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := Backoff(cfg, i+1); got != w {
			t.Errorf("Backoff(attempt %d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestTransientNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}
