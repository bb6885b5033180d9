package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffCaps(t *testing.T) {
	b := ExponentialBackoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	if got := b.Next(1); got != 10*time.Millisecond {
		t.Fatalf("attempt 1: got %s", got)
	}
	if got := b.Next(3); got != 40*time.Millisecond {
		t.Fatalf("attempt 3: got %s", got)
	}
	if got := b.Next(10); got != 50*time.Millisecond {
		t.Fatalf("attempt 10 should cap, got %s", got)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	busy := errors.New("busy")
	calls := 0
	err := Do(context.Background(), ExponentialBackoff{Base: time.Millisecond, Max: time.Millisecond}, 5,
		func(err error) bool { return errors.Is(err, busy) },
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), nil, 5,
		func(err error) bool { return false },
		func(ctx context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single permanent failure, got %v after %d calls", err, calls)
	}
}
