package application

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("node unavailable")
		}
		return "ok", nil
	}

	start := time.Now()
	got, err := Retry(context.Background(), op, 10*time.Millisecond, 3)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("expected at least two waits, elapsed %v", elapsed)
	}
}

func TestRetry_ZeroTriesNeverInvokes(t *testing.T) {
	for _, tries := range []int{0, -1} {
		calls := 0
		_, err := Retry(context.Background(), func(ctx context.Context) (int, error) {
			calls++
			return 1, nil
		}, time.Millisecond, tries)
		if !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("tries=%d: expected ErrInvalidConfiguration, got %v", tries, err)
		}
		if calls != 0 {
			t.Errorf("tries=%d: operation invoked %d times", tries, calls)
		}
	}
}

type rpcStatusError struct {
	code int
}

func (e *rpcStatusError) Error() string { return "rpc status" }

func TestRetry_ReturnsLastFailure(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &rpcStatusError{code: 500 + calls}
	}, time.Millisecond, 2)

	var statusErr *rpcStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected rpcStatusError, got %v", err)
	}
	if statusErr.code != 502 {
		t.Errorf("expected last failure (502), got %d", statusErr.code)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_StopsWaitingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	}, time.Hour, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
