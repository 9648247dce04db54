package application

import (
	"context"
	"fmt"
	"time"
)

// Retry calls op up to maxTries times, sleeping wait between attempts, and
// returns the first success. When every attempt fails the last error is
// returned as is. Retry does not log; callers decide what to report.
func Retry[T any](ctx context.Context, op func(context.Context) (T, error), wait time.Duration, maxTries int) (T, error) {
	var zero T
	if maxTries <= 0 {
		return zero, fmt.Errorf("%w: retry needs at least one try, got %d", ErrInvalidConfiguration, maxTries)
	}

	var failure error
	for attempt := 1; attempt <= maxTries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		failure = err

		if attempt == maxTries {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if failure == nil {
		return zero, fmt.Errorf("%w: retries exhausted without a recorded failure", ErrInternalInvariant)
	}
	return zero, failure
}
