package backoff

import (
	"context"
	"fmt"
	"time"
)

// Retry is a retry policy wrapping fallible operations.
type Retry struct {
	// MaxAttempts is the total number of attempts including the first one.
	// MaxAttempts < 1 is treated as 1.
	MaxAttempts int
	Backoff     Backoff
}

// NewRetry checks the backoff parameters like New and returns a retry policy.
func NewRetry(
	maxAttempts int, min, max time.Duration, factor, jitter float64,
	randSource RandReader,
) (Retry, error) {
	b, err := New(min, max, factor, jitter, randSource)
	if err != nil {
		return Retry{}, err
	}
	if maxAttempts < 1 {
		return Retry{}, fmt.Errorf("maxAttempts(%d) must be >0", maxAttempts)
	}
	return Retry{MaxAttempts: maxAttempts, Backoff: b}, nil
}

// Do calls fn until it succeeds, returns an error retryable rejects,
// MaxAttempts is exhausted or ctx is canceled.
// The last error returned by fn is returned.
// attempt passed to fn starts at 0.
func (r Retry) Do(
	ctx context.Context,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) error,
) error {
	attempts := max(r.MaxAttempts, 1)
	var err error
	for attempt := range attempts {
		if d := r.delay(attempt); d > 0 {
			if err := sleepContext(ctx, d); err != nil {
				return err
			}
		}
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}

func (r Retry) delay(attempt int) time.Duration {
	if r.Backoff.Min == 0 {
		return 0 // Zero backoff configuration retries immediately.
	}
	return r.Backoff.Delay(attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}
