package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxRetries = 2
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 8 * time.Second
)

// Policy is an exponential backoff policy without jitter. Unset delays fall
// back to the package defaults; MaxRetries of zero means a single attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Retryable classifies errors; nil retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts. Tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}
}

// Delay returns the wait before attempt k (k >= 1): min(base*2^(k-1), max).
func (p Policy) Delay(k int) time.Duration {
	base, maxDelay := p.bounds()
	if k < 1 {
		return 0
	}
	d := base
	for i := 1; i < k; i++ {
		if d >= maxDelay {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	return base, maxDelay
}

func (p Policy) attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The last error is returned wrapped.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	made := 0
	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delay(attempt)); err != nil {
				return zero, fmt.Errorf("retry: backoff interrupted after %d attempts: %w", attempt, errors.Join(err, lastErr))
			}
		}
		out, err := op(ctx)
		made++
		if err == nil {
			return out, nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return zero, fmt.Errorf("retry: giving up after %d attempts: %w", made, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
