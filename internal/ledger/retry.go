package ledger

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds how often and how patiently a ledger call is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy waits 1s, 2s, 4s, 8s between five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2}
}

// Delay returns the wait after the given zero-based failed attempt:
// BaseDelay × Multiplier^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(m, float64(attempt)))
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are spent. The sleep happens between attempts only.
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	n := c.policy.attempts()
	for attempt := 0; attempt < n; attempt++ {
		if attempt > 0 {
			delay := c.policy.Delay(attempt - 1)
			c.metrics.Retries.WithLabelValues(op).Inc()
			c.logger.Debug("retrying ledger call", "op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s: %w after %d attempts: %v", op, ErrRetryExhausted, n, lastErr)
}
