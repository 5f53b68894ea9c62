package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"gridbot/logger"
)

// RetryPolicy wraps venue calls with capped exponential backoff. Only
// retryable errors consume attempts; warnings and fatal errors surface
// immediately to the caller.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

func NewRetryPolicy(maxAttempts int, minDelay, maxDelay time.Duration) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{MaxAttempts: maxAttempts, MinDelay: minDelay, MaxDelay: maxDelay}
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// attempts, or the context ends. op names the call in logs.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := b.Duration()
		logger.Warnf("[Trader] %s attempt %d/%d failed, retrying in %v: %v",
			op, attempt, p.MaxAttempts, delay, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
