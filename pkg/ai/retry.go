package ai

import (
	"context"
	"math/rand"
	"time"
)

// ConnOptions configures retry and deadline behavior for a provider call.
type ConnOptions struct {
	MaxRetry      int           // retry attempts after the initial call
	RetryInterval time.Duration // base delay between retries
	Timeout       time.Duration // per-attempt deadline
}

// DefaultConnOptions matches the defaults providers assume when the caller
// passes a zero value.
var DefaultConnOptions = ConnOptions{
	MaxRetry:      3,
	RetryInterval: 2 * time.Second,
	Timeout:       10 * time.Second,
}

// WithDefaults fills zero fields from DefaultConnOptions.
func (o ConnOptions) WithDefaults() ConnOptions {
	if o.MaxRetry == 0 {
		o.MaxRetry = DefaultConnOptions.MaxRetry
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultConnOptions.RetryInterval
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultConnOptions.Timeout
	}
	return o
}

// IntervalForRetry returns the delay before the given retry attempt. The
// first retry fires quickly; later ones wait the full interval.
func (o ConnOptions) IntervalForRetry(attempt int) time.Duration {
	if attempt == 0 {
		return 100 * time.Millisecond
	}
	return o.RetryInterval
}

// RetryConfig configures exponential backoff for recoverable errors.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Exponential backoff multiplier
	JitterPercent float64       // Random jitter fraction (0.0-1.0)
}

// DefaultRetryConfig provides sensible defaults for AI provider retries
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// DelayForAttempt returns the backoff delay before retry number attempt
// (0-based), with jitter applied.
func (c RetryConfig) DelayForAttempt(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.BackoffFactor
		if delay >= float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
			break
		}
	}
	if c.JitterPercent > 0 {
		jitter := delay * c.JitterPercent
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, returns a fatal error, or attempts are
// exhausted. Only errors classified recoverable are retried.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.DelayForAttempt(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
