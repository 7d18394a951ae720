// Package utils holds small helpers shared across packages.
package utils

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64
	// Retryable reports whether err warrants another attempt. Nil retries every error.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryOnce is a config for a single immediate retry of errors matching retryable.
func RetryOnce(retryable func(error) bool) RetryConfig {
	return RetryConfig{
		MaxAttempts:   2,
		BackoffFactor: 1,
		Retryable:     retryable,
	}
}

// Retry executes fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes fn with exponential backoff retry and returns its result.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := cfg.InitialDelay
	attempts := max(cfg.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
			delay = CalculateBackoff(attempt+1, cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffFactor)
		} else if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	delay := float64(initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if maxDelay > 0 && delay > float64(maxDelay) {
			return maxDelay
		}
	}
	return time.Duration(delay)
}
