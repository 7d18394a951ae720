package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errRetry = errors.New("retry me")

func TestRetryOnce_RetriesMatchingErrorOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryOnce(func(err error) bool { return errors.Is(err, errRetry) }),
		func(context.Context) error {
			calls++
			return errRetry
		})
	assert.ErrorIs(t, err, errRetry)
	assert.Equal(t, 2, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	other := errors.New("fatal")
	err := Retry(context.Background(), RetryOnce(func(err error) bool { return errors.Is(err, errRetry) }),
		func(context.Context) error {
			calls++
			return other
		})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult_SucceedsAfterFailure(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	v, err := RetryWithResult(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errRetry
		}
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, CalculateBackoff(0, time.Second, time.Minute, 2))
	assert.Equal(t, 8*time.Second, CalculateBackoff(3, time.Second, time.Minute, 2))
	assert.Equal(t, time.Minute, CalculateBackoff(10, time.Second, time.Minute, 2))
}
