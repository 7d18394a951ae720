package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBoom     = errors.New("boom")
	errNotThere = errors.New("not there")
)

func call(cb *CircuitBreaker, err error) error {
	_, got := ExecuteWithResult(cb, context.Background(), func(context.Context) (int, error) {
		return 1, err
	})
	return got
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("openfigi", CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		Now:              func() time.Time { return now },
	})

	require.ErrorIs(t, call(cb, errBoom), errBoom)
	require.ErrorIs(t, call(cb, errBoom), errBoom)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, call(cb, nil), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, call(cb, nil))
	assert.Equal(t, CircuitClosed, cb.State())

	stats := cb.Stats()
	assert.EqualValues(t, 1, stats.TotalRejected)
	assert.EqualValues(t, 2, stats.TotalFailures)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("reference", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, errNotThere) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, call(cb, errNotThere), errNotThere)
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_AbandonsOnContextDone(t *testing.T) {
	cb := NewCircuitBreaker("slow", CircuitBreakerConfig{FailureThreshold: 10, Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := ExecuteWithResult(cb, ctx, func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, cb.Stats().TotalTimeouts)
}

func TestRegistry_ReusesBreakers(t *testing.T) {
	r := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	a := r.Get("kite")
	assert.Same(t, a, r.Get("kite"))
	r.Get("openfigi")

	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "kite", stats[0].Name)
	assert.True(t, r.Reset("kite"))
	assert.False(t, r.Reset("missing"))
}
