package resilience

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_DeterministicWithoutJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, time.Minute, b.Delay(6))
	assert.Equal(t, time.Minute, b.Delay(500))
}

func TestBackoff_NextAddsDelay(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := Backoff{Base: time.Second, Max: time.Minute}

	assert.Equal(t, now.Add(8*time.Second), b.Next(now, 3))
}

func TestBackoff_JitterUsesRandSource(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5}

	b.Rand = func() float64 { return 0 }
	assert.Equal(t, 4*time.Second, b.Delay(3))

	b.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 8*time.Second, b.Delay(3))
}

// Property: a jittered delay always stays inside the bounds around the capped exponential delay.
func TestProperty_BackoffWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("jittered delay within bounds", prop.ForAll(
		func(retries int, jitter float64, r float64) bool {
			b := Backoff{Base: time.Second, Max: time.Minute, Jitter: jitter, Rand: func() float64 { return r }}
			lo, hi := b.Bounds(retries)
			d := b.Delay(retries)
			// Allow a nanosecond of float truncation at either end.
			return d >= lo-1 && d <= hi+1
		},
		gen.IntRange(0, 40),
		gen.Float64Range(0, 0.9),
		gen.Float64Range(0, 0.999),
	))

	properties.Property("delay never decreases with retries when jitter is off", prop.ForAll(
		func(retries int) bool {
			b := Backoff{Base: 250 * time.Millisecond, Max: 10 * time.Minute}
			return b.Delay(retries+1) >= b.Delay(retries)
		},
		gen.IntRange(0, 80),
	))

	properties.TestingRun(t)
}
