package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponentially growing, capped, optionally jittered delays:
//
//	delay = min(Base * 2^retries, Max) * (1 ± Jitter)
//
// A zero Jitter makes the delay deterministic.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a float in [0, 1); nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the default backoff policy for unresolved descriptors.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Minute,
		Max:    24 * time.Hour,
		Jitter: 0.2,
	}
}

// Delay returns the wait before the next attempt after retries failed attempts.
func (b Backoff) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(retries))
	if delay > float64(b.Max) || math.IsInf(delay, 1) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		// Uniform in [1-Jitter, 1+Jitter).
		delay *= 1 - b.Jitter + 2*b.Jitter*r()
	}
	return time.Duration(delay)
}

// Next returns the time at which an attempt becomes eligible again.
func (b Backoff) Next(now time.Time, retries int) time.Time {
	return now.Add(b.Delay(retries))
}

// Bounds returns the smallest and largest delay Delay can produce for retries.
func (b Backoff) Bounds(retries int) (time.Duration, time.Duration) {
	exact := Backoff{Base: b.Base, Max: b.Max}.Delay(retries)
	spread := time.Duration(float64(exact) * b.Jitter)
	return exact - spread, exact + spread
}
