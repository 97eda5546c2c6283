// Package backoff provides retry delay strategies for reconnect loops and
// publish retries. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential grows the delay by Factor each attempt, capped at Max.
// Delay = min(Base * Factor^(attempt-1), Max).
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the capped exponential delay for the attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	d := time.Duration(float64(e.Base) * math.Pow(factor, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// Jittered draws a random delay in [0, inner.Delay(attempt)] to avoid
// thundering herds when many clients reconnect at once.
type Jittered struct {
	Inner Strategy
}

// Delay returns a random duration up to the inner strategy's delay.
func (j Jittered) Delay(attempt int) time.Duration {
	base := j.Inner.Delay(attempt)
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// DefaultReconnect is the reconnect policy used by the connection manager:
// 500ms base, doubling, capped at 30s.
func DefaultReconnect() Strategy {
	return Exponential{Base: 500 * time.Millisecond, Factor: 2, Max: 30 * time.Second}
}
