package core

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the delay before retry attempt n (1-indexed).
// Strategies are stateless and safe for concurrent use.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff always returns the same delay.
type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(_ int) time.Duration { return c.Interval }

// ExponentialBackoff doubles the delay each attempt:
// Delay = min(Base * 2^(attempt-1), Cap).
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// JitteredBackoff applies full jitter to an exponential base so simultaneous
// failures do not retry in lockstep. The delay is a random value in
// [Base, min(Base * 2^(attempt-1), Cap)], keeping the curve monotone in its
// lower bound.
type JitteredBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (j JitteredBackoff) Delay(attempt int) time.Duration {
	upper := ExponentialBackoff{Base: j.Base, Cap: j.Cap}.Delay(attempt)
	if upper <= j.Base {
		return upper
	}
	span := upper - j.Base
	return j.Base + time.Duration(rand.Int64N(int64(span))) //nolint:gosec // jitter does not need crypto rand
}

// DefaultBackoff is the engine default: exponential, 10s base, 10m cap.
func DefaultBackoff() BackoffStrategy {
	return ExponentialBackoff{Base: 10 * time.Second, Cap: 10 * time.Minute}
}
