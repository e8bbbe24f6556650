// Package backoff computes reconnect delays.
//
// Delays grow as base*2^attempt, are capped at max, and carry a symmetric
// jitter of ±jitter*delay. The result never exceeds max.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is a pure delay schedule. The random source is injected so the
// schedule can be tested without real time or real randomness.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

func New(base, max time.Duration, jitter float64) Policy {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return Policy{Base: base, Max: max, Jitter: jitter}
}

// NewDefault returns 1s base, 30s cap, ±20% jitter.
func NewDefault() Policy {
	return New(time.Second, 30*time.Second, 0.2)
}

// NextDelay returns the wait before reconnect attempt number attempt (0-based).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Max
	// Past 62 shifts the multiplier overflows; the cap applies long before that.
	if attempt < 62 {
		multiplier := int64(1) << attempt
		if p.Base > 0 && int64(p.Max/p.Base) >= multiplier {
			delay = p.Base * time.Duration(multiplier)
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		factor := 1.0 + (rnd()*2-1)*p.Jitter
		delay = time.Duration(float64(delay) * factor)
	}
	if delay > p.Max {
		delay = p.Max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Backoff tracks the attempt counter for a Policy.
type Backoff struct {
	policy  Policy
	attempt int
}

func (p Policy) Start() *Backoff {
	return &Backoff{policy: p}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.policy.NextDelay(b.attempt)
	b.attempt++
	return d
}

// Reset is called after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempt() int {
	return b.attempt
}
