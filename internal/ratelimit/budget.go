// Package ratelimit holds the request-weight token bucket used by the
// dispatcher. Refill is computed lazily from the injected clock on every
// call, so no background goroutine is needed.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"spot-connect/internal/core"
)

type Policy string

const (
	// PolicyFail rejects a request as soon as the bucket lacks tokens.
	PolicyFail Policy = "fail"
	// PolicyWait blocks for refill up to MaxWait.
	PolicyWait Policy = "wait"
)

type Options struct {
	Capacity        int
	RefillPerSecond float64
	Policy          Policy
	MaxWait         time.Duration
	Clock           clock.Clock
}

// Budget is a token bucket. It is safe for concurrent use; every token is
// spent at most once.
type Budget struct {
	limiter  *rate.Limiter
	clock    clock.Clock
	policy   Policy
	maxWait  time.Duration
	capacity int

	// mu orders clock reads with limiter calls. last keeps the time handed
	// to the limiter from moving backwards, which would re-credit tokens.
	mu   sync.Mutex
	last time.Time
}

func New(opts Options) (*Budget, error) {
	if opts.Capacity < 1 {
		return nil, fmt.Errorf("rate limit capacity must be >= 1")
	}
	if opts.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("rate limit refill_per_sec must be > 0")
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyFail
	}
	if policy != PolicyFail && policy != PolicyWait {
		return nil, fmt.Errorf("rate limit policy must be fail or wait")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Budget{
		limiter:  rate.NewLimiter(rate.Limit(opts.RefillPerSecond), opts.Capacity),
		clock:    clk,
		policy:   policy,
		maxWait:  opts.MaxWait,
		capacity: opts.Capacity,
	}, nil
}

// Acquire consumes n tokens, waiting for refill when the policy allows it.
func (b *Budget) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fmt.Errorf("request weight %d exceeds bucket capacity %d: %w", n, b.capacity, core.ErrRateLimited)
	}
	if b.policy == PolicyFail {
		b.mu.Lock()
		now := b.nowLocked()
		ok := b.limiter.AllowN(now, n)
		have := b.limiter.TokensAt(now)
		b.mu.Unlock()
		if !ok {
			return fmt.Errorf("need %d tokens, have %.2f: %w", n, have, core.ErrRateLimited)
		}
		return nil
	}

	b.mu.Lock()
	now := b.nowLocked()
	r := b.limiter.ReserveN(now, n)
	b.mu.Unlock()
	if !r.OK() {
		return fmt.Errorf("reserve %d tokens: %w", n, core.ErrRateLimited)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if delay > b.maxWait {
		b.cancel(r)
		return fmt.Errorf("refill wait %s exceeds max %s: %w", delay, b.maxWait, core.ErrRateLimited)
	}
	timer := b.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		b.cancel(r)
		return ctx.Err()
	}
}

func (b *Budget) cancel(r *rate.Reservation) {
	b.mu.Lock()
	r.CancelAt(b.nowLocked())
	b.mu.Unlock()
}

func (b *Budget) nowLocked() time.Time {
	now := b.clock.Now()
	if now.Before(b.last) {
		return b.last
	}
	b.last = now
	return now
}

// Tokens reports the tokens currently available.
func (b *Budget) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.TokensAt(b.nowLocked())
}

func (b *Budget) Capacity() int { return b.capacity }

func (b *Budget) Policy() Policy { return b.policy }
