package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-connect/internal/core"
)

func newBudget(t *testing.T, mock *clock.Mock, capacity int, policy Policy, maxWait time.Duration) *Budget {
	t.Helper()
	b, err := New(Options{
		Capacity:        capacity,
		RefillPerSecond: 1,
		Policy:          policy,
		MaxWait:         maxWait,
		Clock:           mock,
	})
	require.NoError(t, err)
	return b
}

func TestAcquireFailFastNeverExceedsCapacity(t *testing.T) {
	mock := clock.NewMock()
	b := newBudget(t, mock, 5, PolicyFail, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Acquire(context.Background(), 1), "call %d", i+1)
	}
	for i := 5; i < 12; i++ {
		err := b.Acquire(context.Background(), 1)
		require.ErrorIs(t, err, core.ErrRateLimited, "call %d", i+1)
	}

	mock.Add(2 * time.Second)
	require.NoError(t, b.Acquire(context.Background(), 2))
	require.ErrorIs(t, b.Acquire(context.Background(), 1), core.ErrRateLimited)
}

func TestAcquireConcurrentSpendIsExact(t *testing.T) {
	mock := clock.NewMock()
	b := newBudget(t, mock, 20, PolicyFail, 0)

	var ok, limited int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Acquire(context.Background(), 1)
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, core.ErrRateLimited):
				atomic.AddInt64(&limited, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 20, ok)
	assert.EqualValues(t, 180, limited)
}

func TestAcquireRejectsWeightAboveCapacity(t *testing.T) {
	b := newBudget(t, clock.NewMock(), 5, PolicyWait, time.Minute)
	require.ErrorIs(t, b.Acquire(context.Background(), 6), core.ErrRateLimited)
}

func TestAcquireWaitBlocksUntilRefill(t *testing.T) {
	mock := clock.NewMock()
	b := newBudget(t, mock, 2, PolicyWait, 5*time.Second)
	require.NoError(t, b.Acquire(context.Background(), 2))

	done := make(chan error, 1)
	go func() { done <- b.Acquire(context.Background(), 1) }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-deadline:
			t.Fatalf("Acquire() did not return after refill")
		case <-time.After(5 * time.Millisecond):
			mock.Add(100 * time.Millisecond)
		}
	}
}

func TestAcquireWaitBeyondMaxFailsFast(t *testing.T) {
	mock := clock.NewMock()
	b := newBudget(t, mock, 2, PolicyWait, 500*time.Millisecond)
	require.NoError(t, b.Acquire(context.Background(), 2))

	err := b.Acquire(context.Background(), 2)
	require.ErrorIs(t, err, core.ErrRateLimited)

	// The cancelled reservation gives its tokens back.
	mock.Add(2 * time.Second)
	require.NoError(t, b.Acquire(context.Background(), 2))
}

func TestAcquireWaitCancelled(t *testing.T) {
	mock := clock.NewMock()
	b := newBudget(t, mock, 1, PolicyWait, time.Minute)
	require.NoError(t, b.Acquire(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx, 1) }()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("Acquire() ignored cancellation")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Capacity: 0, RefillPerSecond: 1})
	assert.Error(t, err)
	_, err = New(Options{Capacity: 1, RefillPerSecond: 0})
	assert.Error(t, err)
	_, err = New(Options{Capacity: 1, RefillPerSecond: 1, Policy: "sometimes"})
	assert.Error(t, err)
}

// skewClock lags the mock by back, like a caller that read the time before
// another goroutine did.
type skewClock struct {
	*clock.Mock
	mu   sync.Mutex
	back time.Duration
}

func (c *skewClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Mock.Now().Add(-c.back)
}

func (c *skewClock) lag(d time.Duration) {
	c.mu.Lock()
	c.back = d
	c.mu.Unlock()
}

func TestAcquireStaleTimestampDoesNotRecredit(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(10 * time.Second)
	skew := &skewClock{Mock: mock}
	b, err := New(Options{Capacity: 5, RefillPerSecond: 1, Policy: PolicyFail, Clock: skew})
	require.NoError(t, err)

	require.NoError(t, b.Acquire(context.Background(), 5))

	skew.lag(3 * time.Second)
	require.ErrorIs(t, b.Acquire(context.Background(), 1), core.ErrRateLimited)

	// No time has passed since the bucket was drained.
	skew.lag(0)
	require.ErrorIs(t, b.Acquire(context.Background(), 1), core.ErrRateLimited)
	assert.InDelta(t, 0.0, b.Tokens(), 1e-9)

	mock.Add(time.Second)
	require.NoError(t, b.Acquire(context.Background(), 1))
}
