package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"spot-connect/internal/alert"
	"spot-connect/internal/core"
)

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, fields map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alertSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func newReconnectBreaker(mock *clock.Mock, maxFailures int, alerter alert.Alerter) *Breaker {
	return NewBreaker(Options{
		Enabled:              true,
		MaxPlaceFailures:     2,
		MaxCancelFailures:    2,
		MaxReconnectFailures: maxFailures,
		ReconnectCooldown:    2 * time.Minute,
		ReconnectProbes:      1,
		Clock:                mock,
		Alerter:              alerter,
	})
}

func TestBreakerReconnectHalfOpenRecovery(t *testing.T) {
	mock := clock.NewMock()
	spy := &alertSpy{}
	b := newReconnectBreaker(mock, 2, spy)

	if err := b.RecordReconnect(errors.New("dial failed 1")); err != nil {
		t.Fatalf("RecordReconnect(first) error = %v, want nil", err)
	}
	tripErr := b.RecordReconnect(errors.New("dial failed 2"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(second) error = %v, want ErrCircuitOpen", tripErr)
	}
	if !spy.has("circuit_breaker_trip") {
		t.Fatalf("trip alert not sent")
	}

	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() error = %v, want ErrCircuitOpen while cooling down", err)
	}
	if rem := b.ReconnectCooldownRemaining(); rem != 2*time.Minute {
		t.Fatalf("ReconnectCooldownRemaining() = %s, want 2m", rem)
	}

	mock.Add(2 * time.Minute)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect(after cooldown) error = %v, want nil", err)
	}
	if err := b.RecordReconnect(nil); err != nil {
		t.Fatalf("RecordReconnect(success probe) error = %v, want nil", err)
	}
	if rem := b.ReconnectCooldownRemaining(); rem != 0 {
		t.Fatalf("ReconnectCooldownRemaining() = %s, want 0 after recovery", rem)
	}
	if !spy.has("circuit_breaker_recovered") {
		t.Fatalf("recovery alert not sent")
	}
}

func TestBreakerReconnectHalfOpenFailureReopens(t *testing.T) {
	mock := clock.NewMock()
	b := newReconnectBreaker(mock, 1, nil)

	if err := b.RecordReconnect(errors.New("dial failed")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(trip) error = %v, want ErrCircuitOpen", err)
	}

	mock.Add(3 * time.Minute)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect(after cooldown) error = %v, want nil", err)
	}
	if err := b.RecordReconnect(errors.New("probe failed")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(half-open failure) error = %v, want ErrCircuitOpen", err)
	}
	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() error = %v, want ErrCircuitOpen after re-open", err)
	}
}

func TestDisabledBreakerAllowsEverything(t *testing.T) {
	b := NewBreaker(Options{MaxReconnectFailures: 1})
	if err := b.RecordReconnect(errors.New("x")); err != nil {
		t.Fatalf("RecordReconnect() error = %v, want nil", err)
	}
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect() error = %v, want nil", err)
	}
	var nilBreaker *Breaker
	if err := nilBreaker.AllowReconnect(); err != nil {
		t.Fatalf("nil AllowReconnect() error = %v", err)
	}
}

type fakeExecutor struct {
	placeErr error
	calls    int
}

func (f *fakeExecutor) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	f.calls++
	return order, f.placeErr
}

func (f *fakeExecutor) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) error {
	f.calls++
	return nil
}

func TestGuardedExecutorStopsAfterRepeatedFailures(t *testing.T) {
	inner := &fakeExecutor{placeErr: errors.Join(errors.New("503"), core.ErrTransient)}
	g := NewGuardedExecutor(inner, newReconnectBreaker(clock.NewMock(), 3, nil))
	order := core.Order{Symbol: "BTCUSDT", Side: core.Buy, Type: core.Market, Qty: decimal.NewFromInt(1)}

	if _, err := g.PlaceOrder(context.Background(), order); errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("first failure tripped the circuit: %v", err)
	}
	if _, err := g.PlaceOrder(context.Background(), order); !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, core.ErrTransient) {
		t.Fatalf("second failure error = %v, want ErrCircuitOpen joined with cause", err)
	}
	if _, err := g.PlaceOrder(context.Background(), order); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit error = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
	if err := g.CancelOrder(context.Background(), "BTCUSDT", "1"); err != nil {
		t.Fatalf("CancelOrder() error = %v, cancel circuit is separate", err)
	}
}

func TestGuardedExecutorIgnoresBusinessRejections(t *testing.T) {
	inner := &fakeExecutor{placeErr: errors.Join(errors.New("-2010"), core.ErrInsufficientBalance)}
	g := NewGuardedExecutor(inner, newReconnectBreaker(clock.NewMock(), 3, nil))
	for i := 0; i < 5; i++ {
		if _, err := g.PlaceOrder(context.Background(), core.Order{Symbol: "BTCUSDT"}); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("insufficient balance tripped the circuit")
		}
	}
}
