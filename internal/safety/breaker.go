// Package safety trips circuits on repeated reconnect or order failures.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"spot-connect/internal/alert"
	"spot-connect/internal/core"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultReconnectCooldown          = 30 * time.Second
	defaultReconnectHalfOpenSuccesses = 1
)

type circuit struct {
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

type Options struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	ReconnectCooldown    time.Duration
	ReconnectProbes      int
	Clock                clock.Clock
	Logger               *zap.Logger
	Alerter              alert.Alerter
}

// Breaker keeps one circuit per action. A nil or disabled Breaker allows
// everything.
type Breaker struct {
	enabled bool
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit

	reconnectCooldown          time.Duration
	reconnectHalfOpenSuccesses int

	alerter alert.Alerter
}

func NewBreaker(opts Options) *Breaker {
	if opts.ReconnectCooldown <= 0 {
		opts.ReconnectCooldown = defaultReconnectCooldown
	}
	if opts.ReconnectProbes < 1 {
		opts.ReconnectProbes = defaultReconnectHalfOpenSuccesses
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Breaker{
		enabled:                    opts.Enabled,
		clock:                      opts.Clock,
		logger:                     opts.Logger.Named("breaker"),
		place:                      circuit{maxFailures: opts.MaxPlaceFailures, state: circuitClosed},
		cancel:                     circuit{maxFailures: opts.MaxCancelFailures, state: circuitClosed},
		reconnect:                  circuit{maxFailures: opts.MaxReconnectFailures, state: circuitClosed},
		reconnectCooldown:          opts.ReconnectCooldown,
		reconnectHalfOpenSuccesses: opts.ReconnectProbes,
		alerter:                    opts.Alerter,
	}
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record("place order", &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record("cancel order", &b.cancel, err)
}

// RecordReconnect is fed nil when a connection reaches Live and the error
// otherwise.
func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record("reconnect", &b.reconnect, err)
}

// AllowReconnect fails while the reconnect circuit cools down. After the
// cooldown it moves the circuit to half-open and lets one attempt through.
func (b *Breaker) AllowReconnect() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.reconnect.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.clock.Since(b.reconnect.openedAt) < b.reconnectCooldown {
		err := b.reconnect.openErr
		if err == nil {
			err = fmt.Errorf("%w: reconnect circuit is open", ErrCircuitOpen)
		}
		b.mu.Unlock()
		return err
	}
	b.reconnect.state = circuitHalfOpen
	b.reconnect.halfOpenSuccess = 0
	b.reconnect.failures = 0
	b.reconnect.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()
	b.logger.Info("circuit_breaker_half_open",
		zap.String("action", "reconnect"),
		zap.Duration("cooldown", b.reconnectCooldown),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       "reconnect",
			"cooldown_sec": strconv.FormatInt(int64(b.reconnectCooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen {
		return 0
	}
	elapsed := b.clock.Since(b.reconnect.openedAt)
	if elapsed >= b.reconnectCooldown {
		return 0
	}
	return b.reconnectCooldown - elapsed
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.reconnectHalfOpenSuccesses || name != "reconnect" {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// Only the reconnect path probes; an open circuit stays open.
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit_breaker_recovered",
				zap.String("action", name),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if alerter != nil && prevState != circuitClosed {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	phase := "closed"
	failures := 1
	if c.state == circuitHalfOpen {
		phase = "half_open"
	} else {
		c.failures++
		failures = c.failures
		if failures < c.maxFailures {
			b.mu.Unlock()
			return nil
		}
	}
	openErr := b.tripLocked(name, c, err, failures)
	limit := c.maxFailures
	alerter := b.alerter
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		zap.String("action", name),
		zap.String("phase", phase),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", limit),
		zap.Error(err),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(name string, c *circuit, err error, failures int) error {
	c.state = circuitOpen
	c.openedAt = b.clock.Now()
	c.halfOpenSuccess = 0
	c.failures = failures
	if name == "reconnect" {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, last error: %v",
			ErrCircuitOpen, name, failures, b.reconnectCooldown, err)
	} else {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v", ErrCircuitOpen, name, failures, err)
	}
	return c.openErr
}

// OrderExecutor is the order surface of the request dispatcher.
type OrderExecutor interface {
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) error
}

// GuardedExecutor refuses order calls once their circuit is open.
type GuardedExecutor struct {
	inner   OrderExecutor
	breaker *Breaker
}

func NewGuardedExecutor(inner OrderExecutor, breaker *Breaker) *GuardedExecutor {
	return &GuardedExecutor{inner: inner, breaker: breaker}
}

func (e *GuardedExecutor) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := e.breaker.blocked(&e.breaker.place); err != nil {
		return core.Order{}, err
	}
	placed, err := e.inner.PlaceOrder(ctx, order)
	if trip := e.breaker.RecordPlace(orderFailure(err)); trip != nil {
		return placed, errors.Join(err, trip)
	}
	return placed, err
}

func (e *GuardedExecutor) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) error {
	if err := e.breaker.blocked(&e.breaker.cancel); err != nil {
		return err
	}
	err := e.inner.CancelOrder(ctx, symbol, orderID)
	if trip := e.breaker.RecordCancel(orderFailure(err)); trip != nil {
		return errors.Join(err, trip)
	}
	return err
}

// blocked returns the open error of c, if any.
func (b *Breaker) blocked(c *circuit) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.state == circuitOpen {
		return c.openErr
	}
	return nil
}

// orderFailure drops outcomes that say nothing about exchange health.
func orderFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrOrderNotFound), errors.Is(err, core.ErrInsufficientBalance):
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
