// Package connector assembles the request dispatcher, stream session and
// book reconciler for one exchange account and runs them as a unit.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spot-connect/internal/alert"
	"spot-connect/internal/backoff"
	"spot-connect/internal/book"
	"spot-connect/internal/config"
	"spot-connect/internal/core"
	"spot-connect/internal/exchange/binance"
	"spot-connect/internal/metrics"
	"spot-connect/internal/safety"
	"spot-connect/internal/stream"
)

// degradedAfter is the number of consecutive failed connections before an
// outage alert is sent.
const degradedAfter = 3

type Options struct {
	Config  config.Config
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Transport replaces the websocket transport, mostly for tests.
	Transport stream.Transport
	// Notifier replaces the Telegram notifier built from config.
	Notifier alert.Notifier
}

type Connector struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	client     *binance.Client
	session    *stream.Session
	reconciler *book.Reconciler
	orders     *safety.GuardedExecutor
	alerts     *alert.Manager
	watcher    *alert.LifecycleWatcher

	lifecycle chan core.LifecycleEvent

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func New(opts Options) (*Connector, error) {
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	logger := opts.Logger

	client, err := binance.NewClient(cfg, opts.Clock, logger, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	notifier := opts.Notifier
	if notifier == nil && cfg.Observability.Telegram.Enabled {
		tg := cfg.Observability.Telegram
		notifier = alert.NewTelegramNotifier(alert.TelegramOptions{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
			BaseURL:  tg.APIBaseURL,
			Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
		})
	}
	alerts := alert.NewManager(alert.ManagerOptions{
		Mode:     string(cfg.Mode),
		Symbols:  cfg.Symbols,
		Notifier: notifier,
		Clock:    opts.Clock,
		Logger:   logger,
	})
	var (
		alerter     alert.Alerter
		transitions alert.TransitionAlerter
	)
	if alerts != nil {
		alerter, transitions = alerts, alerts
	}

	cb := cfg.CircuitBreaker
	breaker := safety.NewBreaker(safety.Options{
		Enabled:              cb.Enabled,
		MaxPlaceFailures:     cb.MaxPlaceFailures,
		MaxCancelFailures:    cb.MaxCancelFailures,
		MaxReconnectFailures: cb.MaxReconnectFailures,
		ReconnectCooldown:    time.Duration(cb.ReconnectCooldownSec) * time.Second,
		ReconnectProbes:      cb.ReconnectProbePasses,
		Clock:                opts.Clock,
		Logger:               logger,
		Alerter:              alerter,
	})
	var gate stream.ReconnectGate
	if cb.Enabled {
		gate = breaker
	}

	transport := opts.Transport
	if transport == nil {
		transport = binance.NewWSTransport(time.Duration(cfg.Stream.HandshakeTimeoutSec) * time.Second)
	}
	session, err := stream.NewSession(stream.Options{
		URL:       cfg.Exchange.StreamURL,
		Transport: transport,
		Codec:     binance.NewStreamCodec(cfg.Stream.UpdateSpeed),
		Heartbeat: time.Duration(cfg.Stream.HeartbeatSec) * time.Second,
		Backoff: backoff.New(
			time.Duration(cfg.Stream.BackoffBaseMs)*time.Millisecond,
			time.Duration(cfg.Stream.BackoffMaxMs)*time.Millisecond,
			cfg.Stream.BackoffJitter,
		),
		Gate:            gate,
		EventBuffer:     cfg.Stream.EventBuffer,
		LifecycleBuffer: cfg.Stream.LifecycleBuffer,
		Clock:           opts.Clock,
		Logger:          logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build stream session: %w", err)
	}
	for _, raw := range cfg.Symbols {
		sym, err := core.ParseSymbol(raw)
		if err != nil {
			return nil, err
		}
		if err := session.Subscribe(sym); err != nil {
			return nil, err
		}
	}

	reconciler := book.NewReconciler(book.Options{
		Fetcher:       client,
		Reporter:      session,
		SnapshotDepth: cfg.Book.SnapshotDepth,
		BufferLimit:   cfg.Book.BufferLimit,
		Clock:         opts.Clock,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})

	lifecycleBuffer := cfg.Stream.LifecycleBuffer
	if lifecycleBuffer < 1 {
		lifecycleBuffer = 64
	}
	return &Connector{
		cfg:        cfg,
		logger:     logger.Named("connector"),
		metrics:    opts.Metrics,
		client:     client,
		session:    session,
		reconciler: reconciler,
		orders:     safety.NewGuardedExecutor(client, breaker),
		alerts:     alerts,
		watcher:    alert.NewLifecycleWatcher(transitions, degradedAfter),
		lifecycle:  make(chan core.LifecycleEvent, lifecycleBuffer),
		done:       make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled, Shutdown is called, or a component
// fails with an unrecoverable error such as rejected credentials.
func (c *Connector) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("connector already running")
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	c.logger.Info("connector_started",
		zap.String("mode", string(c.cfg.Mode)),
		zap.Stringers("symbols", c.session.Symbols()),
		zap.String("session", c.session.ID()),
		zap.Bool("signed", c.client.HasCredentials()),
	)

	g, gctx := errgroup.WithContext(ctx)
	sessionDone := make(chan struct{})
	g.Go(func() error {
		defer close(sessionDone)
		return c.session.Run(gctx)
	})
	g.Go(func() error {
		return c.reconciler.Run(gctx, c.session.Events())
	})
	g.Go(func() error {
		c.forwardLifecycle(gctx, sessionDone)
		return nil
	})
	err := g.Wait()
	if err != nil {
		c.logger.Error("connector_stopped", zap.Error(err))
	} else {
		c.logger.Info("connector_stopped")
	}
	return err
}

// forwardLifecycle feeds session transitions to the alert watcher and to
// Lifecycle subscribers. It drains what the session left behind once the
// session has stopped.
func (c *Connector) forwardLifecycle(ctx context.Context, sessionDone <-chan struct{}) {
	defer close(c.lifecycle)
	source := c.session.Lifecycle()
	for {
		select {
		case ev := <-source:
			c.deliver(ev)
		case <-sessionDone:
			for {
				select {
				case ev := <-source:
					c.deliver(ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) deliver(ev core.LifecycleEvent) {
	c.watcher.Observe(ev)
	select {
	case c.lifecycle <- ev:
	default:
		c.metrics.LifecycleDropped.Inc()
	}
}

// Shutdown stops the session, waits for Run to return, and flushes queued
// alerts.
func (c *Connector) Shutdown(ctx context.Context) error {
	err := c.session.Shutdown(ctx)
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running && err == nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if alertErr := c.alerts.Close(ctx); alertErr != nil && err == nil {
		err = alertErr
	}
	return err
}

// Lifecycle delivers connection state transitions. It is closed when Run
// returns. Events are dropped when the consumer falls behind.
func (c *Connector) Lifecycle() <-chan core.LifecycleEvent { return c.lifecycle }

func (c *Connector) SessionID() string { return c.session.ID() }

func (c *Connector) ConnectionState() core.ConnectionState { return c.session.ConnectionState() }

func (c *Connector) Subscribe(raw string) error {
	sym, err := core.ParseSymbol(raw)
	if err != nil {
		return err
	}
	return c.session.Subscribe(sym)
}

func (c *Connector) Unsubscribe(raw string) error {
	sym, err := core.ParseSymbol(raw)
	if err != nil {
		return err
	}
	return c.session.Unsubscribe(sym)
}

func (c *Connector) Symbols() []core.Symbol { return c.session.Symbols() }

func (c *Connector) SyncStatus() map[core.Symbol]bool { return c.reconciler.SyncStatus() }

func (c *Connector) BestBidAsk(symbol core.Symbol) (bid, ask core.PriceLevel, err error) {
	return c.reconciler.BestBidAsk(symbol)
}

func (c *Connector) Depth(symbol core.Symbol, limit int) (core.OrderBookSnapshot, error) {
	return c.reconciler.Depth(symbol, limit)
}

// PlaceOrder and CancelOrder go through the order circuit breaker.
func (c *Connector) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	return c.orders.PlaceOrder(ctx, order)
}

func (c *Connector) CancelOrder(ctx context.Context, symbol core.Symbol, orderID string) error {
	return c.orders.CancelOrder(ctx, symbol, orderID)
}

func (c *Connector) OpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	return c.client.OpenOrders(ctx, symbol)
}
