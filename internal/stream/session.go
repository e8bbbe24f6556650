// Package stream owns one logical market-data connection: it dials,
// subscribes, watches liveness, reconnects with backoff, and hands diff
// events to the book reconciler over a bounded channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spot-connect/internal/backoff"
	"spot-connect/internal/core"
	"spot-connect/internal/metrics"
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// minGateWait bounds how often a closed gate is polled.
const minGateWait = time.Second

// ReconnectGate can hold off dialing after repeated connection failures.
// RecordReconnect receives nil once a connection reaches Live.
type ReconnectGate interface {
	AllowReconnect() error
	ReconnectCooldownRemaining() time.Duration
	RecordReconnect(err error) error
}

type Options struct {
	URL             string
	Transport       Transport
	Codec           Codec
	Heartbeat       time.Duration
	Backoff         backoff.Policy
	Gate            ReconnectGate
	EventBuffer     int
	LifecycleBuffer int
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type Session struct {
	id        string
	url       string
	transport Transport
	codec     Codec
	heartbeat time.Duration
	gate      ReconnectGate
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	events    chan Event
	lifecycle chan core.LifecycleEvent
	wake      chan struct{}
	done      chan struct{}
	state     atomic.Int32

	mu      sync.Mutex
	desired map[core.Symbol]struct{}
	syncGen uint64
	synced  bool
	cancel  context.CancelFunc
	started bool
	stopped bool

	// Owned by the Run goroutine.
	generation uint64
	subscribed map[core.Symbol]struct{}
	requestID  int64
	retry      *backoff.Backoff
}

type frameResult struct {
	frame Frame
	err   error
}

func NewSession(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("stream url required")
	}
	if opts.Transport == nil || opts.Codec == nil {
		return nil, errors.New("stream transport and codec required")
	}
	if opts.Heartbeat <= 0 {
		return nil, errors.New("stream heartbeat must be > 0")
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff = backoff.NewDefault()
	}
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 1024
	}
	if opts.LifecycleBuffer < 1 {
		opts.LifecycleBuffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		url:       opts.URL,
		transport: opts.Transport,
		codec:     opts.Codec,
		heartbeat: opts.Heartbeat,
		gate:      opts.Gate,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("stream").With(zap.String("session", id)),
		metrics:   opts.Metrics,
		events:    make(chan Event, opts.EventBuffer),
		lifecycle: make(chan core.LifecycleEvent, opts.LifecycleBuffer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		desired:   make(map[core.Symbol]struct{}),
		retry:     opts.Backoff.Start(),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Events delivers reset, membership and diff events in wire order. It is
// closed when Run returns.
func (s *Session) Events() <-chan Event { return s.events }

// Lifecycle delivers one event per state transition. Events are dropped, and
// counted, when the consumer falls behind.
func (s *Session) Lifecycle() <-chan core.LifecycleEvent { return s.lifecycle }

func (s *Session) ConnectionState() core.ConnectionState {
	return core.ConnectionState(s.state.Load())
}

// Subscribe adds symbol to the desired set. The set survives reconnects.
func (s *Session) Subscribe(symbol core.Symbol) error {
	if symbol == "" {
		return errors.New("symbol required")
	}
	s.mu.Lock()
	s.desired[symbol] = struct{}{}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) Unsubscribe(symbol core.Symbol) error {
	if symbol == "" {
		return errors.New("symbol required")
	}
	s.mu.Lock()
	delete(s.desired, symbol)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Symbols returns the desired set in sorted order.
func (s *Session) Symbols() []core.Symbol {
	s.mu.Lock()
	out := make([]core.Symbol, 0, len(s.desired))
	for sym := range s.desired {
		out = append(out, sym)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReportSync is called by the reconciler when every tracked book of stream
// generation gen becomes synced, or stops being synced.
func (s *Session) ReportSync(gen uint64, synced bool) {
	s.mu.Lock()
	s.syncGen = gen
	s.synced = synced
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled or Shutdown is called.
// It returns nil on shutdown and an error wrapping core.ErrUnauthorized when
// the exchange rejects the connection.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		close(s.events)
		close(s.done)
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	defer close(s.events)
	defer cancel()

	for {
		if s.gate != nil {
			if err := s.gate.AllowReconnect(); err != nil {
				delay := s.gate.ReconnectCooldownRemaining()
				if delay < minGateWait {
					delay = minGateWait
				}
				s.transition(core.Backoff, "circuit open", err, s.retry.Attempt(), delay)
				if !s.sleep(ctx, delay) {
					s.transition(core.Disconnected, "shutdown", nil, 0, 0)
					return nil
				}
				continue
			}
		}
		gen := s.generation
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			s.transition(core.Disconnected, "shutdown", nil, 0, 0)
			return nil
		}
		if s.generation != gen {
			if err := s.emit(ctx, Event{Kind: EventDisconnect, Generation: s.generation}); err != nil {
				s.transition(core.Disconnected, "shutdown", nil, 0, 0)
				return nil
			}
		}
		if s.gate != nil {
			if trip := s.gate.RecordReconnect(err); trip != nil {
				s.logger.Warn("stream_reconnect_gate_closed", zap.Error(trip))
			}
		}
		if errors.Is(err, core.ErrUnauthorized) {
			s.transition(core.Disconnected, "unauthorized", err, 0, 0)
			return err
		}
		delay := s.retry.Next()
		s.metrics.Reconnects.Inc()
		s.transition(core.Backoff, reasonOf(err), err, s.retry.Attempt(), delay)
		if !s.sleep(ctx, delay) {
			s.transition(core.Disconnected, "shutdown", nil, 0, 0)
			return nil
		}
	}
}

// sleep waits for d on the session clock. It reports false if ctx ended first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops Run and waits for it to release the connection.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancel, started := s.cancel, s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) runConnection(ctx context.Context) error {
	s.transition(core.Connecting, "dial", nil, s.retry.Attempt(), 0)
	conn, err := s.transport.Open(ctx, s.url)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.url, err)
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	frames := make(chan frameResult)
	readerDone := make(chan struct{})
	go s.readLoop(connCtx, conn, frames, readerDone)
	defer func() {
		cancelConn()
		if err := conn.Close(); err != nil {
			s.logger.Debug("stream_close_failed", zap.Error(err))
		}
		<-readerDone
	}()

	s.generation++
	s.subscribed = make(map[core.Symbol]struct{})
	symbols := s.Symbols()
	if err := s.sendSubscription(ctx, conn, symbols, true); err != nil {
		return err
	}
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}
	if err := s.emit(ctx, Event{Kind: EventReset, Generation: s.generation, Symbols: symbols}); err != nil {
		return err
	}
	s.transition(core.Syncing, "subscribed", nil, s.retry.Attempt(), 0)
	s.applySync()

	hb := s.clock.Timer(s.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hb.C:
			return fmt.Errorf("no message within %s: %w", s.heartbeat, errHeartbeatTimeout)
		case r := <-frames:
			if r.err != nil {
				return fmt.Errorf("receive: %w", r.err)
			}
			hb.Reset(s.heartbeat)
			if err := s.handleFrame(ctx, r.frame); err != nil {
				return err
			}
		case <-s.wake:
			if err := s.reconcileSubscriptions(ctx, conn); err != nil {
				return err
			}
			s.applySync()
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, out chan<- frameResult, done chan<- struct{}) {
	defer close(done)
	for {
		frame, err := conn.Receive(ctx)
		select {
		case out <- frameResult{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame Frame) error {
	if frame.Ping {
		s.metrics.StreamMessages.WithLabelValues(core.MessageHeartbeat.String()).Inc()
		return nil
	}
	msg, err := s.codec.Decode(frame.Data)
	if err != nil {
		s.metrics.InvalidMessages.Inc()
		s.logger.Warn("stream_message_dropped", zap.Int("bytes", len(frame.Data)), zap.Error(err))
		return nil
	}
	s.metrics.StreamMessages.WithLabelValues(msg.Kind.String()).Inc()
	switch msg.Kind {
	case core.MessageDiff:
		if _, ok := s.subscribed[msg.Diff.Symbol]; !ok {
			return nil
		}
		return s.emit(ctx, Event{Kind: EventDiff, Generation: s.generation, Diff: msg.Diff})
	case core.MessageAck:
		s.logger.Debug("stream_request_acked", zap.Int64("id", msg.RequestID))
	case core.MessageError:
		s.logger.Warn("stream_request_rejected", zap.Int64("id", msg.RequestID), zap.Error(msg.Err))
	}
	return nil
}

// reconcileSubscriptions brings the live subscription set in line with the
// desired set after Subscribe or Unsubscribe.
func (s *Session) reconcileSubscriptions(ctx context.Context, conn Conn) error {
	desired := s.Symbols()
	want := make(map[core.Symbol]struct{}, len(desired))
	var added, removed []core.Symbol
	for _, sym := range desired {
		want[sym] = struct{}{}
		if _, ok := s.subscribed[sym]; !ok {
			added = append(added, sym)
		}
	}
	for sym := range s.subscribed {
		if _, ok := want[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	if len(added) > 0 {
		if err := s.sendSubscription(ctx, conn, added, true); err != nil {
			return err
		}
		for _, sym := range added {
			s.subscribed[sym] = struct{}{}
		}
		if err := s.emit(ctx, Event{Kind: EventAdd, Generation: s.generation, Symbols: added}); err != nil {
			return err
		}
	}
	if len(removed) > 0 {
		if err := s.sendSubscription(ctx, conn, removed, false); err != nil {
			return err
		}
		for _, sym := range removed {
			delete(s.subscribed, sym)
		}
		if err := s.emit(ctx, Event{Kind: EventRemove, Generation: s.generation, Symbols: removed}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendSubscription(ctx context.Context, conn Conn, symbols []core.Symbol, subscribe bool) error {
	if len(symbols) == 0 {
		return nil
	}
	s.requestID++
	var (
		data []byte
		err  error
	)
	method := "subscribe"
	if subscribe {
		data, err = s.codec.Subscribe(s.requestID, symbols)
	} else {
		method = "unsubscribe"
		data, err = s.codec.Unsubscribe(s.requestID, symbols)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	s.logger.Info("stream_"+method,
		zap.Int64("id", s.requestID),
		zap.Stringers("symbols", symbols),
	)
	return nil
}

func (s *Session) applySync() {
	s.mu.Lock()
	gen, synced := s.syncGen, s.synced
	s.mu.Unlock()
	if gen != s.generation {
		return
	}
	switch state := s.ConnectionState(); {
	case synced && state == core.Syncing:
		s.retry.Reset()
		s.transition(core.Live, "books synced", nil, 0, 0)
		if s.gate != nil {
			_ = s.gate.RecordReconnect(nil)
		}
	case !synced && state == core.Live:
		s.transition(core.Syncing, "resync", nil, 0, 0)
	}
}

func (s *Session) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) transition(to core.ConnectionState, reason string, err error, attempt int, delay time.Duration) {
	from := core.ConnectionState(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	ev := core.LifecycleEvent{
		SessionID: s.id,
		From:      from,
		To:        to,
		Reason:    reason,
		Attempt:   attempt,
		Delay:     delay,
		Err:       err,
		At:        s.clock.Now(),
	}
	fields := []zap.Field{
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	}
	if attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}
	if delay > 0 {
		fields = append(fields, zap.Duration("delay", delay))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		s.logger.Warn("stream_state_changed", fields...)
	} else {
		s.logger.Info("stream_state_changed", fields...)
	}
	s.metrics.StateTransitions.WithLabelValues(to.String()).Inc()
	select {
	case s.lifecycle <- ev:
	default:
		s.metrics.LifecycleDropped.Inc()
		s.logger.Warn("stream_lifecycle_dropped", zap.Stringer("to", to))
	}
}

func reasonOf(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errHeartbeatTimeout):
		return "heartbeat timeout"
	case errors.Is(err, ErrClosed):
		return "connection closed"
	default:
		return "connection failed"
	}
}
