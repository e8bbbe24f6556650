// Package alert delivers important operational events to an out-of-band
// notifier without blocking the caller.
package alert

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"spot-connect/internal/core"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter takes free-form alerts, e.g. circuit breaker trips.
type Alerter interface {
	Important(event string, fields map[string]string)
}

// TransitionAlerter takes alerts caused by a connection state change.
type TransitionAlerter interface {
	Transition(sev Severity, event string, ev core.LifecycleEvent, fields map[string]string)
}

type Severity string

const (
	SeverityImportant Severity = "important"
	SeverityCritical  Severity = "critical"
	SeverityResolved  Severity = "resolved"
)

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	Mode     string
	Symbols  []string
	Notifier Notifier
	// QueueSize bounds pending alerts; further alerts are dropped and counted.
	QueueSize int
	// DropReportInterval spaces out the drop summary log. Zero only reports on Close.
	DropReportInterval time.Duration
	Clock              clock.Clock
	Logger             *zap.Logger
}

type alertEvent struct {
	severity   Severity
	event      string
	fields     map[string]string
	transition *core.LifecycleEvent
	at         time.Time
}

// dropWindow counts alerts lost to a full queue, overall and since the last
// summary.
type dropWindow struct {
	total   atomic.Uint64
	pending atomic.Uint64
}

// add reports whether this drop opened a new window.
func (d *dropWindow) add() (total uint64, opened bool) {
	total = d.total.Add(1)
	return total, d.pending.Add(1) == 1
}

func (d *dropWindow) flush() uint64 { return d.pending.Swap(0) }

// Manager queues alerts and sends them from one goroutine. A nil Manager
// discards everything.
type Manager struct {
	header   string
	notifier Notifier
	clock    clock.Clock
	logger   *zap.Logger
	interval time.Duration

	queue   chan alertEvent
	stop    chan struct{}
	done    chan struct{}
	dropped dropWindow

	mu     sync.RWMutex
	closed bool
}

// NewManager returns nil when opts.Notifier is nil.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		header:   "mode: " + opts.Mode + "  symbols: " + strings.Join(opts.Symbols, ","),
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("alert"),
		interval: opts.DropReportInterval,
		queue:    make(chan alertEvent, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.loop()
	}()
	if m.interval > 0 {
		ticker := m.clock.Ticker(m.interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reportLoop(ticker)
		}()
	}
	go func() {
		wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	m.enqueue(alertEvent{severity: SeverityImportant, event: event, fields: cloneFields(fields)})
}

func (m *Manager) Transition(sev Severity, event string, ev core.LifecycleEvent, fields map[string]string) {
	if m == nil {
		return
	}
	m.enqueue(alertEvent{severity: sev, event: event, fields: cloneFields(fields), transition: &ev})
}

func (m *Manager) enqueue(ev alertEvent) {
	ev.at = m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
		return
	default:
	}
	total, opened := m.dropped.add()
	if opened {
		m.logger.Warn("alert_queue_dropped",
			zap.String("target_event", ev.event),
			zap.Uint64("dropped_total", total),
			zap.Int("queue_cap", cap(m.queue)),
		)
	}
}

// Close stops intake and waits for queued alerts to be sent.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) reportLoop(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	n := m.dropped.flush()
	if n == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", n),
		zap.Uint64("dropped_total", m.dropped.total.Load()),
		zap.Int("queue_cap", cap(m.queue)),
	)
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", ev.event), zap.Error(err))
	}
}

// buildMessage renders one alert. A state change gets its own block before
// the free-form fields.
func (m *Manager) buildMessage(ev alertEvent) string {
	var b strings.Builder
	b.WriteString("[spot-connect] " + strings.ToUpper(string(ev.severity)) + " " + ev.event + "\n")
	b.WriteString("time: " + ev.at.UTC().Format(time.RFC3339) + "\n")
	b.WriteString(m.header + "\n")
	if t := ev.transition; t != nil {
		b.WriteString("session: " + t.SessionID + "\n")
		b.WriteString("state: " + t.From.String() + " -> " + t.To.String())
		if t.Reason != "" {
			b.WriteString(" (" + t.Reason + ")")
		}
		b.WriteString("\n")
		if t.Attempt > 0 {
			b.WriteString("attempt: " + strconv.Itoa(t.Attempt) + "\n")
		}
		if t.Delay > 0 {
			b.WriteString("retry_in: " + t.Delay.String() + "\n")
		}
		if t.Err != nil {
			b.WriteString("error: " + t.Err.Error() + "\n")
		}
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + ev.fields[k] + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
