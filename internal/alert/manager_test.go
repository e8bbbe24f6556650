package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"spot-connect/internal/core"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() {
			close(n.entered)
		})
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *notifierSpy) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-n.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(ManagerOptions{Mode: "live", Symbols: []string{"BTCUSDT", "ETHUSDT"}, Notifier: spy, Clock: mock})
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("circuit_breaker_trip", map[string]string{"b": "2", "a": "1"})
	m.Important("circuit_breaker_recovered", nil)
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2", len(msgs))
	}
	want := strings.Join([]string{
		"[spot-connect] IMPORTANT circuit_breaker_trip",
		"time: 2024-03-01T12:00:00Z",
		"mode: live  symbols: BTCUSDT,ETHUSDT",
		"a: 1",
		"b: 2",
	}, "\n")
	if msgs[0] != want {
		t.Fatalf("first message =\n%s\nwant\n%s", msgs[0], want)
	}

	// Alerts after Close are discarded.
	m.Important("late", nil)
	if got := len(spy.messages()); got != 2 {
		t.Fatalf("notified count after Close = %d, want 2", got)
	}
}

func TestManagerFormatsTransitions(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager(ManagerOptions{Mode: "testnet", Symbols: []string{"BTCUSDT"}, Notifier: spy, Clock: clock.NewMock()})

	m.Transition(SeverityCritical, "stream_degraded", core.LifecycleEvent{
		SessionID: "s1",
		From:      core.Connecting,
		To:        core.Backoff,
		Reason:    "connection failed",
		Attempt:   3,
		Delay:     2 * time.Second,
		Err:       errors.New("dial refused"),
	}, map[string]string{"consecutive_failures": "3"})
	m.Transition(SeverityResolved, "stream_recovered", core.LifecycleEvent{
		SessionID: "s1",
		From:      core.Syncing,
		To:        core.Live,
	}, nil)
	closeManager(t, m)

	msgs := spy.messages()
	if len(msgs) != 2 {
		t.Fatalf("notified count = %d, want 2", len(msgs))
	}
	for _, line := range []string{
		"[spot-connect] CRITICAL stream_degraded",
		"mode: testnet  symbols: BTCUSDT",
		"session: s1",
		"state: connecting -> backoff (connection failed)",
		"attempt: 3",
		"retry_in: 2s",
		"error: dial refused",
		"consecutive_failures: 3",
	} {
		if !strings.Contains(msgs[0], line+"\n") && !strings.HasSuffix(msgs[0], line) {
			t.Fatalf("degraded message missing %q:\n%s", line, msgs[0])
		}
	}
	if !strings.HasPrefix(msgs[1], "[spot-connect] RESOLVED stream_recovered") ||
		!strings.HasSuffix(msgs[1], "state: syncing -> live") {
		t.Fatalf("recovered message =\n%s", msgs[1])
	}
	if strings.Contains(msgs[1], "attempt:") || strings.Contains(msgs[1], "error:") {
		t.Fatalf("recovered message carries empty lines:\n%s", msgs[1])
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	m := NewManager(ManagerOptions{Mode: "live", Notifier: spy})
	m.Important("seed", nil)
	spy.waitEntered(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}

	close(block)
	closeManager(t, m)
}

func TestManagerCountsDroppedAlerts(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	obs, logs := observer.New(zap.WarnLevel)
	m := NewManager(ManagerOptions{Mode: "live", Notifier: spy, QueueSize: 1, Logger: zap.New(obs)})

	m.Important("seed", nil)
	spy.waitEntered(t)

	// Fill the queue while the notifier is blocked, then overflow it.
	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", nil)
	}

	if got := m.dropped.total.Load(); got != 10 {
		t.Fatalf("dropped total = %d, want 10", got)
	}
	if got := m.dropped.pending.Load(); got != 10 {
		t.Fatalf("dropped pending = %d, want 10", got)
	}
	if got := logs.FilterMessage("alert_queue_dropped").Len(); got != 1 {
		t.Fatalf("drop logs = %d, want 1 per window", got)
	}

	close(block)
	closeManager(t, m)
	if got := logs.FilterMessage("alert_queue_dropped_report").Len(); got != 1 {
		t.Fatalf("drop summaries on Close = %d, want 1", got)
	}
}

func TestManagerPeriodicDropReport(t *testing.T) {
	obs, logs := observer.New(zap.WarnLevel)
	block := make(chan struct{})
	spy := &notifierSpy{block: block, entered: make(chan struct{})}
	mock := clock.NewMock()
	m := NewManager(ManagerOptions{
		Mode:               "live",
		Notifier:           spy,
		QueueSize:          1,
		DropReportInterval: time.Minute,
		Clock:              mock,
		Logger:             zap.New(obs),
	})

	m.Important("seed", nil)
	spy.waitEntered(t)
	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	mock.Add(time.Minute)
	deadline := time.Now().Add(time.Second)
	for logs.FilterMessage("alert_queue_dropped_report").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log, got %d entries", logs.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.dropped.pending.Load(); got != 0 {
		t.Fatalf("dropped pending = %d, want 0 after periodic report", got)
	}

	close(block)
	closeManager(t, m)
}

func TestNilManagerDiscards(t *testing.T) {
	m := NewManager(ManagerOptions{Mode: "live"})
	if m != nil {
		t.Fatalf("NewManager(nil notifier) = %v, want nil", m)
	}
	m.Important("ignored", nil)
	m.Transition(SeverityCritical, "ignored", core.LifecycleEvent{}, nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() on nil manager error = %v", err)
	}
}
