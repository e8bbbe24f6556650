package alert

import (
	"errors"
	"strconv"

	"spot-connect/internal/core"
)

// LifecycleWatcher turns connection lifecycle events into alerts. One alert
// is sent per outage, once threshold consecutive reconnects have failed, and
// one when the stream is live again. It is not safe for concurrent use.
type LifecycleWatcher struct {
	alerter   TransitionAlerter
	threshold int
	failures  int
	degraded  bool
}

func NewLifecycleWatcher(alerter TransitionAlerter, threshold int) *LifecycleWatcher {
	if threshold < 1 {
		threshold = 1
	}
	return &LifecycleWatcher{alerter: alerter, threshold: threshold}
}

func (w *LifecycleWatcher) Observe(ev core.LifecycleEvent) {
	if w == nil || w.alerter == nil {
		return
	}
	switch ev.To {
	case core.Backoff:
		w.failures++
		if w.degraded || w.failures < w.threshold {
			return
		}
		w.degraded = true
		w.alerter.Transition(SeverityCritical, "stream_degraded", ev, map[string]string{
			"consecutive_failures": strconv.Itoa(w.failures),
		})
	case core.Live:
		if w.degraded {
			w.alerter.Transition(SeverityResolved, "stream_recovered", ev, map[string]string{
				"failed_attempts": strconv.Itoa(w.failures),
			})
		}
		w.failures = 0
		w.degraded = false
	case core.Disconnected:
		if errors.Is(ev.Err, core.ErrUnauthorized) {
			w.alerter.Transition(SeverityCritical, "stream_unauthorized", ev, nil)
		}
	}
}
