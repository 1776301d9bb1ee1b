// Package presence owns per-device liveness state grouped by user: heartbeat
// ingestion with monotonic sequence checks, expiry via a single wake-up timer
// per user, and live subscriber streams.
package presence

import (
	"sync"
	"time"
)

// wakeupTimer holds at most one pending callback. Reschedule replaces any
// pending schedule, Stop clears it. The callback runs on the timer goroutine
// and does its own locking.
type wakeupTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
	fire  func()
}

func newWakeupTimer(fire func()) *wakeupTimer {
	return &wakeupTimer{fire: fire}
}

// Reschedule arms the timer for at. An instant already in the past fires
// immediately.
func (w *wakeupTimer) Reschedule(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	w.at = at
	w.timer = time.AfterFunc(d, w.fire)
}

// Stop clears any pending schedule.
func (w *wakeupTimer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.at = time.Time{}
}

// ScheduledAt reports the pending fire instant, zero time when unarmed.
func (w *wakeupTimer) ScheduledAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return time.Time{}
	}
	return w.at
}
