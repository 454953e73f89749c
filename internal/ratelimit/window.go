// Package ratelimit provides timestamp-gated windows that stop an action
// from firing more often than a configured interval.
package ratelimit

import (
	"sync"
	"time"
)

// Window remembers when its action last fired. Denied attempts are dropped,
// never queued. Times should come from time.Now so comparisons use the
// monotonic clock.
type Window struct {
	mu        sync.Mutex
	interval  time.Duration
	lastFired time.Time
	fired     bool
}

// NewWindow creates a window that has never fired
func NewWindow(interval time.Duration) *Window {
	if interval < 0 {
		interval = 0
	}
	return &Window{interval: interval}
}

// Interval returns the minimum spacing between two firings
func (w *Window) Interval() time.Duration {
	return w.interval
}

// TryAcquire fires the window at now if the interval has elapsed since the
// last firing. It reports whether it fired; on false the window is unchanged.
func (w *Window) TryAcquire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.readyLocked(now) {
		return false
	}
	w.lastFired = now
	w.fired = true
	return true
}

// Ready reports whether TryAcquire at now would succeed, without firing
func (w *Window) Ready(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readyLocked(now)
}

// Mark records a firing at now unconditionally. It is used when the action
// is only counted once it has succeeded.
func (w *Window) Mark(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFired = now
	w.fired = true
}

// LastFired returns the last firing time and whether the window ever fired
func (w *Window) LastFired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFired, w.fired
}

// Reset forgets the last firing
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFired = time.Time{}
	w.fired = false
}

func (w *Window) readyLocked(now time.Time) bool {
	if !w.fired {
		return true
	}
	return now.Sub(w.lastFired) >= w.interval
}
