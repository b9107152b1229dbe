// Package watchertest provides a simulated clock for deadline tests.
package watchertest

import (
	"sync"
	"time"

	"flowprobe/internal/watcher"
)

// Clock is a manually advanced watcher.Clock.
//
// Clock is safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*Timer
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer creates a timer that fires once the clock reaches now+d.
func (c *Clock) NewTimer(d time.Duration) watcher.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Timer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	t.fireIfDue(c.now)
	return t
}

// Advance moves the clock forward and fires every timer that came due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for _, t := range c.timers {
		t.fireIfDue(c.now)
	}
}

// Timers returns every timer created so far.
func (c *Clock) Timers() []*Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Timer, len(c.timers))
	copy(out, c.timers)
	return out
}

// Timer is a simulated timer.
type Timer struct {
	mu      sync.Mutex
	at      time.Time
	ch      chan time.Time
	fired   bool
	stopped bool
	stops   int
}

// C returns the expiry channel.
func (t *Timer) C() <-chan time.Time { return t.ch }

// Stop prevents the timer from firing. It reports whether the call stopped
// a pending timer.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	pending := !t.fired && !t.stopped
	t.stopped = true
	return pending
}

// Stops returns how many times Stop was called.
func (t *Timer) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Fired reports whether the timer fired.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *Timer) fireIfDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped || now.Before(t.at) {
		return
	}
	t.fired = true
	t.ch <- now
}
