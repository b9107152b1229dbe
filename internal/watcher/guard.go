package watcher

import (
	"sync"
	"time"
)

// Guard is a cancellable wall-clock deadline.
type Guard struct {
	deadline time.Time
	timer    Timer
	once     sync.Once
}

// Arm starts a timer that fires at deadline. A deadline already in the past
// fires immediately.
func Arm(clock Clock, deadline time.Time) *Guard {
	if clock == nil {
		clock = SystemClock
	}
	d := deadline.Sub(clock.Now())
	if d < 0 {
		d = 0
	}
	return &Guard{
		deadline: deadline,
		timer:    clock.NewTimer(d),
	}
}

// Expired fires once when the deadline passes. A nil guard never fires.
func (g *Guard) Expired() <-chan time.Time {
	if g == nil {
		return nil
	}
	return g.timer.C()
}

// Deadline returns the wall-clock deadline.
func (g *Guard) Deadline() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.deadline
}

// Cancel stops the timer. It is safe to call more than once and after the
// timer has fired.
func (g *Guard) Cancel() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.timer.Stop()
	})
}
