// Package watcher turns a stream of backend events into a single Decision.
//
// A Watcher runs one reactor loop that selects over the event stream, the
// deadline guard and the caller's context. The first terminal signal seals
// the Watcher; anything that arrives afterwards is never looked at.
package watcher

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"flowprobe/internal/logger"
	"flowprobe/internal/metrics"
)

// Predicate decides whether a value satisfies the watch condition.
type Predicate func(value float64) bool

// AtLeast is the default predicate: value >= threshold.
func AtLeast(threshold float64) Predicate {
	return func(value float64) bool {
		return value >= threshold
	}
}

// Watcher applies a predicate to a stream and owns the resulting Decision.
type Watcher struct {
	predicate Predicate
	clock     Clock
	decision  atomic.Pointer[Decision]
	log       zerolog.Logger
}

// Option is a functional option for configuring the watcher
type Option func(*Watcher)

// WithClock overrides the clock used to stamp decisions.
func WithClock(c Clock) Option {
	return func(w *Watcher) {
		w.clock = c
	}
}

// WithLogger overrides the watcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

// New creates a watcher for predicate.
func New(predicate Predicate, opts ...Option) *Watcher {
	w := &Watcher{
		predicate: predicate,
		clock:     SystemClock,
		log:       logger.WithComponent("watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Decided returns the decision once one has been reached.
func (w *Watcher) Decided() (Decision, bool) {
	d := w.decision.Load()
	if d == nil {
		return Decision{}, false
	}
	return *d, true
}

// Watch consumes events until the first terminal condition and returns the
// Decision. Once sealed, later calls return the same Decision without reading
// from events.
func (w *Watcher) Watch(ctx context.Context, events <-chan Event, guard *Guard) Decision {
	if d, ok := w.Decided(); ok {
		return d
	}

	for {
		select {
		case <-ctx.Done():
			return w.seal(TransportFailure(ctx.Err(), w.clock.Now()))

		case <-guard.Expired():
			return w.seal(TimedOut(w.clock.Now()))

		case ev, ok := <-events:
			if !ok {
				return w.seal(TransportFailure(ErrStreamClosed, w.clock.Now()))
			}
			if d, done := w.handle(ev); done {
				return w.seal(d)
			}
		}
	}
}

// handle applies one event. It reports a Decision when the event is terminal.
func (w *Watcher) handle(ev Event) (Decision, bool) {
	metrics.StreamEventsTotal.WithLabelValues(ev.Kind()).Inc()

	switch e := ev.(type) {
	case DataBatch:
		w.log.Debug().Int("points", len(e.Points)).Msg("data batch")
		for _, p := range e.Points {
			metrics.PointsEvaluatedTotal.Inc()
			metrics.LastValue.Set(p.Value)
			if w.predicate(p.Value) {
				return Success(p, w.clock.Now()), true
			}
		}

	case ControlMessage:
		w.log.Debug().Str("event", e.Event).Msg("control message")
		if e.Event == EndOfChannel {
			return ChannelClosedEarly(w.clock.Now()), true
		}

	case TransportError:
		return TransportFailure(e.Err, w.clock.Now()), true

	default:
		w.log.Warn().Str("kind", ev.Kind()).Msg("unexpected event type")
	}

	return Decision{}, false
}

// seal records d as the decision unless one was already recorded, and
// returns whichever decision won.
func (w *Watcher) seal(d Decision) Decision {
	if !w.decision.CompareAndSwap(nil, &d) {
		return *w.decision.Load()
	}
	metrics.DecisionsTotal.WithLabelValues(d.Outcome.String()).Inc()
	return d
}
