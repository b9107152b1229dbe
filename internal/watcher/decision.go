package watcher

import (
	"errors"
	"fmt"
	"time"
)

// Decision errors
var (
	ErrChannelClosedEarly = errors.New("channel closed before reaching the threshold")
	ErrDeadlineExceeded   = errors.New("timed out before reaching the threshold")
	ErrStreamClosed       = errors.New("event stream closed unexpectedly")
)

// Outcome is the terminal state of a watch.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeChannelClosedEarly
	OutcomeTransportFailure
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeChannelClosedEarly:
		return "channel_closed_early"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the single terminal result of a run.
type Decision struct {
	Outcome Outcome
	// Point is the matching point, set only on success.
	Point *DataPoint
	// Detail is the transport error, set only on transport failure.
	Detail error
	At     time.Time
}

// Success reports that p satisfied the predicate.
func Success(p DataPoint, at time.Time) Decision {
	return Decision{Outcome: OutcomeSuccess, Point: &p, At: at}
}

// ChannelClosedEarly reports END_OF_CHANNEL before any match.
func ChannelClosedEarly(at time.Time) Decision {
	return Decision{Outcome: OutcomeChannelClosedEarly, At: at}
}

// TransportFailure reports a transport error.
func TransportFailure(err error, at time.Time) Decision {
	return Decision{Outcome: OutcomeTransportFailure, Detail: err, At: at}
}

// TimedOut reports that the deadline fired first.
func TimedOut(at time.Time) Decision {
	return Decision{Outcome: OutcomeTimedOut, At: at}
}

// Succeeded reports whether the threshold was reached.
func (d Decision) Succeeded() bool {
	return d.Outcome == OutcomeSuccess
}

// Err returns nil on success and the error describing any other outcome.
func (d Decision) Err() error {
	switch d.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeChannelClosedEarly:
		return ErrChannelClosedEarly
	case OutcomeTimedOut:
		return ErrDeadlineExceeded
	case OutcomeTransportFailure:
		if d.Detail == nil {
			return errors.New("transport failure")
		}
		return fmt.Errorf("transport failure: %w", d.Detail)
	default:
		return fmt.Errorf("unknown outcome %s", d.Outcome)
	}
}
