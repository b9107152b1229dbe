package models

import (
	"errors"
	"time"

	"flowprobe/internal/watcher"
)

// Validation errors
var (
	ErrEmptyRunID    = errors.New("run ID cannot be empty")
	ErrEmptyFunction = errors.New("function cannot be empty")
	ErrEmptyOutcome  = errors.New("outcome cannot be empty")
	ErrZeroDecidedAt = errors.New("decision time cannot be zero")
)

// DecisionRecord is the externally published summary of one probe run
type DecisionRecord struct {
	// Unique identifier of the run
	RunID string `json:"run_id"`

	// Function the invocation count was watched for
	Function string `json:"function"`

	// Outcome name, e.g. success or timed_out
	Outcome string `json:"outcome"`

	// Process exit code for this outcome
	ExitCode int `json:"exit_code"`

	Threshold float64 `json:"threshold"`

	// Matched point, set only on success
	Point *watcher.DataPoint `json:"point,omitempty"`

	// Human readable failure reason
	Detail string `json:"detail,omitempty"`

	StartedAt time.Time `json:"started_at"`
	DecidedAt time.Time `json:"decided_at"`
	Deadline  time.Time `json:"deadline"`
}

// NewDecisionRecord summarises d for publication
func NewDecisionRecord(runID, function string, threshold float64, exitCode int, started, deadline time.Time, d watcher.Decision) *DecisionRecord {
	r := &DecisionRecord{
		RunID:     runID,
		Function:  function,
		Outcome:   d.Outcome.String(),
		ExitCode:  exitCode,
		Threshold: threshold,
		Point:     d.Point,
		StartedAt: started.UTC(),
		DecidedAt: d.At.UTC(),
		Deadline:  deadline.UTC(),
	}
	if err := d.Err(); err != nil {
		r.Detail = err.Error()
	}
	return r
}

// Elapsed is the time from start to decision
func (r *DecisionRecord) Elapsed() time.Duration {
	return r.DecidedAt.Sub(r.StartedAt)
}

// Validate checks the record has the fields consumers key on
func (r *DecisionRecord) Validate() error {
	if r.RunID == "" {
		return ErrEmptyRunID
	}

	if r.Function == "" {
		return ErrEmptyFunction
	}

	if r.Outcome == "" {
		return ErrEmptyOutcome
	}

	if r.DecidedAt.IsZero() {
		return ErrZeroDecidedAt
	}

	return nil
}
