// Package probe runs one verification: it opens the stream, arms the
// deadline, waits for the watcher's decision and tears everything down
// exactly once before handing the decision back to main.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flowprobe/internal/config"
	"flowprobe/internal/logger"
	"flowprobe/internal/metrics"
	"flowprobe/internal/models"
	"flowprobe/internal/program"
	"flowprobe/internal/signalflow"
	"flowprobe/internal/watcher"
)

// Process exit codes
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
)

// reportTimeout bounds the Kafka publish and Pushgateway push after a decision.
const reportTimeout = 10 * time.Second

// Subscription is a live stream of watcher events.
type Subscription interface {
	Events() <-chan watcher.Event
	Close() error
}

// Opener starts a streaming execution that the backend stops at stop.
type Opener interface {
	Open(ctx context.Context, program string, stop time.Time, resolution time.Duration) (Subscription, error)
}

// Publisher receives the decision record of a finished run.
type Publisher interface {
	PublishDecision(ctx context.Context, record *models.DecisionRecord) error
}

// SignalFlow adapts a signalflow client to Opener.
func SignalFlow(c *signalflow.Client) Opener {
	return signalFlowOpener{client: c}
}

type signalFlowOpener struct {
	client *signalflow.Client
}

func (o signalFlowOpener) Open(ctx context.Context, program string, stop time.Time, resolution time.Duration) (Subscription, error) {
	sub, err := o.client.Open(ctx, program, stop, resolution)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Status is a point-in-time view of the run for health endpoints.
type Status struct {
	RunID     string    `json:"run_id"`
	Function  string    `json:"function"`
	Threshold float64   `json:"threshold"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	Decided   bool      `json:"decided"`
	Outcome   string    `json:"outcome,omitempty"`
}

// Probe coordinates a single watch from subscription to decision.
type Probe struct {
	cfg       *config.Config
	opener    Opener
	clock     watcher.Clock
	publisher Publisher
	pushURL   string
	runID     string
	watcher   *watcher.Watcher
	log       zerolog.Logger

	mu       sync.Mutex
	started  time.Time
	deadline time.Time
}

// Option is a functional option for configuring the probe
type Option func(*Probe)

// WithClock sets the clock used for the deadline and decision timestamps.
func WithClock(c watcher.Clock) Option {
	return func(p *Probe) {
		p.clock = c
	}
}

// WithPublisher publishes the decision record once the run is decided.
func WithPublisher(pub Publisher) Option {
	return func(p *Probe) {
		p.publisher = pub
	}
}

// WithPushgateway pushes probe metrics to url once the run is decided.
func WithPushgateway(url string) Option {
	return func(p *Probe) {
		p.pushURL = url
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(p *Probe) {
		p.runID = id
	}
}

// New creates a probe for cfg that opens its stream through opener.
func New(cfg *config.Config, opener Opener, opts ...Option) *Probe {
	p := &Probe{
		cfg:    cfg,
		opener: opener,
		clock:  watcher.SystemClock,
		runID:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.log = logger.WithRunID(p.runID).With().Str("component", "probe").Logger()
	p.watcher = watcher.New(
		watcher.AtLeast(cfg.Threshold),
		watcher.WithClock(p.clock),
		watcher.WithLogger(logger.WithComponent("watcher").With().Str("run_id", p.runID).Logger()),
	)
	return p
}

// RunID identifies this run in logs, metrics and published records.
func (p *Probe) RunID() string {
	return p.runID
}

// Status reports the run's progress. It is safe to call concurrently with Run.
func (p *Probe) Status() Status {
	p.mu.Lock()
	s := Status{
		RunID:     p.runID,
		Function:  p.cfg.FunctionName,
		Threshold: p.cfg.Threshold,
		StartedAt: p.started,
		Deadline:  p.deadline,
	}
	p.mu.Unlock()

	if d, ok := p.watcher.Decided(); ok {
		s.Decided = true
		s.Outcome = d.Outcome.String()
	}
	return s
}

// Run watches the stream until the first terminal condition and returns the
// decision. The subscription is closed and the deadline cancelled exactly
// once before Run returns. An error means the run could not be started.
func (p *Probe) Run(ctx context.Context) (watcher.Decision, error) {
	prog, err := program.ForFunction(p.cfg.FunctionName)
	if err != nil {
		return watcher.Decision{}, err
	}

	start := p.clock.Now()
	deadline := start.Add(p.cfg.Timeout)

	p.mu.Lock()
	p.started, p.deadline = start, deadline
	p.mu.Unlock()

	metrics.Threshold.Set(p.cfg.Threshold)

	sub, err := p.opener.Open(ctx, prog.String(), deadline, p.cfg.Resolution)
	if err != nil {
		return watcher.Decision{}, fmt.Errorf("open subscription: %w", err)
	}
	guard := watcher.Arm(p.clock, deadline)

	p.log.Info().
		Str("function", prog.Function()).
		Float64("threshold", p.cfg.Threshold).
		Time("deadline", deadline).
		Msg("watching for threshold")

	d := p.watcher.Watch(ctx, sub.Events(), guard)

	// The only teardown site: every decision path reaches it exactly once.
	guard.Cancel()
	if err := sub.Close(); err != nil {
		p.log.Warn().Err(err).Msg("failed to close subscription")
	}

	metrics.TimeToDecision.Observe(d.At.Sub(start).Seconds())
	p.logDecision(d, deadline)
	p.report(ctx, d, start, deadline)

	return d, nil
}

// logDecision prints the human readable line for d.
func (p *Probe) logDecision(d watcher.Decision, deadline time.Time) {
	switch d.Outcome {
	case watcher.OutcomeSuccess:
		p.log.Info().
			Float64("value", d.Point.Value).
			Time("timestamp", d.Point.Timestamp).
			Str("series", d.Point.SeriesKey).
			Msg("the threshold has been reached")

	case watcher.OutcomeChannelClosedEarly:
		// END_OF_CHANNEL at the stop time is the backend finishing on schedule.
		p.log.Error().
			Bool("at_stop_time", deadline.Sub(d.At) <= p.cfg.Resolution).
			Msg(watcher.ErrChannelClosedEarly.Error())

	case watcher.OutcomeTransportFailure:
		p.log.Error().Err(d.Detail).Msg("transport failure")

	case watcher.OutcomeTimedOut:
		p.log.Error().
			Dur("timeout", p.cfg.Timeout).
			Msg(watcher.ErrDeadlineExceeded.Error())
	}
}

// report publishes the decision and pushes metrics. Failures are logged and
// never change the decision.
func (p *Probe) report(ctx context.Context, d watcher.Decision, start, deadline time.Time) {
	if p.publisher == nil && p.pushURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if p.publisher != nil {
		record := models.NewDecisionRecord(p.runID, p.cfg.FunctionName, p.cfg.Threshold, ExitCode(d), start, deadline, d)
		if err := p.publisher.PublishDecision(ctx, record); err != nil {
			p.log.Warn().Err(err).Msg("failed to publish decision")
		}
	}

	if p.pushURL != "" {
		if err := metrics.Push(ctx, p.pushURL, p.cfg.FunctionName, p.runID); err != nil {
			p.log.Warn().Err(err).Msg("failed to push metrics")
		}
	}
}

// ExitCode maps a decision to the process exit status.
func ExitCode(d watcher.Decision) int {
	if d.Succeeded() {
		return ExitSuccess
	}
	return ExitFailure
}
