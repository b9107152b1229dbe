package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowprobe/internal/config"
	"flowprobe/internal/logger"
	"flowprobe/internal/models"
	"flowprobe/internal/program"
	"flowprobe/internal/watcher"
	"flowprobe/internal/watcher/watchertest"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeSubscription is a hand-fed event stream that counts Close calls.
type fakeSubscription struct {
	events chan watcher.Event
	done   chan struct{}
	closes atomic.Int32
}

func newFakeSubscription(buffer int) *fakeSubscription {
	return &fakeSubscription{
		events: make(chan watcher.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *fakeSubscription) Events() <-chan watcher.Event { return s.events }

func (s *fakeSubscription) Close() error {
	if s.closes.Add(1) == 1 {
		close(s.done)
	}
	return nil
}

// send delivers ev unless the subscription was closed first.
func (s *fakeSubscription) send(ev watcher.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

type fakeOpener struct {
	sub *fakeSubscription
	err error

	opened     atomic.Int32
	program    string
	stop       time.Time
	resolution time.Duration
}

func (o *fakeOpener) Open(ctx context.Context, program string, stop time.Time, resolution time.Duration) (Subscription, error) {
	o.opened.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	o.program, o.stop, o.resolution = program, stop, resolution
	return o.sub, nil
}

// fakePublisher records published decisions
type fakePublisher struct {
	mu      sync.Mutex
	records []*models.DecisionRecord
	err     error
}

func (p *fakePublisher) PublishDecision(ctx context.Context, record *models.DecisionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return p.err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Token = "test-token-0123456789"
	cfg.FunctionName = "checkout"
	cfg.Endpoint = "wss://stream.us1.signalfx.com"
	cfg.Threshold = 10
	cfg.Timeout = 2 * time.Second
	return cfg
}

func batch(values ...float64) watcher.DataBatch {
	points := make([]watcher.DataPoint, len(values))
	for i, v := range values {
		points[i] = watcher.DataPoint{Value: v, Timestamp: epoch, SeriesKey: "ts"}
	}
	return watcher.DataBatch{Points: points}
}

// captureLogs routes the global logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.InitWithWriter("info", &buf)
	t.Cleanup(func() { logger.InitWithWriter("info", io.Discard) })
	return &buf
}

// armed waits until the probe has armed its deadline.
func armed(clock *watchertest.Clock) bool {
	limit := time.Now().Add(2 * time.Second)
	for time.Now().Before(limit) {
		if len(clock.Timers()) > 0 {
			return true
		}
		time.Sleep(50 * time.Microsecond)
	}
	return false
}

func assertTornDown(t *testing.T, sub *fakeSubscription, clock *watchertest.Clock) {
	t.Helper()
	if got := sub.closes.Load(); got != 1 {
		t.Errorf("expected subscription closed once, got %d", got)
	}
	timers := clock.Timers()
	if len(timers) != 1 {
		t.Fatalf("expected one deadline timer, got %d", len(timers))
	}
	if got := timers[0].Stops(); got != 1 {
		t.Errorf("expected deadline cancelled once, got %d", got)
	}
}

func TestRun_ThresholdReached(t *testing.T) {
	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(3)
	sub.events <- batch(5)
	sub.events <- batch(9)
	sub.events <- batch(12)
	opener := &fakeOpener{sub: sub}

	p := New(testConfig(), opener, WithClock(clock))
	d, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.Outcome != watcher.OutcomeSuccess || d.Point.Value != 12 {
		t.Fatalf("expected success with 12, got %+v", d)
	}
	if ExitCode(d) != ExitSuccess {
		t.Errorf("expected exit 0, got %d", ExitCode(d))
	}
	assertTornDown(t, sub, clock)

	want, _ := program.ForFunction("checkout")
	if opener.program != want.String() {
		t.Errorf("unexpected program %s", opener.program)
	}
	if !opener.stop.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("expected backend stop at the deadline, got %v", opener.stop)
	}
	if opener.resolution != time.Second {
		t.Errorf("expected 1s resolution, got %v", opener.resolution)
	}
}

func TestRun_ChannelClosedEarly(t *testing.T) {
	logs := captureLogs(t)
	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(2)
	sub.events <- batch(3)
	sub.events <- watcher.ControlMessage{Event: watcher.EndOfChannel, Timestamp: epoch}

	p := New(testConfig(), &fakeOpener{sub: sub}, WithClock(clock))
	d, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.Outcome != watcher.OutcomeChannelClosedEarly {
		t.Fatalf("expected channel closed early, got %v", d.Outcome)
	}
	if ExitCode(d) != ExitFailure {
		t.Errorf("expected exit 1, got %d", ExitCode(d))
	}
	if !strings.Contains(d.Err().Error(), "channel closed before reaching the threshold") {
		t.Errorf("unexpected error %v", d.Err())
	}
	if !strings.Contains(logs.String(), "channel closed before reaching the threshold") {
		t.Errorf("expected the outcome to be logged, got %s", logs.String())
	}
	assertTornDown(t, sub, clock)
}

func TestRun_TimesOut(t *testing.T) {
	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(0)

	p := New(testConfig(), &fakeOpener{sub: sub}, WithClock(clock))

	type result struct {
		d   watcher.Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := p.Run(context.Background())
		done <- result{d, err}
	}()

	if !armed(clock) {
		t.Fatal("deadline never armed")
	}
	clock.Advance(1999 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("decided before the deadline")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if r.d.Outcome != watcher.OutcomeTimedOut {
			t.Fatalf("expected timeout, got %v", r.d.Outcome)
		}
		if ExitCode(r.d) != ExitFailure {
			t.Errorf("expected exit 1, got %d", ExitCode(r.d))
		}
		if !r.d.At.Equal(epoch.Add(2 * time.Second)) {
			t.Errorf("expected decision at the deadline, got %v", r.d.At)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe hung after the deadline")
	}

	if got := sub.closes.Load(); got != 1 {
		t.Errorf("expected subscription closed once, got %d", got)
	}
}

func TestRun_TransportFailure(t *testing.T) {
	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(1)
	lost := errors.New("connection reset")
	sub.events <- watcher.TransportError{Err: lost}

	p := New(testConfig(), &fakeOpener{sub: sub}, WithClock(clock))
	d, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.Outcome != watcher.OutcomeTransportFailure || !errors.Is(d.Err(), lost) {
		t.Fatalf("expected transport failure wrapping %v, got %+v", lost, d)
	}
	if ExitCode(d) != ExitFailure {
		t.Errorf("expected exit 1, got %d", ExitCode(d))
	}
	assertTornDown(t, sub, clock)
}

func TestRun_ContextCancelled(t *testing.T) {
	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(testConfig(), &fakeOpener{sub: sub}, WithClock(clock))
	d, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if d.Outcome != watcher.OutcomeTransportFailure || !errors.Is(d.Err(), context.Canceled) {
		t.Fatalf("expected cancellation as transport failure, got %+v", d)
	}
	assertTornDown(t, sub, clock)
}

func TestRun_OpenFails(t *testing.T) {
	clock := watchertest.NewClock(epoch)
	opener := &fakeOpener{err: errors.New("stop time must be after the current time")}

	p := New(testConfig(), opener, WithClock(clock))
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error when the subscription cannot be opened")
	}
	if len(clock.Timers()) != 0 {
		t.Error("deadline must not be armed without a subscription")
	}
	if _, ok := p.watcher.Decided(); ok {
		t.Error("no decision may be recorded when the run never started")
	}
}

func TestRun_InvalidFunction(t *testing.T) {
	cfg := testConfig()
	cfg.FunctionName = " "
	opener := &fakeOpener{sub: newFakeSubscription(0)}

	p := New(cfg, opener, WithClock(watchertest.NewClock(epoch)))
	if _, err := p.Run(context.Background()); !errors.Is(err, program.ErrEmptyFunction) {
		t.Fatalf("expected ErrEmptyFunction, got %v", err)
	}
	if opener.opened.Load() != 0 {
		t.Error("subscription opened for an invalid program")
	}
}

func TestRun_Reports(t *testing.T) {
	var pushes atomic.Int32
	var pushPath atomic.Value
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		pushPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(1)
	sub.events <- batch(10)
	pub := &fakePublisher{err: errors.New("broker down")}

	p := New(testConfig(), &fakeOpener{sub: sub},
		WithClock(clock),
		WithRunID("run-42"),
		WithPublisher(pub),
		WithPushgateway(gateway.URL),
	)

	d, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !d.Succeeded() {
		t.Fatalf("publish failures must not change the decision, got %v", d.Outcome)
	}

	if pub.count() != 1 {
		t.Fatalf("expected one published record, got %d", pub.count())
	}
	record := pub.records[0]
	if record.RunID != "run-42" || record.Outcome != "success" || record.ExitCode != ExitSuccess {
		t.Errorf("unexpected record %+v", record)
	}
	if record.Point == nil || record.Point.Value != 10 {
		t.Errorf("expected matched point in record, got %+v", record.Point)
	}

	if pushes.Load() != 1 {
		t.Fatalf("expected one push, got %d", pushes.Load())
	}
	path, _ := pushPath.Load().(string)
	if !strings.Contains(path, "/job/flowprobe") || !strings.Contains(path, "run-42") {
		t.Errorf("unexpected push path %s", path)
	}
}

func TestStatus(t *testing.T) {
	clock := watchertest.NewClock(epoch)
	sub := newFakeSubscription(1)
	sub.events <- batch(11)

	p := New(testConfig(), &fakeOpener{sub: sub}, WithClock(clock), WithRunID("run-7"))

	before := p.Status()
	if before.Decided || before.RunID != "run-7" || before.Function != "checkout" {
		t.Errorf("unexpected status before run %+v", before)
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	after := p.Status()
	if !after.Decided || after.Outcome != "success" {
		t.Errorf("unexpected status after run %+v", after)
	}
	if !after.Deadline.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("unexpected deadline %v", after.Deadline)
	}
}

// drive feeds a random script of events and clock movements, then forces the
// deadline so every run terminates.
func drive(r *rand.Rand, clock *watchertest.Clock, sub *fakeSubscription, timeout time.Duration) {
	steps := r.Intn(8)
	for i := 0; i < steps; i++ {
		var ok bool
		switch n := r.Intn(20); {
		case n < 10:
			values := make([]float64, r.Intn(4))
			for j := range values {
				values[j] = float64(r.Intn(15))
			}
			ok = sub.send(batch(values...))
		case n < 12:
			ok = sub.send(watcher.ControlMessage{Event: watcher.StreamStart})
		case n < 13:
			ok = sub.send(watcher.ControlMessage{Event: watcher.EndOfChannel})
		case n < 14:
			ok = sub.send(watcher.TransportError{Err: errors.New("read failed")})
		case n < 15:
			close(sub.events)
			<-sub.done
			return
		default:
			clock.Advance(time.Duration(r.Intn(1500)) * time.Millisecond)
			ok = true
		}
		if !ok {
			return
		}
	}

	clock.Advance(timeout)
	<-sub.done
}

func TestRun_ExactlyOneDecision(t *testing.T) {
	seeds := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		seed := seeds.Int63()
		r := rand.New(rand.NewSource(seed))

		cfg := testConfig()
		clock := watchertest.NewClock(epoch)
		sub := newFakeSubscription(0)
		pub := &fakePublisher{}
		p := New(cfg, &fakeOpener{sub: sub}, WithClock(clock), WithPublisher(pub))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !armed(clock) {
				t.Errorf("seed %d: deadline never armed", seed)
				_ = sub.Close()
				return
			}
			drive(r, clock, sub, cfg.Timeout)
		}()

		d, err := p.Run(context.Background())
		wg.Wait()

		if err != nil {
			t.Fatalf("seed %d: Run: %v", seed, err)
		}
		if d.Outcome == 0 {
			t.Fatalf("seed %d: no decision", seed)
		}
		if sealed, ok := p.watcher.Decided(); !ok || sealed.Outcome != d.Outcome {
			t.Fatalf("seed %d: sealed decision %v differs from returned %v", seed, sealed.Outcome, d.Outcome)
		}
		if pub.count() != 1 {
			t.Fatalf("seed %d: expected one published decision, got %d", seed, pub.count())
		}
		if sub.closes.Load() != 1 {
			t.Fatalf("seed %d: expected one Close, got %d", seed, sub.closes.Load())
		}
		if stops := clock.Timers()[0].Stops(); stops != 1 {
			t.Fatalf("seed %d: expected one Cancel, got %d", seed, stops)
		}
		if want := ExitCode(d) == ExitSuccess; want != d.Succeeded() {
			t.Fatalf("seed %d: exit code %d does not match outcome %v", seed, ExitCode(d), d.Outcome)
		}
	}
}
