package signalflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"flowprobe/internal/metrics"
	"flowprobe/internal/watcher"
)

// Subscription is one live streaming execution.
type Subscription struct {
	Program    string
	Channel    string
	Start      time.Time
	Stop       time.Time
	Resolution time.Duration

	client *Client
	events chan watcher.Event
	done   chan struct{}
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn

	// metadata maps tsId to dimensions; owned by the reader goroutine.
	metadata map[string]map[string]string

	log zerolog.Logger
}

// Events returns the typed event stream. It is closed when the reader stops.
func (s *Subscription) Events() <-chan watcher.Event {
	return s.events
}

// Live reports whether Close has not been called yet.
func (s *Subscription) Live() bool {
	return !s.closed.Load()
}

// Close ends the subscription and releases the socket. Only the first call
// has any effect; once it returns no further events are delivered.
func (s *Subscription) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	close(s.done)
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	}

	s.wg.Wait()
	s.log.Debug().Msg("subscription closed")
	return err
}

// run connects, executes the program, and pumps messages until the
// connection fails or the subscription is closed.
func (s *Subscription) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	conn, err := s.connect(ctx)
	if err != nil {
		s.fail(err)
		return
	}

	if err := s.execute(conn); err != nil {
		s.fail(err)
		return
	}

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		metrics.StreamBytesRead.Add(float64(len(payload)))

		var msg message
		if kind == websocket.BinaryMessage {
			msg, err = decodeBinary(payload)
		} else {
			msg, err = decodeText(payload)
		}
		if err != nil {
			s.fail(err)
			return
		}

		ev, ok := s.translate(msg)
		if !ok {
			continue
		}
		if !s.emit(ev) {
			return
		}
		if _, terminal := ev.(watcher.TransportError); terminal {
			return
		}
	}
}

// attach records conn so Close can tear it down. It reports false, and
// closes conn, when the subscription was closed while dialing.
func (s *Subscription) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

// connect dials the endpoint and authenticates.
func (s *Subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	c := s.client
	start := time.Now()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	if !s.attach(conn) {
		return nil, context.Canceled
	}

	if err := conn.WriteJSON(authenticateRequest{
		Type:      "authenticate",
		Token:     c.token,
		UserAgent: c.userAgent,
	}); err != nil {
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	if err := s.awaitAuthenticated(conn); err != nil {
		return nil, err
	}

	metrics.StreamConnectDuration.Observe(time.Since(start).Seconds())
	s.log.Info().
		Str("url", c.url).
		Dur("duration", time.Since(start)).
		Msg("authenticated")

	return conn, nil
}

func (s *Subscription) awaitAuthenticated(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.client.authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await authentication: %w", err)
		}
		msg, err := decodeText(payload)
		if err != nil {
			return err
		}
		switch msg.Type {
		case typeAuthenticated:
			return nil
		case typeError:
			return fmt.Errorf("%w: %w", ErrNotAuthenticated, msg.backendError())
		default:
			s.log.Debug().Str("type", msg.Type).Msg("message before authentication")
		}
	}
}

func (s *Subscription) execute(conn *websocket.Conn) error {
	req := executeRequest{
		Type:       "execute",
		Channel:    s.Channel,
		Program:    s.Program,
		Stop:       s.Stop.UnixMilli(),
		Resolution: s.Resolution.Milliseconds(),
		Immediate:  false,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send execute: %w", err)
	}

	s.log.Info().
		Str("program", s.Program).
		Time("stop", s.Stop).
		Dur("resolution", s.Resolution).
		Msg("executing program")
	return nil
}

// translate maps a backend message to an event. Messages that carry no
// event (metadata, keep-alives, other channels) report false.
func (s *Subscription) translate(msg message) (watcher.Event, bool) {
	if msg.Channel != "" && msg.Channel != s.Channel {
		metrics.StreamMessagesIgnored.WithLabelValues("foreign_channel").Inc()
		return nil, false
	}

	if e := s.log.Debug(); e.Enabled() {
		if raw, err := json.Marshal(msg); err == nil {
			e.RawJSON("message", raw).Msg("received")
		}
	}

	switch msg.Type {
	case typeData:
		points := make([]watcher.DataPoint, 0, len(msg.Data))
		for _, d := range msg.Data {
			points = append(points, watcher.DataPoint{
				Value:      d.Value,
				Timestamp:  millis(msg.LogicalTimestampMs),
				SeriesKey:  d.TsID,
				Dimensions: s.metadata[d.TsID],
			})
		}
		return watcher.DataBatch{Points: points}, true

	case typeControlMessage:
		if msg.Event == watcher.ChannelAbort {
			return watcher.TransportError{Err: fmt.Errorf("%w: %v", ErrChannelAborted, msg.AbortInfo)}, true
		}
		return watcher.ControlMessage{Event: msg.Event, Timestamp: millis(msg.TimestampMs)}, true

	case typeError:
		return watcher.TransportError{Err: msg.backendError()}, true

	case typeMetadata:
		if msg.TsID != "" {
			s.metadata[msg.TsID] = dimensions(msg.Properties)
		}
		return nil, false

	default:
		metrics.StreamMessagesIgnored.WithLabelValues(msg.Type).Inc()
		return nil, false
	}
}

// emit delivers ev unless the subscription is closed first.
func (s *Subscription) emit(ev watcher.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// fail reports err as a transport error. Errors caused by Close are dropped.
func (s *Subscription) fail(err error) {
	if s.closed.Load() || errors.Is(err, context.Canceled) {
		return
	}
	s.log.Error().Err(err).Msg("stream failed")
	s.emit(watcher.TransportError{Err: err})
}
