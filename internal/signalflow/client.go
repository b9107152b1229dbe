// Package signalflow streams SignalFlow computations over a websocket and
// translates the backend's messages into watcher events.
package signalflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"flowprobe/internal/logger"
	"flowprobe/internal/watcher"
)

// ConnectPath is appended to the endpoint to reach the websocket API.
const ConnectPath = "/v2/signalflow/connect"

// DefaultChannel is the channel name every execution is bound to.
const DefaultChannel = "R0"

// Client errors
var (
	ErrInvalidEndpoint   = errors.New("endpoint must be a ws:// or wss:// URL")
	ErrMissingToken      = errors.New("access token is required")
	ErrEmptyProgram      = errors.New("program is required")
	ErrStopInPast        = errors.New("stop time must be after the current time")
	ErrInvalidResolution = errors.New("resolution must be positive")
	ErrNotAuthenticated  = errors.New("authentication rejected")
	ErrChannelAborted    = errors.New("computation aborted by backend")
	ErrConnectionLost    = errors.New("connection lost")
)

// Client opens streaming subscriptions against one SignalFlow endpoint.
type Client struct {
	url         string
	token       string
	userAgent   string
	dialer      *websocket.Dialer
	clock       watcher.Clock
	authTimeout time.Duration
}

// Option is a functional option for configuring the client
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithClock sets the clock used to validate stop times.
func WithClock(clock watcher.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithAuthTimeout bounds how long to wait for the authenticated reply.
func WithAuthTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.authTimeout = d
	}
}

// WithUserAgent sets the user agent reported to the backend.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for endpoint, e.g. wss://stream.us1.signalfx.com.
func NewClient(endpoint, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, ErrInvalidEndpoint
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	u.Path = strings.TrimRight(u.Path, "/") + ConnectPath

	c := &Client{
		url:       u.String(),
		token:     token,
		userAgent: "flowprobe",
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		clock:       watcher.SystemClock,
		authTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// URL returns the websocket URL the client dials.
func (c *Client) URL() string {
	return c.url
}

// Open starts a streaming execution of program that the backend stops at
// stop. It returns without waiting for the connection: dial, authentication
// and protocol failures are delivered as watcher.TransportError events, so
// the caller must consume Events before assuming success.
func (c *Client) Open(ctx context.Context, program string, stop time.Time, resolution time.Duration) (*Subscription, error) {
	if strings.TrimSpace(program) == "" {
		return nil, ErrEmptyProgram
	}
	now := c.clock.Now()
	if !stop.After(now) {
		return nil, ErrStopInPast
	}
	if resolution <= 0 {
		return nil, ErrInvalidResolution
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		Program:    program,
		Channel:    DefaultChannel,
		Start:      now,
		Stop:       stop,
		Resolution: resolution,
		client:     c,
		events:     make(chan watcher.Event),
		done:       make(chan struct{}),
		cancel:     cancel,
		metadata:   make(map[string]map[string]string),
		log:        logger.WithComponent("signalflow"),
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}
