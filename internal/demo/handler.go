// Package demo is a sample queue-triggered function handler. It is deployed
// next to the probe as the function whose invocations get counted and shares
// no code path with the watcher.
package demo

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"flowprobe/internal/logger"
)

// Record is one queue message delivered to the handler.
type Record struct {
	MessageID string            `json:"messageId"`
	Body      string            `json:"body"`
	Attrs     map[string]string `json:"attributes,omitempty"`
}

// Event is the batch the handler receives.
type Event struct {
	Records []Record `json:"Records"`
}

// InvocationContext describes the current invocation.
type InvocationContext struct {
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	RequestID       string `json:"awsRequestId"`
	MemoryLimitMB   int    `json:"memoryLimitInMB"`
}

// Response acknowledges the batch.
type Response struct {
	Response string `json:"response"`
}

// Handler logs what it receives and acknowledges it.
type Handler struct {
	log     zerolog.Logger
	environ func() []string
}

// Option is a functional option for configuring the handler
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithEnviron overrides the environment source.
func WithEnviron(environ func() []string) Option {
	return func(h *Handler) {
		h.environ = environ
	}
}

// NewHandler creates a demo handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		log:     logger.WithComponent("demo"),
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle logs every record body, the environment, the invocation context and
// the event, then returns a fixed acknowledgement.
func (h *Handler) Handle(ctx context.Context, ic InvocationContext, event Event) (Response, error) {
	for _, record := range event.Records {
		h.log.Info().Msg(record.Body)
	}

	h.log.Info().Msg("## ENVIRONMENT VARIABLES: " + serialize(h.environment()))
	h.log.Info().Msg("## CONTEXT: " + serialize(ic))
	h.log.Info().Msg("## EVENT: " + serialize(event))

	unique := lo.Uniq([]int{1, 2, 1, 3, 1})
	h.log.Info().Msg("## calling a library: " + join(unique))

	return Response{Response: "Yay!"}, nil
}

// environment returns the process environment with secrets left out.
func (h *Handler) environment() map[string]string {
	env := make(map[string]string)
	for _, kv := range h.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return lo.OmitBy(env, func(key string, _ string) bool {
		return strings.Contains(strings.ToUpper(key), "TOKEN")
	})
}

func serialize(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(out)
}

func join(values []int) string {
	return strings.Join(lo.Map(values, func(v int, _ int) string {
		return strconv.Itoa(v)
	}), ",")
}
