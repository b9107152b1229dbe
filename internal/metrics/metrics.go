package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds the probe's own collectors, kept apart from the default
// registry so a Pushgateway push only carries probe metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Stream metrics
	StreamEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowprobe_stream_events_total",
			Help: "Total number of stream events received",
		},
		[]string{"kind"}, // kind: data, control, error
	)

	StreamMessagesIgnored = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowprobe_stream_messages_ignored_total",
			Help: "Total number of backend messages that carried no event",
		},
		[]string{"type"},
	)

	StreamBytesRead = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "flowprobe_stream_bytes_read_total",
			Help: "Total bytes read from the streaming connection",
		},
	)

	StreamConnectDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowprobe_stream_connect_duration_seconds",
			Help:    "Time taken to dial and authenticate",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Watcher metrics
	PointsEvaluatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "flowprobe_points_evaluated_total",
			Help: "Total number of data points checked against the threshold",
		},
	)

	LastValue = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowprobe_last_value",
			Help: "Most recent aggregate value evaluated",
		},
	)

	Threshold = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowprobe_threshold",
			Help: "Threshold the aggregate must reach",
		},
	)

	DecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowprobe_decisions_total",
			Help: "Terminal decisions by outcome",
		},
		[]string{"outcome"},
	)

	TimeToDecision = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowprobe_time_to_decision_seconds",
			Help:    "Time from subscription to decision",
			Buckets: []float64{1, 2.5, 5, 10, 15, 30, 45, 60, 90, 120, 300},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowprobe_kafka_publish_total",
			Help: "Total number of decision records published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "flowprobe_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowprobe_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)

	// HTTP metrics
	HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowprobe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowprobe_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint", "status"},
	)
)

// Push sends the current probe metrics to a Prometheus Pushgateway, grouped
// by function and run id.
func Push(ctx context.Context, url, function, runID string) error {
	pusher := push.New(url, "flowprobe").
		Gatherer(Registry).
		Grouping("function", function).
		Grouping("run_id", runID)

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
