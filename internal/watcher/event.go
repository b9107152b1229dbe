package watcher

import "time"

// Control message events emitted by the streaming backend.
const (
	EndOfChannel = "END_OF_CHANNEL"
	ChannelAbort = "CHANNEL_ABORT"
	StreamStart  = "STREAM_START"
	JobStart     = "JOB_START"
)

// Event is one typed message from a streaming subscription. It is one of
// DataBatch, ControlMessage or TransportError.
type Event interface {
	Kind() string
}

// DataPoint is a single aggregate value delivered by the backend.
type DataPoint struct {
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	SeriesKey  string            `json:"series_key"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// DataBatch carries points in backend delivery order.
type DataBatch struct {
	Points []DataPoint
}

// ControlMessage is a backend control signal such as END_OF_CHANNEL.
type ControlMessage struct {
	Event     string
	Timestamp time.Time
}

// TransportError reports a socket or protocol failure.
type TransportError struct {
	Err error
}

func (DataBatch) Kind() string      { return "data" }
func (ControlMessage) Kind() string { return "control" }
func (TransportError) Kind() string { return "error" }

func (e TransportError) Error() string {
	if e.Err == nil {
		return "transport error"
	}
	return e.Err.Error()
}

func (e TransportError) Unwrap() error { return e.Err }
