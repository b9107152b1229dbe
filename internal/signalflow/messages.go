package signalflow

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
)

// Message types sent by the backend.
const (
	typeAuthenticated  = "authenticated"
	typeControlMessage = "control-message"
	typeData           = "data"
	typeError          = "error"
	typeMetadata       = "metadata"
)

// Binary frame layout: version, type, flags, reserved, 16-byte channel name.
const (
	binaryHeaderLen  = 20
	binaryChannelLen = 16

	flagCompressed = 0x01
	flagJSON       = 0x02

	binaryTypeData = 5

	valueTypeLong   = 1
	valueTypeDouble = 2
	valueTypeInt    = 3
)

// Codec errors
var (
	ErrShortFrame       = errors.New("binary frame too short")
	ErrUnknownValueType = errors.New("unknown value type in data message")
)

// message is the union of every backend message the probe understands.
type message struct {
	Type               string            `json:"type"`
	Channel            string            `json:"channel,omitempty"`
	Event              string            `json:"event,omitempty"`
	TimestampMs        int64             `json:"timestampMs,omitempty"`
	LogicalTimestampMs int64             `json:"logicalTimestampMs,omitempty"`
	Data               []dataEntry       `json:"data,omitempty"`
	TsID               string            `json:"tsId,omitempty"`
	Properties         map[string]any    `json:"properties,omitempty"`
	Error              json.RawMessage   `json:"error,omitempty"`
	ErrorType          string            `json:"errorType,omitempty"`
	Message            json.RawMessage   `json:"message,omitempty"`
	AbortInfo          map[string]string `json:"abortInfo,omitempty"`
}

type dataEntry struct {
	TsID  string  `json:"tsId"`
	Value float64 `json:"value"`
}

// authenticateRequest opens the session.
type authenticateRequest struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	UserAgent string `json:"userAgent,omitempty"`
}

// executeRequest starts a computation on a channel.
type executeRequest struct {
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	Program    string `json:"program"`
	Stop       int64  `json:"stop"`
	Resolution int64  `json:"resolution"`
	Immediate  bool   `json:"immediate"`
}

// BackendError is an error message reported by the backend.
type BackendError struct {
	Code    string
	Type    string
	Message string
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString("signalflow error")
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	if e.Type != "" {
		b.WriteString(" (" + e.Type + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (m message) backendError() *BackendError {
	return &BackendError{
		Code:    strings.Trim(string(m.Error), `"`),
		Type:    m.ErrorType,
		Message: rawText(m.Message),
	}
}

// rawText renders a JSON string as its value and anything else verbatim.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeText(payload []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// decodeBinary parses a binary frame. Compressed payloads are inflated and
// JSON payloads decoded as text messages; data payloads are unpacked.
func decodeBinary(frame []byte) (message, error) {
	if len(frame) < binaryHeaderLen {
		return message{}, ErrShortFrame
	}

	version := frame[0]
	msgType := frame[1]
	flags := frame[2]
	channel := strings.TrimRight(string(frame[4:4+binaryChannelLen]), "\x00")
	payload := frame[binaryHeaderLen:]

	if flags&flagCompressed != 0 {
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return message{}, fmt.Errorf("inflate frame: %w", err)
		}
		defer zr.Close()
		if payload, err = io.ReadAll(zr); err != nil {
			return message{}, fmt.Errorf("inflate frame: %w", err)
		}
	}

	if flags&flagJSON != 0 {
		msg, err := decodeText(payload)
		if err != nil {
			return message{}, err
		}
		if msg.Channel == "" {
			msg.Channel = channel
		}
		return msg, nil
	}

	if msgType != binaryTypeData {
		return message{Type: fmt.Sprintf("binary-%d", msgType), Channel: channel}, nil
	}

	return decodeBinaryData(version, channel, payload)
}

func decodeBinaryData(version byte, channel string, payload []byte) (message, error) {
	r := bytes.NewReader(payload)

	var timestamp int64
	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return message{}, fmt.Errorf("%w: timestamp", ErrShortFrame)
	}
	if version >= 2 {
		var maxDelay int64
		if err := binary.Read(r, binary.BigEndian, &maxDelay); err != nil {
			return message{}, fmt.Errorf("%w: max delay", ErrShortFrame)
		}
	}

	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return message{}, fmt.Errorf("%w: element count", ErrShortFrame)
	}
	if count < 0 || int64(count)*17 > int64(r.Len()) {
		return message{}, fmt.Errorf("%w: %d elements", ErrShortFrame, count)
	}

	msg := message{
		Type:               typeData,
		Channel:            channel,
		LogicalTimestampMs: timestamp,
		Data:               make([]dataEntry, 0, count),
	}

	var element struct {
		ValueType byte
		TsID      [8]byte
		Value     [8]byte
	}
	for i := int32(0); i < count; i++ {
		if err := binary.Read(r, binary.BigEndian, &element); err != nil {
			return message{}, fmt.Errorf("%w: element %d", ErrShortFrame, i)
		}

		var value float64
		raw := binary.BigEndian.Uint64(element.Value[:])
		switch element.ValueType {
		case valueTypeLong:
			value = float64(int64(raw))
		case valueTypeDouble:
			value = math.Float64frombits(raw)
		case valueTypeInt:
			value = float64(int32(uint32(raw)))
		default:
			return message{}, fmt.Errorf("%w: %d", ErrUnknownValueType, element.ValueType)
		}

		msg.Data = append(msg.Data, dataEntry{
			TsID:  base64.RawURLEncoding.EncodeToString(element.TsID[:]),
			Value: value,
		})
	}

	return msg, nil
}

// millis converts epoch milliseconds; zero stays the zero time.
func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// dimensions flattens metadata properties into string pairs.
func dimensions(props map[string]any) map[string]string {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
