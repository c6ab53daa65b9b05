// Package message provides the shared data model of the relay: envelopes, transport deliveries
// and control acknowledgments.
package message

import "time"

// Payload is the canonical alias for raw message body
type Payload = []byte

// Kind distinguishes telemetry readings from control commands
type Kind string

const (
	// KindTelemetry is a sensor reading published by a device
	KindTelemetry Kind = "telemetry"
	// KindControl is a command addressed to a device
	KindControl Kind = "control"
)

// ParseKind maps a wire value to a Kind
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindTelemetry:
		return KindTelemetry, true
	case KindControl:
		return KindControl, true
	}
	return "", false
}

// Envelope is one decoded telemetry or control message.
// Timestamps are not monotonic per device: out-of-order delivery is expected.
type Envelope struct {
	MessageID string
	Site      string
	Room      string
	DeviceID  string
	Kind      Kind
	// Payload holds JSON values: numbers are float64 and a decoded payload is never nil.
	Payload map[string]any
	// Timestamp has millisecond precision in UTC.
	Timestamp time.Time
	Source    string
	Topic     string
}

// Float returns a numeric payload field
func (e *Envelope) Float(field string) (float64, bool) {
	switch v := e.Payload[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns a boolean payload field
func (e *Envelope) Bool(field string) (bool, bool) {
	v, ok := e.Payload[field].(bool)
	return v, ok
}

// Inbound is the body of a transport delivery before normalization.
// Exactly one of Raw or Structured is set.
type Inbound struct {
	Raw        Payload
	Structured map[string]any
}

// RawBytes wraps an undecoded body
func RawBytes(b []byte) Inbound {
	return Inbound{Raw: b}
}

// Structured wraps an already decoded JSON object
func Structured(m map[string]any) Inbound {
	return Inbound{Structured: m}
}

// IsStructured reports whether the body was already decoded by the transport
func (i Inbound) IsStructured() bool {
	return i.Structured != nil
}

// Delivery is one inbound message as handed over by a transport
type Delivery struct {
	Transport string
	Topic     string
	Body      Inbound
	// Ack acknowledges the delivery to the transport. Nil when the transport has no ack.
	Ack func()
	// Release hands an accepted but unacknowledged delivery back to the transport so
	// it can be redelivered. Nil when the transport redelivers on its own.
	Release func()
}

// Handler consumes deliveries. A returned error wrapping ErrQueueFull asks the transport
// to apply its own flow control and retry later.
type Handler func(Delivery) error

// CommandAck is a device acknowledgment of a control command
type CommandAck struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	OK        bool   `json:"ok"`
	Timestamp int64  `json:"ts"`
}
