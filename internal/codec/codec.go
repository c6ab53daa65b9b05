// Package codec converts between transport bodies and envelopes.
package codec

import (
	"bytes"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

// Options tunes decoding
type Options struct {
	// Lenient fills a missing message_id with a UUID and a missing timestamp with Now.
	Lenient bool
	// ValidateSchema checks telemetry payloads against the embedded schema.
	ValidateSchema bool
	Now            func() time.Time
}

// Codec decodes and encodes envelopes. Safe for concurrent use.
type Codec struct {
	opts   Options
	schema *schemaValidator
}

// wireEnvelope is the canonical wire form written by Encode
type wireEnvelope struct {
	MessageID string         `json:"message_id"`
	Site      string         `json:"site,omitempty"`
	Room      string         `json:"room,omitempty"`
	DeviceID  string         `json:"device_id"`
	Kind      message.Kind   `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"ts"`
	Source    string         `json:"source,omitempty"`
	Topic     string         `json:"topic,omitempty"`
}

// reserved lists top-level keys that never end up in a flat payload
var reserved = map[string]struct{}{
	"message_id": {}, "trace_id": {},
	"device_id": {}, "deviceId": {},
	"site": {}, "room": {}, "kind": {}, "payload": {},
	"ts": {}, "source": {}, "topic": {},
}

// New creates a codec
func New(opts Options) (*Codec, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Codec{opts: opts}
	if opts.ValidateSchema {
		v, err := newSchemaValidator()
		if err != nil {
			return nil, err
		}
		c.schema = v
	}
	return c, nil
}

// Decode parses a canonical body. The kind must be present in the body.
func (c *Codec) Decode(raw []byte) (message.Envelope, error) {
	doc, err := parseObject(raw)
	if err != nil {
		return message.Envelope{}, err
	}
	return c.fromDocument(doc, "", false)
}

// Normalize turns a transport delivery body into an envelope, inferring the kind from
// the topic when the body does not carry one.
func (c *Codec) Normalize(in message.Inbound, topic string) (message.Envelope, error) {
	if in.IsStructured() {
		return c.fromDocument(in.Structured, topic, true)
	}
	doc, err := parseObject(in.Raw)
	if err != nil {
		return message.Envelope{}, err
	}
	return c.fromDocument(doc, topic, true)
}

// Encode writes the canonical wire form. A nil payload is written as an empty object
// and decodes back as an empty map.
func (c *Codec) Encode(env message.Envelope) ([]byte, error) {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(wireEnvelope{
		MessageID: env.MessageID,
		Site:      env.Site,
		Room:      env.Room,
		DeviceID:  env.DeviceID,
		Kind:      env.Kind,
		Payload:   payload,
		Timestamp: env.Timestamp.UnixMilli(),
		Source:    env.Source,
		Topic:     env.Topic,
	})
}

// parseObject decodes a body into a JSON object, unwrapping one level of string encoding
func parseObject(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, message.Malformed("body", "empty")
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, message.Malformed("body", "invalid json: %v", err)
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, message.Malformed("body", "invalid nested json: %v", err)
		}
	}

	doc, ok := v.(map[string]any)
	if !ok {
		return nil, message.Malformed("body", "not a JSON object")
	}
	return doc, nil
}

func (c *Codec) fromDocument(doc map[string]any, topic string, inferKind bool) (message.Envelope, error) {
	var env message.Envelope
	var err error

	if env.MessageID, err = stringField(doc, "message_id", "trace_id"); err != nil {
		return message.Envelope{}, err
	}
	if env.MessageID == "" {
		if !c.opts.Lenient {
			return message.Envelope{}, message.Malformed("message_id", "missing")
		}
		env.MessageID = uuid.NewString()
	}

	if env.DeviceID, err = stringField(doc, "device_id", "deviceId"); err != nil {
		return message.Envelope{}, err
	}
	if env.DeviceID == "" {
		return message.Envelope{}, message.Malformed("device_id", "missing")
	}

	if env.Site, err = stringField(doc, "site"); err != nil {
		return message.Envelope{}, err
	}
	if env.Room, err = stringField(doc, "room"); err != nil {
		return message.Envelope{}, err
	}
	if env.Source, err = stringField(doc, "source"); err != nil {
		return message.Envelope{}, err
	}
	if env.Topic, err = stringField(doc, "topic"); err != nil {
		return message.Envelope{}, err
	}
	if env.Topic == "" {
		env.Topic = topic
	}

	if env.Kind, err = c.kind(doc, topic, inferKind); err != nil {
		return message.Envelope{}, err
	}
	if env.Timestamp, err = c.timestamp(doc); err != nil {
		return message.Envelope{}, err
	}
	if env.Payload, err = payloadOf(doc); err != nil {
		return message.Envelope{}, err
	}

	if env.Kind == message.KindTelemetry && c.schema != nil {
		if err := c.schema.validate(env.Payload); err != nil {
			return message.Envelope{}, err
		}
	}
	return env, nil
}

// stringField returns the first present key among names; present values must be strings
func stringField(doc map[string]any, names ...string) (string, error) {
	for _, name := range names {
		v, ok := doc[name]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", message.Malformed(name, "expected string, got %T", v)
		}
		return s, nil
	}
	return "", nil
}

func (c *Codec) kind(doc map[string]any, topic string, inferKind bool) (message.Kind, error) {
	s, err := stringField(doc, "kind")
	if err != nil {
		return "", err
	}
	if s != "" {
		k, ok := message.ParseKind(s)
		if !ok {
			return "", message.Malformed("kind", "unknown kind %q", s)
		}
		return k, nil
	}
	if inferKind {
		if k, ok := KindFromTopic(topic); ok {
			return k, nil
		}
	}
	return "", message.Malformed("kind", "missing")
}

func (c *Codec) timestamp(doc map[string]any) (time.Time, error) {
	switch v := doc["ts"].(type) {
	case float64:
		if v <= 0 {
			return time.Time{}, message.Malformed("ts", "must be positive, got %v", v)
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, message.Malformed("ts", "invalid timestamp %q", v)
		}
		// the wire form carries milliseconds
		return t.UTC().Truncate(time.Millisecond), nil
	case nil:
		if c.opts.Lenient {
			return time.UnixMilli(c.opts.Now().UnixMilli()).UTC(), nil
		}
		return time.Time{}, message.Malformed("ts", "missing")
	default:
		return time.Time{}, message.Malformed("ts", "expected number or string, got %T", v)
	}
}

func payloadOf(doc map[string]any) (map[string]any, error) {
	if v, ok := doc["payload"]; ok && v != nil {
		nested, ok := v.(map[string]any)
		if !ok {
			return nil, message.Malformed("payload", "expected object, got %T", v)
		}
		out := make(map[string]any, len(nested))
		for k, fv := range nested {
			out[k] = fv
		}
		return out, nil
	}

	out := make(map[string]any)
	for k, v := range doc {
		if _, skip := reserved[k]; skip {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// KindFromTopic infers the message kind from an MQTT topic
func KindFromTopic(topic string) (message.Kind, bool) {
	if topic == "" {
		return "", false
	}
	segments := strings.Split(topic, "/")
	if segments[len(segments)-1] == "telemetry" {
		return message.KindTelemetry, true
	}
	if segments[len(segments)-1] == "set" {
		return message.KindControl, true
	}
	for _, s := range segments {
		if s == "control" || s == "controls" {
			return message.KindControl, true
		}
	}
	return "", false
}
