package message

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"telemetry", KindTelemetry, true},
		{"control", KindControl, true},
		{"Telemetry", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseKind(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseKind(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEnvelopeAccessors(t *testing.T) {
	env := Envelope{Payload: map[string]any{
		"lux":       float64(120),
		"count":     3,
		"occupancy": true,
		"label":     "x",
	}}

	if v, ok := env.Float("lux"); !ok || v != 120 {
		t.Errorf("Float(lux) = %v, %v", v, ok)
	}
	if v, ok := env.Float("count"); !ok || v != 3 {
		t.Errorf("Float(count) = %v, %v", v, ok)
	}
	if _, ok := env.Float("label"); ok {
		t.Error("Float(label) should not be numeric")
	}
	if v, ok := env.Bool("occupancy"); !ok || !v {
		t.Errorf("Bool(occupancy) = %v, %v", v, ok)
	}
	if _, ok := env.Bool("missing"); ok {
		t.Error("Bool(missing) should be absent")
	}
}

func TestInbound(t *testing.T) {
	raw := RawBytes([]byte(`{}`))
	if raw.IsStructured() {
		t.Error("raw body reported as structured")
	}
	doc := Structured(map[string]any{"a": 1})
	if !doc.IsStructured() {
		t.Error("structured body not reported as structured")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := &SinkWriteError{MessageID: "m1", Retryable: true, Err: errors.New("timeout")}
	permanent := &SinkWriteError{MessageID: "m2", Retryable: false, Err: errors.New("bad doc")}

	if !IsRetryable(fmt.Errorf("wrapped: %w", retryable)) {
		t.Error("wrapped retryable error not detected")
	}
	if IsRetryable(permanent) {
		t.Error("permanent error reported retryable")
	}
	if !IsRetryable(errors.New("unclassified")) {
		t.Error("unclassified errors should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestMalformed(t *testing.T) {
	err := Malformed("device_id", "missing")
	var mpe *MalformedPayloadError
	if !errors.As(err, &mpe) {
		t.Fatal("expected MalformedPayloadError")
	}
	if mpe.Field != "device_id" {
		t.Errorf("Field = %s; want device_id", mpe.Field)
	}
	if err.Error() != `malformed payload: field "device_id": missing` {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRetriesExhaustedUnwrap(t *testing.T) {
	last := errors.New("connection refused")
	err := &RetriesExhaustedError{MessageID: "m", Attempts: 6, Last: last}
	if !errors.Is(err, last) {
		t.Error("RetriesExhaustedError should unwrap to last error")
	}
}
