package jsonfast

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		min      int
	}{
		{"positive capacity", 512, 512},
		{"zero capacity", 0, 256},
		{"negative capacity", -10, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.capacity)
			if cap(b.buf) < tt.min {
				t.Errorf("Expected capacity >= %d, got %d", tt.min, cap(b.buf))
			}
		})
	}
}

func TestReset(t *testing.T) {
	b := New(256)
	b.AddStringField("test", "value")
	b.EndObject()

	clone := b.Clone()
	b.Reset()

	if len(b.Bytes()) != 0 {
		t.Errorf("Expected empty buffer after reset, got length %d", len(b.Bytes()))
	}
	if string(clone) != `{"test":"value"}` {
		t.Errorf("Clone changed by Reset: %s", clone)
	}
}

func TestFields(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Builder)
		want  string
	}{
		{"string", func(b *Builder) { b.AddStringField("k", "v") }, `{"k":"v"}`},
		{"int", func(b *Builder) { b.AddIntField("n", -42) }, `{"n":-42}`},
		{"int64", func(b *Builder) { b.AddInt64Field("ts", 1736337600000) }, `{"ts":1736337600000}`},
		{"bool", func(b *Builder) { b.AddBoolField("ok", true) }, `{"ok":true}`},
		{"raw", func(b *Builder) { b.AddRawJSONField("env", []byte(`{"a":1}`)) }, `{"env":{"a":1}}`},
		{"raw empty", func(b *Builder) { b.AddRawJSONField("env", nil) }, `{"env":null}`},
		{"several", func(b *Builder) {
			b.AddStringField("id", "m1")
			b.AddIntField("attempts", 6)
			b.AddBoolField("retryable", false)
		}, `{"id":"m1","attempts":6,"retryable":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(64)
			tt.build(b)
			b.EndObject()
			if got := string(b.Bytes()); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAddTimeRFC3339Field(t *testing.T) {
	testTime := time.Date(2025, 11, 8, 10, 30, 45, 123456789, time.FixedZone("CET", 3600))

	b := New(64)
	b.AddTimeRFC3339Field("at", testTime)
	b.EndObject()

	want := `{"at":"2025-11-08T09:30:45.123Z"}`
	if got := string(b.Bytes()); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	var parsed map[string]string
	if err := json.Unmarshal(b.Bytes(), &parsed); err != nil {
		t.Fatalf("Generated invalid JSON: %v", err)
	}
	back, err := time.Parse(time.RFC3339Nano, parsed["at"])
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}
	if !back.Equal(testTime.Truncate(time.Millisecond)) {
		t.Errorf("Expected %v, got %v", testTime, back)
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`say "hi"`, `say \"hi\"`},
		{`back\slash`, `back\\slash`},
		{"line\nbreak\ttab\r", `line\nbreak\ttab\r`},
		{"\x01\x1f", `\u0001\u001f`},
		{"\b\f", `\b\f`},
	}
	for _, tt := range tests {
		b := New(32)
		b.escapeString(tt.in)
		if got := string(b.buf); got != tt.want {
			t.Errorf("escapeString(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValidJSON(t *testing.T) {
	b := New(256)
	b.AddStringField("reason", "sink write \"m1\" failed:\n timeout")
	b.AddRawJSONField("envelope", []byte(`{"message_id":"m1","payload":{"lux":120}}`))
	b.AddTimeRFC3339Field("abandoned_at", time.Unix(0, 0))
	b.EndObject()

	var parsed map[string]interface{}
	if err := json.Unmarshal(b.Bytes(), &parsed); err != nil {
		t.Fatalf("Generated invalid JSON: %v\n%s", err, b.Bytes())
	}
	env, ok := parsed["envelope"].(map[string]interface{})
	if !ok || env["message_id"] != "m1" {
		t.Errorf("envelope not embedded as object: %v", parsed["envelope"])
	}
}

func BenchmarkBuilder(b *testing.B) {
	builder := New(512)
	raw := []byte(`{"message_id":"m1","payload":{"lux":120}}`)
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		builder.Reset()
		builder.AddStringField("message_id", "m1")
		builder.AddIntField("attempts", 6)
		builder.AddRawJSONField("envelope", raw)
		builder.AddTimeRFC3339Field("abandoned_at", now)
		builder.EndObject()
		_ = builder.Bytes()
	}
}
