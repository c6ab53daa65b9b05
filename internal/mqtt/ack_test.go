package mqtt

import (
	"testing"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

func TestParseAck_Valid(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		payload  []byte
		expected message.CommandAck
	}{
		{
			name:     "full ack",
			topic:    "controls/s1/A102/cam-1/ack",
			payload:  []byte(`{"command_id":"c-1","device_id":"cam-9","ok":true,"ts":1736337600000}`),
			expected: message.CommandAck{CommandID: "c-1", DeviceID: "cam-9", OK: true, Timestamp: 1736337600000},
		},
		{
			name:     "negative ack",
			topic:    "controls/s1/A102/cam-1/ack",
			payload:  []byte(`{"command_id":"c-2","ok":false}`),
			expected: message.CommandAck{CommandID: "c-2", DeviceID: "cam-1", OK: false},
		},
		{
			name:     "id alias",
			topic:    "",
			payload:  []byte(`{"id":"c-3","device_id":"cam-1"}`),
			expected: message.CommandAck{CommandID: "c-3", DeviceID: "cam-1", OK: true},
		},
		{
			name:     "device only",
			topic:    "controls/s1/A102/cam-1/ack",
			payload:  []byte(`{"ok":true,"ts":5}`),
			expected: message.CommandAck{DeviceID: "cam-1", OK: true, Timestamp: 5},
		},
		{
			name:     "device only under a certificate prefix",
			topic:    "tenant-cn/controls/siteA/A101/dev1/ack",
			payload:  []byte(`{"ok":true}`),
			expected: message.CommandAck{DeviceID: "dev1", OK: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := parseAck(tt.topic, tt.payload)
			if err != nil {
				t.Fatalf("parseAck() failed: %v", err)
			}
			if ack != tt.expected {
				t.Errorf("parseAck() = %+v, want %+v", ack, tt.expected)
			}
		})
	}
}

func TestParseAck_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
	}{
		{"invalid json", "controls/s1/r1/d1/ack", []byte(`{invalid}`)},
		{"empty", "controls/s1/r1/d1/ack", []byte(``)},
		{"nothing to match", "other/topic", []byte(`{"ok":true}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseAck(tt.topic, tt.payload); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := map[string]string{
		"controls/s1/r1/d1/ack":           "d1",
		"tenant-cn/controls/s1/r1/d1/ack": "d1",
		"controls/s1/r1/d1/set":           "",
		"controls/d1/ack":                 "",
		"":                                "",
	}
	for topic, want := range tests {
		if got := deviceFromTopic(topic); got != want {
			t.Errorf("deviceFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}
