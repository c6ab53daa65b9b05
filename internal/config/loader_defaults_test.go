package config

import (
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := Validate(defaultConfig()); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}
}

func TestDefaultMQTTConfig(t *testing.T) {
	cfg := defaultMQTTConfig()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Enabled", cfg.Enabled, true},
		{"TelemetryTopic", cfg.TelemetryTopic, "devices/+/+/+/telemetry"},
		{"ControlTopic", cfg.ControlTopic, "control/+/+/+/light/set"},
		{"CommandAckTopic", cfg.CommandAckTopic, "controls/+/+/+/ack"},
		{"CommandTopicPrefix", cfg.CommandTopicPrefix, "controls"},
		{"QoS", cfg.QoS, byte(1)},
		{"PoolSize", cfg.PoolSize, 4},
		{"TLSEnabled", cfg.TLSEnabled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("defaultMQTTConfig() %s = %v; want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDefaultRelayConfig(t *testing.T) {
	cfg := defaultRelayConfig()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"QueueCapacity", cfg.QueueCapacity, 10000},
		{"MaxRetries", cfg.MaxRetries, 5},
		{"DedupWindow", cfg.DedupWindow, 5 * time.Minute},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
		{"LenientDecode", cfg.LenientDecode, false},
		{"ValidateSchema", cfg.ValidateSchema, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("defaultRelayConfig() %s = %v; want %v", tt.name, tt.got, tt.want)
			}
		})
	}
	if cfg.MaxInFlight < cfg.QueueCapacity {
		t.Errorf("MaxInFlight = %d; want >= QueueCapacity %d", cfg.MaxInFlight, cfg.QueueCapacity)
	}
}

func TestDefaultAuxConfigs(t *testing.T) {
	if got := defaultControlConfig().OnProb; got != 0.85 {
		t.Errorf("Control.OnProb = %v; want 0.85", got)
	}
	if got := defaultEscalationConfig().Mode; got != EscalateLog {
		t.Errorf("Escalation.Mode = %s; want log", got)
	}
	if got := defaultHealthConfig().Address; got != ":8080" {
		t.Errorf("Health.Address = %s; want :8080", got)
	}
	if got := defaultStoreConfig().Driver; got != StoreRedis {
		t.Errorf("Store.Driver = %s; want redis", got)
	}
}
