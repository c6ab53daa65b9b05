package config

import "fmt"

// Validate checks configuration constraints
func Validate(cfg *Config) error {
	if !cfg.MQTT.Enabled && !cfg.Redis.StreamEnabled {
		return fmt.Errorf("at least one source must be enabled (mqtt or redis stream)")
	}
	if err := validateMQTT(&cfg.MQTT); err != nil {
		return err
	}
	if err := validateRedis(&cfg.Redis); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateRelay(&cfg.Relay); err != nil {
		return err
	}
	if err := validateControl(cfg); err != nil {
		return err
	}
	if err := validateEscalation(cfg); err != nil {
		return err
	}
	return validateHealth(&cfg.Health)
}

// validateMQTT validates MQTT configuration
func validateMQTT(cfg *MQTTConfig) error {
	if cfg.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("mqtt client ID cannot be empty")
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("mqtt pool size must be positive")
	}
	if cfg.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.Enabled && cfg.TelemetryTopic == "" {
		return fmt.Errorf("mqtt telemetry topic cannot be empty")
	}
	if cfg.CommandTopicPrefix == "" {
		return fmt.Errorf("mqtt command topic prefix cannot be empty")
	}
	return nil
}

// validateRedis validates Redis configuration
func validateRedis(cfg *RedisConfig) error {
	if cfg.Address == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if !cfg.StreamEnabled {
		return nil
	}
	if cfg.Stream == "" {
		return fmt.Errorf("redis stream cannot be empty")
	}
	if cfg.Group == "" {
		return fmt.Errorf("redis group cannot be empty")
	}
	if cfg.Consumer == "" {
		return fmt.Errorf("redis consumer name cannot be empty")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("redis batch size must be positive")
	}
	return nil
}

// validateStore validates the store selection
func validateStore(cfg *Config) error {
	switch cfg.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if cfg.Redis.KeyPrefix == "" {
			return fmt.Errorf("redis key prefix cannot be empty")
		}
	case StorePostgres:
		if cfg.Postgres.URL == "" {
			return fmt.Errorf("postgres url cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

// validateRelay validates coordinator configuration
func validateRelay(cfg *RelayConfig) error {
	if cfg.QueueCapacity < 1 {
		return fmt.Errorf("relay queue capacity must be positive")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("relay batch size must be positive")
	}
	if cfg.DrainInterval <= 0 {
		return fmt.Errorf("relay drain interval must be positive")
	}
	if cfg.MaxInFlight < cfg.QueueCapacity {
		return fmt.Errorf("relay max in flight (%d) must be at least the queue capacity (%d)",
			cfg.MaxInFlight, cfg.QueueCapacity)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("relay max retries cannot be negative")
	}
	if cfg.RetryJitter < 0 || cfg.RetryJitter >= 1 {
		return fmt.Errorf("relay retry jitter must be in [0,1)")
	}
	if cfg.DedupWindow <= 0 {
		return fmt.Errorf("relay dedup window must be positive")
	}
	if cfg.AdmitTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay admit and shutdown timeouts must be positive")
	}
	return nil
}

// validateControl validates control session configuration
func validateControl(cfg *Config) error {
	if !cfg.Control.Enabled {
		return nil
	}
	if !cfg.MQTT.Enabled {
		return fmt.Errorf("control sessions require mqtt")
	}
	if cfg.Control.OnProb < 0 || cfg.Control.OnProb > 1 {
		return fmt.Errorf("control on_prob must be in [0,1]")
	}
	if cfg.Control.CommandTimeout <= 0 {
		return fmt.Errorf("control command timeout must be positive")
	}
	if cfg.Control.OffDelay < 0 {
		return fmt.Errorf("control off delay cannot be negative")
	}
	if cfg.Control.MaxReissues < 0 {
		return fmt.Errorf("control max reissues cannot be negative")
	}
	if cfg.Control.SweepInterval <= 0 {
		return fmt.Errorf("control sweep interval must be positive")
	}
	return nil
}

// validateEscalation validates the dead letter configuration
func validateEscalation(cfg *Config) error {
	switch cfg.Escalation.Mode {
	case EscalateLog:
	case EscalateMQTT:
		if cfg.MQTT.DeadLetterTopic == "" {
			return fmt.Errorf("mqtt dead letter topic cannot be empty")
		}
	case EscalateKafka:
		if len(cfg.Escalation.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka escalation requires at least one broker")
		}
		if cfg.Escalation.KafkaTopic == "" {
			return fmt.Errorf("kafka escalation topic cannot be empty")
		}
	default:
		return fmt.Errorf("unknown escalation mode %q", cfg.Escalation.Mode)
	}
	return nil
}

// validateHealth validates the health endpoint configuration
func validateHealth(cfg *HealthConfig) error {
	if cfg.Enabled && cfg.Address == "" {
		return fmt.Errorf("health address cannot be empty")
	}
	return nil
}
