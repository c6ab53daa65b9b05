package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
)

// loadMQTTFromEnv loads MQTT configuration from environment variables
func loadMQTTFromEnv(cfg *MQTTConfig) {
	loadMQTTStrings(cfg)
	loadMQTTTopics(cfg)
	loadMQTTInts(cfg)
	loadMQTTTimeouts(cfg)
	loadMQTTTLS(cfg)
	loadMQTTBools(cfg)
}

func loadMQTTStrings(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := getEnvString("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
}

func loadMQTTTopics(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_TELEMETRY_TOPIC"); v != "" {
		cfg.TelemetryTopic = v
	}
	if v := getEnvString("MQTT_CONTROL_TOPIC"); v != "" {
		cfg.ControlTopic = v
	}
	if v := getEnvString("MQTT_COMMAND_ACK_TOPIC"); v != "" {
		cfg.CommandAckTopic = v
	}
	if v := getEnvString("MQTT_COMMAND_TOPIC_PREFIX"); v != "" {
		cfg.CommandTopicPrefix = v
	}
	if v := getEnvString("MQTT_DEAD_LETTER_TOPIC"); v != "" {
		cfg.DeadLetterTopic = v
	}
}

func loadMQTTInts(cfg *MQTTConfig) {
	if v, ok := getEnvIntOK("MQTT_QOS"); ok && v >= 0 && v <= 2 {
		cfg.QoS = byte(v) // #nosec G115 - validated range 0-2
	}
	if v := getEnvInt("MQTT_POOL_SIZE"); v != 0 {
		cfg.PoolSize = v
	}
	if v := getEnvInt("MQTT_DISCONNECT_TIMEOUT"); v > 0 {
		cfg.DisconnectTimeout = uint(v) // #nosec G115 - checked positive
	}
}

func loadMQTTTimeouts(cfg *MQTTConfig) {
	if v := getEnvDuration("MQTT_CONNECT_TIMEOUT"); v != 0 {
		cfg.ConnectTimeout = v
	}
	if v := getEnvDuration("MQTT_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL"); v != 0 {
		cfg.MaxReconnectInterval = v
	}
	if v := getEnvDuration("MQTT_SUBSCRIBE_TIMEOUT"); v != 0 {
		cfg.SubscribeTimeout = v
	}
}

func loadMQTTTLS(cfg *MQTTConfig) {
	if v := getEnvString("MQTT_CA_CERT"); v != "" {
		cfg.CACert = v
	}
	if v := getEnvString("MQTT_CLIENT_CERT"); v != "" {
		cfg.ClientCert = v
	}
	if v := getEnvString("MQTT_CLIENT_KEY"); v != "" {
		cfg.ClientKey = v
	}
}

func loadMQTTBools(cfg *MQTTConfig) {
	if v, ok := getEnvBool("MQTT_ENABLED"); ok {
		cfg.Enabled = v
	}
	if v, ok := getEnvBool("MQTT_TLS_ENABLED"); ok {
		cfg.TLSEnabled = v
	}
	if v, ok := getEnvBool("MQTT_TLS_INSECURE_SKIP"); ok {
		cfg.InsecureSkip = v
	}
	if v, ok := getEnvBool("MQTT_USE_CERT_CN_PREFIX"); ok {
		cfg.UseCertCNPrefix = v
	}
}

// loadRedisFromEnv loads Redis configuration from environment variables
func loadRedisFromEnv(cfg *RedisConfig) {
	loadRedisStrings(cfg)
	loadRedisInts(cfg)
	loadRedisTimeouts(cfg)
	if v, ok := getEnvBool("REDIS_STREAM_ENABLED"); ok {
		cfg.StreamEnabled = v
	}
}

func loadRedisStrings(cfg *RedisConfig) {
	if v := getEnvString("REDIS_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := getEnvString("REDIS_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := getEnvString("REDIS_STREAM"); v != "" {
		cfg.Stream = v
	}
	if v := getEnvString("REDIS_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := getEnvString("REDIS_CONSUMER"); v != "" {
		cfg.Consumer = v
	}
	if v := getEnvString("REDIS_KEY_PREFIX"); v != "" {
		cfg.KeyPrefix = v
	}
}

func loadRedisInts(cfg *RedisConfig) {
	if v := getEnvInt("REDIS_BATCH_SIZE"); v != 0 {
		cfg.BatchSize = v
	}
	if v, ok := getEnvIntOK("REDIS_DB"); ok {
		cfg.DB = v
	}
}

func loadRedisTimeouts(cfg *RedisConfig) {
	if v := getEnvDuration("REDIS_BLOCK_TIMEOUT"); v != 0 {
		cfg.BlockTimeout = v
	}
	if v := getEnvDuration("REDIS_CLAIM_IDLE"); v != 0 {
		cfg.ClaimIdle = v
	}
	if v := getEnvDuration("REDIS_CONSUMER_IDLE_TIMEOUT"); v != 0 {
		cfg.ConsumerIdleTimeout = v
	}
	if v := getEnvDuration("REDIS_CLEANUP_INTERVAL"); v != 0 {
		cfg.CleanupInterval = v
	}
	if v := getEnvDuration("REDIS_DIAL_TIMEOUT"); v != 0 {
		cfg.DialTimeout = v
	}
	if v := getEnvDuration("REDIS_READ_TIMEOUT"); v != 0 {
		cfg.ReadTimeout = v
	}
	if v := getEnvDuration("REDIS_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
	if v := getEnvDuration("REDIS_PING_TIMEOUT"); v != 0 {
		cfg.PingTimeout = v
	}
}

// loadStoreFromEnv loads the store selection from environment variables
func loadStoreFromEnv(cfg *StoreConfig) {
	if v := getEnvString("STORE_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := getEnvDuration("STORE_WRITE_TIMEOUT"); v != 0 {
		cfg.WriteTimeout = v
	}
}

// loadRelayFromEnv loads coordinator configuration from environment variables
func loadRelayFromEnv(cfg *RelayConfig) {
	loadRelayInts(cfg)
	loadRelayTimeouts(cfg)
	loadRelayRetry(cfg)
	if v, ok := getEnvBool("RELAY_LENIENT_DECODE"); ok {
		cfg.LenientDecode = v
	}
	if v, ok := getEnvBool("RELAY_VALIDATE_SCHEMA"); ok {
		cfg.ValidateSchema = v
	}
}

func loadRelayInts(cfg *RelayConfig) {
	if v := getEnvInt("RELAY_QUEUE_CAPACITY"); v != 0 {
		cfg.QueueCapacity = v
	}
	if v := getEnvInt("RELAY_BATCH_SIZE"); v != 0 {
		cfg.BatchSize = v
	}
	if v := getEnvInt("RELAY_MAX_IN_FLIGHT"); v != 0 {
		cfg.MaxInFlight = v
	}
	if v := getEnvInt("RELAY_DEDUP_MAX_ENTRIES"); v != 0 {
		cfg.DedupMaxEntries = v
	}
}

func loadRelayTimeouts(cfg *RelayConfig) {
	if v := getEnvDuration("RELAY_DRAIN_INTERVAL"); v != 0 {
		cfg.DrainInterval = v
	}
	if v := getEnvDuration("RELAY_DEDUP_WINDOW"); v != 0 {
		cfg.DedupWindow = v
	}
	if v := getEnvDuration("RELAY_SHUTDOWN_TIMEOUT"); v != 0 {
		cfg.ShutdownTimeout = v
	}
	if v := getEnvDuration("RELAY_ADMIT_TIMEOUT"); v != 0 {
		cfg.AdmitTimeout = v
	}
	if v := getEnvDuration("RELAY_ACK_TIMEOUT"); v != 0 {
		cfg.AckTimeout = v
	}
	if v := getEnvDuration("RELAY_ERROR_BACKOFF"); v != 0 {
		cfg.ErrorBackoff = v
	}
}

func loadRelayRetry(cfg *RelayConfig) {
	if v, ok := getEnvIntOK("RELAY_MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v := getEnvDuration("RELAY_RETRY_INITIAL_INTERVAL"); v != 0 {
		cfg.RetryInitialInterval = v
	}
	if v := getEnvDuration("RELAY_RETRY_MAX_INTERVAL"); v != 0 {
		cfg.RetryMaxInterval = v
	}
	if v := getEnvFloat("RELAY_RETRY_MULTIPLIER"); v != 0 {
		cfg.RetryMultiplier = v
	}
	if v := getEnvFloat("RELAY_RETRY_JITTER"); v != 0 {
		cfg.RetryJitter = v
	}
}

// loadDecodedFromEnv decodes the tagged sections. Unset variables leave the current value.
func loadDecodedFromEnv(cfg *Config) error {
	sections := []struct {
		name   string
		target interface{}
	}{
		{"postgres", &cfg.Postgres},
		{"control", &cfg.Control},
		{"escalation", &cfg.Escalation},
		{"health", &cfg.Health},
	}
	for _, s := range sections {
		if err := envdecode.Decode(s.target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return fmt.Errorf("failed to decode %s environment: %w", s.name, err)
		}
	}
	return nil
}

// Helper functions for reading environment variables

func getEnvString(key string) string {
	return os.Getenv(key)
}

func getEnvInt(key string) int {
	v, _ := getEnvIntOK(key)
	return v
}

func getEnvIntOK(key string) (int, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return intValue, true
}

func getEnvFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

func getEnvDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return duration
}

// getEnvBool reports the value of a "true"/"false" variable and whether it was set
func getEnvBool(key string) (bool, bool) {
	switch os.Getenv(key) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	}
	return false, false
}
