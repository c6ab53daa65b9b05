// Package config provides configuration loading and validation from defaults, a YAML file,
// environment variables and command line flags.
package config

import "time"

// Store drivers
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Escalation modes
const (
	EscalateLog   = "log"
	EscalateMQTT  = "mqtt"
	EscalateKafka = "kafka"
)

// Config holds the complete configuration
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Store      StoreConfig      `yaml:"store"`
	Relay      RelayConfig      `yaml:"relay"`
	Control    ControlConfig    `yaml:"control"`
	Escalation EscalationConfig `yaml:"escalation"`
	Health     HealthConfig     `yaml:"health"`
}

// MQTTConfig holds MQTT client configuration
type MQTTConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Broker               string        `yaml:"broker"`
	ClientID             string        `yaml:"client_id"`
	TelemetryTopic       string        `yaml:"telemetry_topic"`
	ControlTopic         string        `yaml:"control_topic"`
	CommandAckTopic      string        `yaml:"command_ack_topic"`
	CommandTopicPrefix   string        `yaml:"command_topic_prefix"` // <prefix>/<site>/<room>/<device>/set
	DeadLetterTopic      string        `yaml:"dead_letter_topic"`
	QoS                  byte          `yaml:"qos"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PoolSize             int           `yaml:"pool_size"` // Number of publish connections
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	DisconnectTimeout    uint          `yaml:"disconnect_timeout"` // Milliseconds for graceful disconnect
	// TLS Configuration
	TLSEnabled      bool   `yaml:"tls_enabled"`
	CACert          string `yaml:"ca_cert"`
	ClientCert      string `yaml:"client_cert"`
	ClientKey       string `yaml:"client_key"`
	InsecureSkip    bool   `yaml:"insecure_skip"`
	UseCertCNPrefix bool   `yaml:"use_cert_cn_prefix"` // If true, prefix topics with cert CN for ACL constraints
}

// RedisConfig holds the Redis connection, the stream source and the Redis store settings
type RedisConfig struct {
	Address             string        `yaml:"address"`
	Password            string        `yaml:"password"`
	DB                  int           `yaml:"db"`
	StreamEnabled       bool          `yaml:"stream_enabled"`
	Stream              string        `yaml:"stream"`
	Group               string        `yaml:"group"`
	Consumer            string        `yaml:"consumer"`
	BatchSize           int           `yaml:"batch_size"`
	BlockTimeout        time.Duration `yaml:"block_timeout"`
	ClaimIdle           time.Duration `yaml:"claim_idle"`
	ConsumerIdleTimeout time.Duration `yaml:"consumer_idle_timeout"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	KeyPrefix           string        `yaml:"key_prefix"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PingTimeout         time.Duration `yaml:"ping_timeout"`
}

// PostgresConfig holds the PostgreSQL store settings
type PostgresConfig struct {
	URL             string        `yaml:"url" env:"POSTGRES_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"POSTGRES_CONN_MAX_LIFETIME"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"POSTGRES_CONNECT_TIMEOUT"`
}

// StoreConfig selects the document store
type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RelayConfig holds the coordinator settings
type RelayConfig struct {
	QueueCapacity        int           `yaml:"queue_capacity"`
	BatchSize            int           `yaml:"batch_size"`
	DrainInterval        time.Duration `yaml:"drain_interval"`
	MaxInFlight          int           `yaml:"max_in_flight"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	RetryMultiplier      float64       `yaml:"retry_multiplier"`
	RetryJitter          float64       `yaml:"retry_jitter"`
	DedupWindow          time.Duration `yaml:"dedup_window"`
	DedupMaxEntries      int           `yaml:"dedup_max_entries"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	AdmitTimeout         time.Duration `yaml:"admit_timeout"` // How long a transport retries a full queue
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
	LenientDecode        bool          `yaml:"lenient_decode"`
	ValidateSchema       bool          `yaml:"validate_schema"`
}

// ControlConfig holds the control session settings
type ControlConfig struct {
	Enabled        bool          `yaml:"enabled" env:"CONTROL_ENABLED"`
	OnProb         float64       `yaml:"on_prob" env:"CONTROL_ON_PROB"`
	OffDelay       time.Duration `yaml:"off_delay" env:"CONTROL_OFF_DELAY"` // vacancy required before switching off
	CommandTimeout time.Duration `yaml:"command_timeout" env:"CONTROL_COMMAND_TIMEOUT"`
	MaxReissues    int           `yaml:"max_reissues" env:"CONTROL_MAX_REISSUES"`
	SessionTTL     time.Duration `yaml:"session_ttl" env:"CONTROL_SESSION_TTL"`
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"CONTROL_SWEEP_INTERVAL"`
}

// EscalationConfig selects where abandoned deliveries are reported
type EscalationConfig struct {
	Mode         string        `yaml:"mode" env:"ESCALATION_MODE"`
	KafkaBrokers []string      `yaml:"kafka_brokers" env:"ESCALATION_KAFKA_BROKERS"`
	KafkaTopic   string        `yaml:"kafka_topic" env:"ESCALATION_KAFKA_TOPIC"`
	Timeout      time.Duration `yaml:"timeout" env:"ESCALATION_TIMEOUT"`
}

// HealthConfig holds the HTTP health endpoint settings
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" env:"HEALTH_ENABLED"`
	Address      string        `yaml:"address" env:"HEALTH_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HEALTH_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HEALTH_WRITE_TIMEOUT"`
	PingTimeout  time.Duration `yaml:"ping_timeout" env:"HEALTH_PING_TIMEOUT"`
}
