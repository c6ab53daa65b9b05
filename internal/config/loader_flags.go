package config

import (
	"flag"
	"time"
)

// Command line flags (have precedence over environment variables)
var (
	flagConfigFile *string

	// MQTT flags
	flagMQTTEnabled           *bool
	flagMQTTBroker            *string
	flagMQTTClientID          *string
	flagMQTTTelemetryTopic    *string
	flagMQTTControlTopic      *string
	flagMQTTCommandAckTopic   *string
	flagMQTTCommandPrefix     *string
	flagMQTTDeadLetterTopic   *string
	flagMQTTQoS               *int
	flagMQTTConnectTimeout    *time.Duration
	flagMQTTWriteTimeout      *time.Duration
	flagMQTTPoolSize          *int
	flagMQTTMaxReconnect      *time.Duration
	flagMQTTSubscribeTimeout  *time.Duration
	flagMQTTDisconnectTimeout *int
	flagMQTTTLSEnabled        *bool
	flagMQTTCACert            *string
	flagMQTTClientCert        *string
	flagMQTTClientKey         *string
	flagMQTTTLSInsecureSkip   *bool
	flagMQTTUseCertCNPrefix   *bool

	// Redis flags
	flagRedisAddress         *string
	flagRedisStreamEnabled   *bool
	flagRedisStream          *string
	flagRedisGroup           *string
	flagRedisConsumer        *string
	flagRedisKeyPrefix       *string
	flagRedisBatchSize       *int
	flagRedisBlockTimeout    *time.Duration
	flagRedisClaimIdle       *time.Duration
	flagRedisConsumerIdle    *time.Duration
	flagRedisCleanupInterval *time.Duration

	// Store flags
	flagStoreDriver       *string
	flagStoreWriteTimeout *time.Duration
	flagPostgresURL       *string

	// Relay flags
	flagRelayQueueCapacity   *int
	flagRelayBatchSize       *int
	flagRelayDrainInterval   *time.Duration
	flagRelayMaxInFlight     *int
	flagRelayMaxRetries      *int
	flagRelayDedupWindow     *time.Duration
	flagRelayShutdownTimeout *time.Duration
	flagRelayAdmitTimeout    *time.Duration
	flagRelayLenientDecode   *bool

	// Control, escalation and health flags
	flagControlEnabled *bool
	flagControlOnProb  *float64
	flagEscalationMode *string
	flagHealthAddress  *string
)

func init() {
	registerFlags()
}

// registerFlags defines every flag on flag.CommandLine
func registerFlags() {
	flagConfigFile = flag.String("config", "", "YAML configuration file")

	flagMQTTEnabled = flag.Bool("mqtt-enabled", false, "Consume from MQTT")
	flagMQTTBroker = flag.String("mqtt-broker", "", "MQTT broker URL")
	flagMQTTClientID = flag.String("mqtt-client-id", "", "MQTT client ID")
	flagMQTTTelemetryTopic = flag.String("mqtt-telemetry-topic", "", "MQTT telemetry subscription")
	flagMQTTControlTopic = flag.String("mqtt-control-topic", "", "MQTT inbound control subscription")
	flagMQTTCommandAckTopic = flag.String("mqtt-command-ack-topic", "", "MQTT command acknowledgment subscription")
	flagMQTTCommandPrefix = flag.String("mqtt-command-topic-prefix", "", "MQTT command topic prefix")
	flagMQTTDeadLetterTopic = flag.String("mqtt-dead-letter-topic", "", "MQTT dead letter topic")
	flagMQTTQoS = flag.Int("mqtt-qos", -1, "MQTT QoS (0, 1, or 2)")
	flagMQTTConnectTimeout = flag.Duration("mqtt-connect-timeout", 0, "MQTT connect timeout")
	flagMQTTWriteTimeout = flag.Duration("mqtt-write-timeout", 0, "MQTT write timeout")
	flagMQTTPoolSize = flag.Int("mqtt-pool-size", 0, "MQTT publish pool size")
	flagMQTTMaxReconnect = flag.Duration("mqtt-max-reconnect-interval", 0, "MQTT max reconnect interval")
	flagMQTTSubscribeTimeout = flag.Duration("mqtt-subscribe-timeout", 0, "MQTT subscribe timeout")
	flagMQTTDisconnectTimeout = flag.Int("mqtt-disconnect-timeout", 0, "MQTT disconnect timeout (ms)")
	flagMQTTTLSEnabled = flag.Bool("mqtt-tls-enabled", false, "Enable MQTT TLS")
	flagMQTTCACert = flag.String("mqtt-ca-cert", "", "MQTT CA certificate path")
	flagMQTTClientCert = flag.String("mqtt-client-cert", "", "MQTT client certificate path")
	flagMQTTClientKey = flag.String("mqtt-client-key", "", "MQTT client key path")
	flagMQTTTLSInsecureSkip = flag.Bool("mqtt-tls-insecure-skip", false, "Skip MQTT TLS verification")
	// Prefix topics with client cert CN (for ACL constraints)
	flagMQTTUseCertCNPrefix = flag.Bool("mqtt-use-cert-cn-prefix", false, "Prefix topics with client cert CN")

	flagRedisAddress = flag.String("redis-address", "", "Redis address")
	flagRedisStreamEnabled = flag.Bool("redis-stream-enabled", false, "Consume from the Redis stream")
	flagRedisStream = flag.String("redis-stream", "", "Redis stream name")
	flagRedisGroup = flag.String("redis-group", "", "Redis consumer group")
	flagRedisConsumer = flag.String("redis-consumer", "", "Redis consumer name")
	flagRedisKeyPrefix = flag.String("redis-key-prefix", "", "Redis store key prefix")
	flagRedisBatchSize = flag.Int("redis-batch-size", 0, "Redis batch size")
	flagRedisBlockTimeout = flag.Duration("redis-block-timeout", 0, "Redis block timeout")
	flagRedisClaimIdle = flag.Duration("redis-claim-idle", 0, "Redis claim idle time")
	flagRedisConsumerIdle = flag.Duration("redis-consumer-idle-timeout", 0, "Redis consumer idle timeout")
	flagRedisCleanupInterval = flag.Duration("redis-cleanup-interval", 0, "Redis cleanup interval")

	flagStoreDriver = flag.String("store-driver", "", "Document store: memory, redis or postgres")
	flagStoreWriteTimeout = flag.Duration("store-write-timeout", 0, "Store batch write timeout")
	flagPostgresURL = flag.String("postgres-url", "", "PostgreSQL connection URL")

	flagRelayQueueCapacity = flag.Int("relay-queue-capacity", 0, "Ingestion queue capacity")
	flagRelayBatchSize = flag.Int("relay-batch-size", 0, "Sink batch size")
	flagRelayDrainInterval = flag.Duration("relay-drain-interval", 0, "Drain loop interval")
	flagRelayMaxInFlight = flag.Int("relay-max-in-flight", 0, "Maximum outstanding deliveries")
	flagRelayMaxRetries = flag.Int("relay-max-retries", -1, "Maximum write retries per message")
	flagRelayDedupWindow = flag.Duration("relay-dedup-window", 0, "Deduplication window")
	flagRelayShutdownTimeout = flag.Duration("relay-shutdown-timeout", 0, "Graceful shutdown timeout")
	flagRelayAdmitTimeout = flag.Duration("relay-admit-timeout", 0, "Transport admission retry timeout")
	flagRelayLenientDecode = flag.Bool("relay-lenient-decode", false, "Fill missing message ids and timestamps")

	flagControlEnabled = flag.Bool("control-enabled", false, "Track control sessions and issue commands")
	flagControlOnProb = flag.Float64("control-on-prob", -1, "Occupancy probability switching the light on")
	flagEscalationMode = flag.String("escalation-mode", "", "Dead letter mode: log, mqtt or kafka")
	flagHealthAddress = flag.String("health-address", "", "Health endpoint listen address")
}

// applyMQTTFlags applies command line flags to MQTT configuration
func applyMQTTFlags(cfg *MQTTConfig) {
	applyMQTTFlagStrings(cfg)
	applyMQTTFlagInts(cfg)
	applyMQTTFlagTimeouts(cfg)
	applyMQTTFlagTLS(cfg)
	applyMQTTFlagBools(cfg)
}

func applyMQTTFlagStrings(cfg *MQTTConfig) {
	if *flagMQTTBroker != "" {
		cfg.Broker = *flagMQTTBroker
	}
	if *flagMQTTClientID != "" {
		cfg.ClientID = *flagMQTTClientID
	}
	if *flagMQTTTelemetryTopic != "" {
		cfg.TelemetryTopic = *flagMQTTTelemetryTopic
	}
	if *flagMQTTControlTopic != "" {
		cfg.ControlTopic = *flagMQTTControlTopic
	}
	if *flagMQTTCommandAckTopic != "" {
		cfg.CommandAckTopic = *flagMQTTCommandAckTopic
	}
	if *flagMQTTCommandPrefix != "" {
		cfg.CommandTopicPrefix = *flagMQTTCommandPrefix
	}
	if *flagMQTTDeadLetterTopic != "" {
		cfg.DeadLetterTopic = *flagMQTTDeadLetterTopic
	}
}

func applyMQTTFlagInts(cfg *MQTTConfig) {
	if *flagMQTTQoS != -1 && *flagMQTTQoS >= 0 && *flagMQTTQoS <= 2 {
		cfg.QoS = byte(*flagMQTTQoS) // #nosec G115 - validated range 0-2
	}
	if *flagMQTTPoolSize != 0 {
		cfg.PoolSize = *flagMQTTPoolSize
	}
	if *flagMQTTDisconnectTimeout > 0 {
		cfg.DisconnectTimeout = uint(*flagMQTTDisconnectTimeout) // #nosec G115 - checked positive
	}
}

func applyMQTTFlagTimeouts(cfg *MQTTConfig) {
	if *flagMQTTConnectTimeout != 0 {
		cfg.ConnectTimeout = *flagMQTTConnectTimeout
	}
	if *flagMQTTWriteTimeout != 0 {
		cfg.WriteTimeout = *flagMQTTWriteTimeout
	}
	if *flagMQTTMaxReconnect != 0 {
		cfg.MaxReconnectInterval = *flagMQTTMaxReconnect
	}
	if *flagMQTTSubscribeTimeout != 0 {
		cfg.SubscribeTimeout = *flagMQTTSubscribeTimeout
	}
}

func applyMQTTFlagTLS(cfg *MQTTConfig) {
	if *flagMQTTCACert != "" {
		cfg.CACert = *flagMQTTCACert
	}
	if *flagMQTTClientCert != "" {
		cfg.ClientCert = *flagMQTTClientCert
	}
	if *flagMQTTClientKey != "" {
		cfg.ClientKey = *flagMQTTClientKey
	}
}

func applyMQTTFlagBools(cfg *MQTTConfig) {
	// Handle bool flags - check if explicitly set
	if isFlagSet("mqtt-enabled") {
		cfg.Enabled = *flagMQTTEnabled
	}
	if isFlagSet("mqtt-tls-enabled") {
		cfg.TLSEnabled = *flagMQTTTLSEnabled
	}
	if isFlagSet("mqtt-tls-insecure-skip") {
		cfg.InsecureSkip = *flagMQTTTLSInsecureSkip
	}
	if isFlagSet("mqtt-use-cert-cn-prefix") {
		cfg.UseCertCNPrefix = *flagMQTTUseCertCNPrefix
	}
}

// applyRedisFlags applies command line flags to Redis configuration
func applyRedisFlags(cfg *RedisConfig) {
	applyRedisFlagStrings(cfg)
	applyRedisFlagTimeouts(cfg)
	if *flagRedisBatchSize != 0 {
		cfg.BatchSize = *flagRedisBatchSize
	}
	if isFlagSet("redis-stream-enabled") {
		cfg.StreamEnabled = *flagRedisStreamEnabled
	}
}

func applyRedisFlagStrings(cfg *RedisConfig) {
	if *flagRedisAddress != "" {
		cfg.Address = *flagRedisAddress
	}
	if *flagRedisStream != "" {
		cfg.Stream = *flagRedisStream
	}
	if *flagRedisGroup != "" {
		cfg.Group = *flagRedisGroup
	}
	if *flagRedisConsumer != "" {
		cfg.Consumer = *flagRedisConsumer
	}
	if *flagRedisKeyPrefix != "" {
		cfg.KeyPrefix = *flagRedisKeyPrefix
	}
}

func applyRedisFlagTimeouts(cfg *RedisConfig) {
	if *flagRedisBlockTimeout != 0 {
		cfg.BlockTimeout = *flagRedisBlockTimeout
	}
	if *flagRedisClaimIdle != 0 {
		cfg.ClaimIdle = *flagRedisClaimIdle
	}
	if *flagRedisConsumerIdle != 0 {
		cfg.ConsumerIdleTimeout = *flagRedisConsumerIdle
	}
	if *flagRedisCleanupInterval != 0 {
		cfg.CleanupInterval = *flagRedisCleanupInterval
	}
}

// applyStoreFlags applies command line flags to the store and PostgreSQL configuration
func applyStoreFlags(store *StoreConfig, pg *PostgresConfig) {
	if *flagStoreDriver != "" {
		store.Driver = *flagStoreDriver
	}
	if *flagStoreWriteTimeout != 0 {
		store.WriteTimeout = *flagStoreWriteTimeout
	}
	if *flagPostgresURL != "" {
		pg.URL = *flagPostgresURL
	}
}

// applyRelayFlags applies command line flags to coordinator configuration
func applyRelayFlags(cfg *RelayConfig) {
	if *flagRelayQueueCapacity != 0 {
		cfg.QueueCapacity = *flagRelayQueueCapacity
	}
	if *flagRelayBatchSize != 0 {
		cfg.BatchSize = *flagRelayBatchSize
	}
	if *flagRelayDrainInterval != 0 {
		cfg.DrainInterval = *flagRelayDrainInterval
	}
	if *flagRelayMaxInFlight != 0 {
		cfg.MaxInFlight = *flagRelayMaxInFlight
	}
	if *flagRelayMaxRetries >= 0 {
		cfg.MaxRetries = *flagRelayMaxRetries
	}
	if *flagRelayDedupWindow != 0 {
		cfg.DedupWindow = *flagRelayDedupWindow
	}
	if *flagRelayShutdownTimeout != 0 {
		cfg.ShutdownTimeout = *flagRelayShutdownTimeout
	}
	if *flagRelayAdmitTimeout != 0 {
		cfg.AdmitTimeout = *flagRelayAdmitTimeout
	}
	if isFlagSet("relay-lenient-decode") {
		cfg.LenientDecode = *flagRelayLenientDecode
	}
}

// applyAuxFlags applies control, escalation and health flags
func applyAuxFlags(cfg *Config) {
	if isFlagSet("control-enabled") {
		cfg.Control.Enabled = *flagControlEnabled
	}
	if *flagControlOnProb >= 0 {
		cfg.Control.OnProb = *flagControlOnProb
	}
	if *flagEscalationMode != "" {
		cfg.Escalation.Mode = *flagEscalationMode
	}
	if *flagHealthAddress != "" {
		cfg.Health.Address = *flagHealthAddress
	}
}

// isFlagSet checks if a flag was explicitly set on the command line
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
