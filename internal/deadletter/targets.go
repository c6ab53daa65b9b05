package deadletter

import (
	"context"
	"fmt"

	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// LogTarget only logs dead letters
type LogTarget struct {
	log *log.Logger
}

// NewLogTarget creates a log-only target
func NewLogTarget(logger *log.Logger) *LogTarget {
	return &LogTarget{log: logger}
}

// Send logs the dead letter at error level
func (t *LogTarget) Send(_ context.Context, key string, payload []byte) error {
	t.log.ErrorWithFields(logrus.Fields{"device_id": key, "dead_letter": string(payload)}, "Delivery abandoned")
	return nil
}

// Close is a no-op
func (t *LogTarget) Close() error { return nil }

// Publisher publishes to an MQTT topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTTarget publishes dead letters to a topic
type MQTTTarget struct {
	pub   Publisher
	topic string
}

// NewMQTTTarget creates an MQTT target; the publisher is owned by the caller
func NewMQTTTarget(pub Publisher, topic string) *MQTTTarget {
	return &MQTTTarget{pub: pub, topic: topic}
}

// Send publishes the dead letter
func (t *MQTTTarget) Send(ctx context.Context, _ string, payload []byte) error {
	return t.pub.Publish(ctx, t.topic, payload)
}

// Close is a no-op
func (t *MQTTTarget) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTarget writes dead letters to a Kafka topic keyed by device id
type KafkaTarget struct {
	w messageWriter
}

// NewKafkaTarget creates a synchronous writer requiring acks from all replicas
func NewKafkaTarget(brokers []string, topic string) *KafkaTarget {
	return &KafkaTarget{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

// Send writes one message
func (t *KafkaTarget) Send(ctx context.Context, key string, payload []byte) error {
	return t.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload})
}

// Close flushes and closes the writer
func (t *KafkaTarget) Close() error {
	return t.w.Close()
}

// NewTarget selects the target configured by cfg.Mode. pub is only used in MQTT mode.
func NewTarget(cfg *config.Config, pub Publisher, logger *log.Logger) (Target, error) {
	switch cfg.Escalation.Mode {
	case config.EscalateLog:
		return NewLogTarget(logger), nil
	case config.EscalateMQTT:
		if pub == nil {
			return nil, fmt.Errorf("mqtt dead letter target needs a publisher")
		}
		return NewMQTTTarget(pub, cfg.MQTT.DeadLetterTopic), nil
	case config.EscalateKafka:
		return NewKafkaTarget(cfg.Escalation.KafkaBrokers, cfg.Escalation.KafkaTopic), nil
	}
	return nil, fmt.Errorf("unknown escalation mode %q", cfg.Escalation.Mode)
}
