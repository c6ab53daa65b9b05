package deadletter

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEncoder struct{ err error }

func (e stubEncoder) Encode(env message.Envelope) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return json.Marshal(map[string]any{"message_id": env.MessageID, "payload": env.Payload})
}

type recordingTarget struct {
	keys     []string
	payloads [][]byte
	err      error
	deadline bool
}

func (t *recordingTarget) Send(ctx context.Context, key string, payload []byte) error {
	_, t.deadline = ctx.Deadline()
	if t.err != nil {
		return t.err
	}
	t.keys = append(t.keys, key)
	t.payloads = append(t.payloads, payload)
	return nil
}

func (t *recordingTarget) Close() error { return nil }

func abandoned() Abandoned {
	return Abandoned{
		Envelope: message.Envelope{
			MessageID: "m1",
			DeviceID:  "cam-1",
			Kind:      message.KindTelemetry,
			Payload:   map[string]any{"lux": 120.0},
		},
		Attempts: 6,
		Reason: &message.RetriesExhaustedError{
			MessageID: "m1",
			Attempts:  6,
			Last:      &message.SinkWriteError{MessageID: "m1", Retryable: true, Err: errors.New("timeout")},
		},
		AbandonedAt: time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC),
	}
}

func TestEscalateBuildsRecord(t *testing.T) {
	target := &recordingTarget{}
	e := New(target, stubEncoder{}, time.Second, log.New())

	require.NoError(t, e.Escalate(context.Background(), abandoned()))
	require.Len(t, target.payloads, 1)
	assert.Equal(t, "cam-1", target.keys[0])
	assert.True(t, target.deadline, "escalation must be bounded by the timeout")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(target.payloads[0], &rec))
	assert.Equal(t, "m1", rec["message_id"])
	assert.Equal(t, "cam-1", rec["device_id"])
	assert.Equal(t, "telemetry", rec["kind"])
	assert.Equal(t, 6.0, rec["attempts"])
	assert.Equal(t, true, rec["retryable"])
	assert.Equal(t, "2025-01-08T12:00:00.000Z", rec["abandoned_at"])
	assert.Contains(t, rec["reason"], "abandoned after 6 attempts")

	env, ok := rec["envelope"].(map[string]any)
	require.True(t, ok, "envelope must be embedded as JSON")
	assert.Equal(t, "m1", env["message_id"])

	sent, failed := e.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(0), failed)
}

func TestBuildWithoutEnvelope(t *testing.T) {
	e := New(&recordingTarget{}, stubEncoder{err: errors.New("bad payload")}, 0, log.New())
	a := abandoned()
	a.Reason = &message.SinkWriteError{MessageID: "m1", Retryable: false, Err: errors.New("rejected")}

	var rec map[string]any
	require.NoError(t, json.Unmarshal(e.Build(a), &rec))
	assert.Nil(t, rec["envelope"])
	assert.Equal(t, false, rec["retryable"])
}

func TestEscalateTargetFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New()
	logger.SetOutput(&buf)

	e := New(&recordingTarget{err: errors.New("broker down")}, stubEncoder{}, 0, logger)
	err := e.Escalate(context.Background(), abandoned())
	require.Error(t, err)
	assert.Contains(t, buf.String(), "broker down")
	assert.Contains(t, buf.String(), "dead_letter", "refused dead letters are logged in full")

	_, failed := e.Stats()
	assert.Equal(t, uint64(1), failed)
}

type fakePublisher struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.topic, p.payload = topic, payload
	return nil
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestTargets(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, NewMQTTTarget(pub, "relay/deadletter").Send(context.Background(), "cam-1", []byte(`{}`)))
	assert.Equal(t, "relay/deadletter", pub.topic)

	w := &fakeWriter{}
	kt := &KafkaTarget{w: w}
	require.NoError(t, kt.Send(context.Background(), "cam-1", []byte(`{"a":1}`)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("cam-1"), w.msgs[0].Key)
	require.NoError(t, kt.Close())
	assert.True(t, w.closed)

	assert.NoError(t, NewLogTarget(log.New()).Send(context.Background(), "cam-1", []byte(`{}`)))
}

func TestNewTarget(t *testing.T) {
	cfg := &config.Config{
		MQTT:       config.MQTTConfig{DeadLetterTopic: "relay/deadletter"},
		Escalation: config.EscalationConfig{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "dl"},
	}
	logger := log.New()

	tests := []struct {
		mode    string
		pub     Publisher
		want    any
		wantErr bool
	}{
		{config.EscalateLog, nil, &LogTarget{}, false},
		{config.EscalateMQTT, &fakePublisher{}, &MQTTTarget{}, false},
		{config.EscalateMQTT, nil, nil, true},
		{config.EscalateKafka, nil, &KafkaTarget{}, false},
		{"pigeon", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg.Escalation.Mode = tt.mode
			target, err := NewTarget(cfg, tt.pub, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, target)
			_ = target.Close()
		})
	}
}
