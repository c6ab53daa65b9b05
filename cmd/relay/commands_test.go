package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-relay/internal/codec"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/control"
	"github.com/ibs-source/telemetry-relay/internal/deadletter"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/relay"
	"github.com/ibs-source/telemetry-relay/internal/sink"
)

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic: topic, payload: payload})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestCommandsFollowPersistedTelemetry(t *testing.T) {
	logger := log.New()
	cdc, err := codec.New(codec.Options{})
	require.NoError(t, err)

	cfg := config.Config{
		MQTT: config.MQTTConfig{CommandTopicPrefix: "controls", WriteTimeout: time.Second},
		Relay: config.RelayConfig{
			QueueCapacity:        64,
			BatchSize:            16,
			DrainInterval:        5 * time.Millisecond,
			MaxInFlight:          64,
			MaxRetries:           5,
			RetryInitialInterval: 10 * time.Millisecond,
			RetryMaxInterval:     100 * time.Millisecond,
			RetryMultiplier:      2,
			DedupWindow:          time.Minute,
			ShutdownTimeout:      time.Second,
		},
		Control: config.ControlConfig{
			Enabled:        true,
			OnProb:         0.85,
			OffDelay:       20 * time.Second,
			CommandTimeout: 10 * time.Second,
			MaxReissues:    3,
			SessionTTL:     time.Hour,
			SweepInterval:  time.Second,
		},
	}
	store := sink.NewMemoryStore()
	pub := &fakePublisher{}

	cmds := &commander{
		cfg:      &cfg.MQTT,
		codec:    cdc,
		pub:      pub,
		sessions: control.NewManager(cfg.Control, logger),
		log:      logger,
	}
	esc := deadletter.New(deadletter.NewLogTarget(logger), cdc, time.Second, logger)
	cmds.relay = relay.New(cfg.Relay, cdc, sink.NewWriter(store, time.Second, logger), esc, logger,
		relay.WithPersistedHook(cmds.persisted))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = cmds.relay.Run(ctx) }()

	reading := message.Envelope{
		MessageID: "evt-1",
		Site:      "siteA",
		Room:      "A101",
		DeviceID:  "cam_dev_A101",
		Kind:      message.KindTelemetry,
		Payload:   map[string]any{"occupancy_prob": 0.93, "light_state": float64(0)},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, cmds.relay.SubmitEnvelope(reading, nil))

	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := pub.sent()[0]
	assert.Equal(t, "controls/siteA/A101/cam_dev_A101/set", msg.topic)

	cmd, err := cdc.Decode(msg.payload)
	require.NoError(t, err)
	assert.Equal(t, message.KindControl, cmd.Kind)
	assert.Equal(t, "evt-1", cmd.Payload["event_id"])
	assert.EqualValues(t, 1, cmd.Payload["desired_light"])

	_, stored := store.Get(sink.CollectionFor(message.KindControl), cmd.MessageID)
	assert.True(t, stored, "command persisted before it is published")

	// a re-issue is published again without a second write
	session, ok := cmds.sessions.Session("cam_dev_A101")
	require.True(t, ok)
	require.NotNil(t, session.Pending)
	assert.Equal(t, session.Pending.Envelope(), cmd, "published command decodes to its envelope")
	cmds.issue(*session.Pending)
	require.Eventually(t, func() bool { return len(pub.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.Count(sink.CollectionFor(message.KindControl)))
}
