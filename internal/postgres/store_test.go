package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/sink"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"too many connections", &pq.Error{Code: "53300"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"not null violation", &pq.Error{Code: "23502"}, false},
		{"undefined table", fmt.Errorf("upsert: %w", &pq.Error{Code: "42P01"}), false},
		{"already permanent", sink.Permanent("", errors.New("unknown collection")), false},
		{"timeout", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("m1", tt.err)
			var swe *message.SinkWriteError
			require.ErrorAs(t, err, &swe)
			assert.Equal(t, "m1", swe.MessageID)
			assert.Equal(t, tt.retryable, swe.Retryable)
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(&pq.Error{Code: "08003"}))
	assert.False(t, isConnectionError(&pq.Error{Code: "40001"}))
	assert.False(t, isConnectionError(errors.New("boom")))
}

func TestTableFor(t *testing.T) {
	table, err := tableFor(sink.CollectionControls)
	require.NoError(t, err)
	assert.Equal(t, "controls", table)

	_, err = tableFor(sink.CollectionDevices)
	assert.Error(t, err)
}

func TestUnreachableStoreIsRetryable(t *testing.T) {
	store := NewStore(config.PostgresConfig{
		URL:            "postgres://nobody@127.0.0.1:1/none?sslmode=disable",
		ConnectTimeout: 500 * time.Millisecond,
	}, log.New())
	defer func() { _ = store.Close() }()

	out := store.Upsert(context.Background(), []sink.Document{{MessageID: "m1", Collection: sink.CollectionEvents}})
	require.Len(t, out, 1)
	assert.True(t, message.IsRetryable(out[0].Err))
	assert.Error(t, store.Ping(context.Background()))
}

func startPostgres(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func TestIntegration_Upsert(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	store := NewStore(config.PostgresConfig{
		URL:            startPostgres(t),
		MaxOpenConns:   4,
		MaxIdleConns:   2,
		ConnectTimeout: 10 * time.Second,
	}, log.New())
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	base := time.UnixMilli(1736337600000).UTC()
	telemetry := func(id string, ts time.Time, lux float64) sink.Document {
		return sink.NewDocument(message.Envelope{
			MessageID: id, Site: "s1", Room: "r1", DeviceID: "d1",
			Kind:      message.KindTelemetry,
			Payload:   map[string]any{"lux": lux, "light_state": float64(1), "occupancy": false},
			Timestamp: ts,
			Source:    "sensor",
		}, base)
	}
	control := sink.NewDocument(message.Envelope{
		MessageID: "c1", Site: "s1", Room: "r1", DeviceID: "d1",
		Kind:      message.KindControl,
		Payload:   map[string]any{"desired_light": float64(0)},
		Timestamp: base,
	}, base)

	out := store.Upsert(ctx, []sink.Document{telemetry("m2", base.Add(time.Minute), 200), telemetry("m1", base, 100), control})
	for _, o := range out {
		require.True(t, o.OK(), "upsert %s: %v", o.MessageID, o.Err)
		assert.NotEmpty(t, o.StorageID)
	}

	// replay keeps a single row and the same storage id
	replay := store.Upsert(ctx, []sink.Document{telemetry("m1", base, 100)})
	require.True(t, replay[0].OK())
	assert.Equal(t, out[1].StorageID, replay[0].StorageID)

	n, err := store.Count(ctx, sink.CollectionEvents)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.Count(ctx, sink.CollectionControls)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := store.Get(ctx, sink.CollectionEvents, "m1")
	require.NoError(t, err)
	assert.True(t, doc.AnomalyFlag)
	assert.Equal(t, sink.AnomalyLightOnNoPresence, doc.AnomalyType)
	assert.Equal(t, "sensor", doc.Source)
	assert.Equal(t, 100.0, doc.Payload["lux"])
	assert.True(t, doc.Timestamp.Equal(base))

	st, ok, err := store.Device(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.FirstSeen.Equal(base))
	assert.True(t, st.LastSeen.Equal(base.Add(time.Minute)))
	require.NotNil(t, st.LastLux)
	assert.Equal(t, 200.0, *st.LastLux, "older reading must not overwrite newer state")

	_, ok, err = store.Device(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}
