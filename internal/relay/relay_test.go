package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-relay/internal/codec"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/deadletter"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/sink"
	"github.com/ibs-source/telemetry-relay/internal/tracker"
)

var errUnavailable = errors.New("store unavailable")

// events is an ordered log shared by the fake store and the acks
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) index(entry string) int {
	for i, v := range e.list() {
		if v == entry {
			return i
		}
	}
	return -1
}

// flakyStore fails the first writes of selected ids before delegating to a memory store
type flakyStore struct {
	*sink.MemoryStore
	mu        sync.Mutex
	failures  map[string]int // remaining failures; negative fails forever
	permanent map[string]bool
	ev        *events
}

func newFlakyStore(ev *events) *flakyStore {
	return &flakyStore{
		MemoryStore: sink.NewMemoryStore(),
		failures:    make(map[string]int),
		permanent:   make(map[string]bool),
		ev:          ev,
	}
}

func (f *flakyStore) failNext(id string, n int) {
	f.mu.Lock()
	f.failures[id] = n
	f.mu.Unlock()
}

func (f *flakyStore) failPermanently(id string) {
	f.mu.Lock()
	f.permanent[id] = true
	f.mu.Unlock()
}

func (f *flakyStore) Upsert(ctx context.Context, docs []sink.Document) []sink.Outcome {
	out := make([]sink.Outcome, len(docs))
	var pass []sink.Document
	var idx []int

	f.mu.Lock()
	for i, doc := range docs {
		out[i].MessageID = doc.MessageID
		switch {
		case f.permanent[doc.MessageID]:
			out[i].Err = sink.Permanent(doc.MessageID, errors.New("document rejected"))
		case f.failures[doc.MessageID] != 0:
			if f.failures[doc.MessageID] > 0 {
				f.failures[doc.MessageID]--
			}
			out[i].Err = sink.Retryable(doc.MessageID, errUnavailable)
		default:
			pass = append(pass, doc)
			idx = append(idx, i)
		}
	}
	f.mu.Unlock()

	for j, res := range f.MemoryStore.Upsert(ctx, pass) {
		out[idx[j]] = res
		if res.Err == nil {
			f.ev.add("write:%s", res.MessageID)
		}
	}
	return out
}

type fakeEscalator struct {
	mu   sync.Mutex
	got  []deadletter.Abandoned
	fail bool
}

func (f *fakeEscalator) Escalate(_ context.Context, a deadletter.Abandoned) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.got = append(f.got, a)
	return nil
}

func (f *fakeEscalator) abandoned() []deadletter.Abandoned {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deadletter.Abandoned(nil), f.got...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		QueueCapacity:        16,
		BatchSize:            8,
		DrainInterval:        5 * time.Millisecond,
		MaxInFlight:          100,
		MaxRetries:           5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     time.Second,
		RetryMultiplier:      2,
		RetryJitter:          0,
		DedupWindow:          time.Minute,
		ShutdownTimeout:      time.Second,
	}
}

type harness struct {
	relay *Relay
	store *flakyStore
	esc   *fakeEscalator
	ev    *events
	clock *clock

	mu        sync.Mutex
	persisted []tracker.Record
}

func newHarness(t *testing.T, cfg config.RelayConfig) *harness {
	t.Helper()
	c, err := codec.New(codec.Options{})
	require.NoError(t, err)

	h := &harness{
		ev:    &events{},
		esc:   &fakeEscalator{},
		clock: &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.store = newFlakyStore(h.ev)
	logger := log.New()
	h.relay = New(cfg, c, sink.NewWriter(h.store, time.Second, logger), h.esc, logger,
		WithClock(h.clock.Now),
		WithPersistedHook(func(_ message.Envelope, rec tracker.Record) {
			h.mu.Lock()
			h.persisted = append(h.persisted, rec)
			h.mu.Unlock()
		}),
	)
	return h
}

func (h *harness) ack(id string) func() {
	return func() { h.ev.add("ack:%s", id) }
}

func (h *harness) submit(t *testing.T, id string) error {
	t.Helper()
	return h.relay.SubmitEnvelope(envelope(id), h.ack(id))
}

// deliver hands id to the relay the way a transport with releasable deliveries does
func (h *harness) deliver(t *testing.T, id string) error {
	t.Helper()
	body := fmt.Sprintf(`{"message_id":%q,"device_id":"cam_dev_A101","kind":"telemetry","ts":1717000000123}`, id)
	return h.relay.Handle(message.Delivery{
		Transport: "redis",
		Topic:     "telemetry-stream",
		Body:      message.RawBytes([]byte(body)),
		Ack:       h.ack(id),
		Release:   func() { h.ev.add("release:%s", id) },
	})
}

func (h *harness) records() []tracker.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]tracker.Record(nil), h.persisted...)
}

func envelope(id string) message.Envelope {
	return message.Envelope{
		MessageID: id,
		Site:      "siteA",
		Room:      "A101",
		DeviceID:  "cam_dev_A101",
		Kind:      message.KindTelemetry,
		Payload:   map[string]any{"lux": float64(120)},
		Timestamp: time.UnixMilli(1717000000123).UTC(),
	}
}

func TestHandlePersistsBeforeAck(t *testing.T) {
	h := newHarness(t, testConfig())

	body := `{"trace_id":"m-1","deviceId":"cam_dev_A101","site":"siteA","room":"A101","ts":1717000000123,"lux":113,"occupancy":true}`
	err := h.relay.Handle(message.Delivery{
		Transport: "mqtt",
		Topic:     "devices/siteA/A101/cam_dev_A101/telemetry",
		Body:      message.RawBytes([]byte(body)),
		Ack:       h.ack("m-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, -1, h.ev.index("ack:m-1"), "acked before the write")

	assert.Equal(t, 1, h.relay.drainAll(context.Background()))

	write, ack := h.ev.index("write:m-1"), h.ev.index("ack:m-1")
	require.NotEqual(t, -1, write)
	require.NotEqual(t, -1, ack)
	assert.Less(t, write, ack)

	doc, ok := h.store.Get(sink.CollectionFor(message.KindTelemetry), "m-1")
	require.True(t, ok)
	assert.Equal(t, "mqtt", doc.Source)

	hs := h.relay.Health()
	assert.Equal(t, uint64(1), hs.Received)
	assert.Equal(t, uint64(1), hs.Persisted)
	assert.Equal(t, 0, hs.InFlight)
}

func TestHandleMalformed(t *testing.T) {
	h := newHarness(t, testConfig())

	acked := false
	err := h.relay.Handle(message.Delivery{
		Transport: "redis",
		Body:      message.Structured(map[string]any{"message_id": "m-1"}),
		Ack:       func() { acked = true },
	})
	require.NoError(t, err)
	assert.True(t, acked, "malformed deliveries are acknowledged")
	assert.Equal(t, uint64(1), h.relay.Health().Malformed)
	assert.Zero(t, h.relay.drainAll(context.Background()))
	assert.Zero(t, h.store.Writes())
}

func TestDuplicates(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.submit(t, "m-1"))
	// redelivered before the original was written
	require.NoError(t, h.relay.SubmitEnvelope(envelope("m-1"), func() { h.ev.add("ack:m-1:dup") }))
	assert.Equal(t, -1, h.ev.index("ack:m-1:dup"))

	h.relay.drainAll(ctx)
	assert.Less(t, h.ev.index("write:m-1"), h.ev.index("ack:m-1:dup"))
	assert.NotEqual(t, -1, h.ev.index("ack:m-1"))

	// redelivered after the write: acknowledged at once
	acked := false
	require.NoError(t, h.relay.SubmitEnvelope(envelope("m-1"), func() { acked = true }))
	assert.True(t, acked)
	h.relay.drainAll(ctx)

	assert.Equal(t, 1, h.store.Writes())
	assert.Equal(t, uint64(2), h.relay.Health().Duplicates)
}

func TestQueueFullForgetsID(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.BatchSize = 2
	h := newHarness(t, cfg)

	require.NoError(t, h.submit(t, "m-1"))
	require.NoError(t, h.submit(t, "m-2"))
	err := h.submit(t, "m-3")
	require.ErrorIs(t, err, message.ErrQueueFull)
	assert.Equal(t, -1, h.ev.index("ack:m-3"), "rejected deliveries are not acknowledged")
	_, tracked := h.relay.tracker.Get("m-3")
	assert.False(t, tracked)

	assert.Equal(t, 2, h.relay.drain(context.Background()))

	// the rejected id was forgotten so the redelivery is new, not a duplicate
	require.NoError(t, h.submit(t, "m-3"))
	h.relay.drainAll(context.Background())
	assert.NotEqual(t, -1, h.ev.index("ack:m-3"))
	assert.Equal(t, 3, h.store.Writes())

	hs := h.relay.Health()
	assert.Equal(t, uint64(1), hs.Rejected)
	assert.Zero(t, hs.Duplicates)
}

func TestMaxInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 2
	h := newHarness(t, cfg)
	h.store.failNext("m-1", 1)
	h.store.failNext("m-2", 1)

	require.NoError(t, h.submit(t, "m-1"))
	require.NoError(t, h.submit(t, "m-2"))
	h.relay.drainAll(context.Background())

	// both wait for a retry; the queue is empty but nothing more is admitted
	assert.Zero(t, h.relay.Health().QueueDepth)
	require.ErrorIs(t, h.submit(t, "m-3"), message.ErrQueueFull)

	h.clock.Advance(time.Minute)
	h.relay.drainAll(context.Background())
	require.NoError(t, h.submit(t, "m-3"))
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.failNext("m-1", 2)

	require.NoError(t, h.submit(t, "m-1"))
	for i := 0; i < 3; i++ {
		h.relay.drainAll(context.Background())
		h.clock.Advance(time.Minute)
	}

	recs := h.records()
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].AttemptCount)
	assert.Equal(t, tracker.StateAcked, recs[0].State)
	assert.Equal(t, 1, h.store.Count(sink.CollectionFor(message.KindTelemetry)))
	assert.NotEqual(t, -1, h.ev.index("ack:m-1"))
	assert.Equal(t, uint64(2), h.relay.Health().Retried)
	assert.Empty(t, h.esc.abandoned())
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.failNext("m-1", 6)

	require.NoError(t, h.submit(t, "m-1"))
	for i := 0; i < 10; i++ {
		h.relay.drainAll(context.Background())
		h.clock.Advance(time.Minute)
	}

	got := h.esc.abandoned()
	require.Len(t, got, 1, "escalated exactly once")
	assert.Equal(t, 6, got[0].Attempts)
	assert.Equal(t, "m-1", got[0].Envelope.MessageID)
	var exhausted *message.RetriesExhaustedError
	assert.ErrorAs(t, got[0].Reason, &exhausted)

	assert.Zero(t, h.store.Writes())
	assert.Empty(t, h.records())
	assert.NotEqual(t, -1, h.ev.index("ack:m-1"), "escalated deliveries are acknowledged")
	hs := h.relay.Health()
	assert.Equal(t, uint64(1), hs.Abandoned)
	assert.Equal(t, uint64(1), hs.Escalated)
	assert.Equal(t, 0, hs.InFlight)
}

func TestPermanentFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.failPermanently("m-1")

	require.NoError(t, h.submit(t, "m-1"))
	require.NoError(t, h.submit(t, "m-2"))
	h.relay.drainAll(context.Background())

	got := h.esc.abandoned()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)
	assert.False(t, message.IsRetryable(got[0].Reason))
	assert.NotEqual(t, -1, h.ev.index("write:m-2"), "partial failure does not fail the batch")
}

func TestEscalationFailureKeepsDeliveryUnacked(t *testing.T) {
	h := newHarness(t, testConfig())
	h.esc.fail = true
	h.store.failPermanently("m-1")

	require.NoError(t, h.deliver(t, "m-1"))
	h.relay.drainAll(context.Background())
	assert.Equal(t, -1, h.ev.index("ack:m-1"))
	assert.NotEqual(t, -1, h.ev.index("release:m-1"), "handed back to the transport")
	assert.Equal(t, uint64(1), h.relay.Health().EscalationFailures)

	// the redelivery is admitted again instead of being swallowed as a duplicate
	require.NoError(t, h.submit(t, "m-1"))
	assert.Equal(t, 1, h.relay.Health().InFlight)
}

func TestConcurrentSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1000
	cfg.MaxInFlight = 1000
	h := newHarness(t, cfg)

	var acks sync.Map
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("m-%d", i)
				key := fmt.Sprintf("%s/%d", id, w)
				assert.NoError(t, h.relay.SubmitEnvelope(envelope(id), func() { acks.Store(key, true) }))
			}
		}(w)
	}
	wg.Wait()
	h.relay.drainAll(context.Background())

	assert.Equal(t, 50, h.store.Writes())
	n := 0
	acks.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 400, n, "every delivery acknowledged once")
}

func TestRunDrainsOnShutdown(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- h.relay.Run(ctx) }()

	require.NoError(t, h.submit(t, "m-1"))
	require.Eventually(t, func() bool { return h.ev.index("ack:m-1") != -1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.relay.Ready(context.Background()))
	cancel()
	require.NoError(t, <-errCh)
	<-h.relay.Done()

	require.ErrorIs(t, h.submit(t, "m-2"), message.ErrShuttingDown)
	require.ErrorIs(t, h.relay.Ready(context.Background()), message.ErrShuttingDown)
	assert.True(t, h.relay.Health().ShuttingDown)
}

func TestShutdownAbandonsUndelivered(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.store.failNext("m-1", -1)

	require.NoError(t, h.deliver(t, "m-1"))
	require.NoError(t, h.deliver(t, "m-2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.relay.Run(ctx))

	assert.NotEqual(t, -1, h.ev.index("ack:m-2"), "queued envelopes are drained")
	got := h.esc.abandoned()
	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].Envelope.MessageID)
	assert.ErrorIs(t, got[0].Reason, message.ErrShuttingDown)
	assert.Equal(t, -1, h.ev.index("ack:m-1"), "left for transport redelivery")
	assert.NotEqual(t, -1, h.ev.index("release:m-1"))
	assert.Equal(t, -1, h.ev.index("release:m-2"))
	assert.Equal(t, 0, h.relay.Health().InFlight)
}

func TestReadyFailsWhenStoreDown(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.relay.Ready(context.Background()))
	require.NoError(t, h.store.Close())
	assert.ErrorIs(t, h.relay.Ready(context.Background()), sink.ErrStoreClosed)

	snap, ok := h.relay.Snapshot().(Health)
	require.True(t, ok)
	assert.Equal(t, 16, snap.QueueCapacity)
}
