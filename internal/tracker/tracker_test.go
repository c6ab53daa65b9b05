package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

var errTimeout = errors.New("i/o timeout")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RandomizationFactor = 0
	cfg.InitialInterval = 100 * time.Millisecond
	cfg.MaxInterval = time.Second
	return cfg
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

func TestRegister(t *testing.T) {
	tr := New(testConfig())

	rec, err := tr.Register("m1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Zero(t, rec.AttemptCount)

	_, err = tr.Register("m1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestFailTwiceThenAck(t *testing.T) {
	tr := New(testConfig())
	_, err := tr.Register("m1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = tr.MarkAttempt("m1")
		require.NoError(t, err)
		d, err := tr.MarkFailed("m1", errTimeout)
		require.NoError(t, err)
		assert.Equal(t, ActionRetry, d.Action)
		assert.Equal(t, StateFailed, d.Record.State)
	}

	_, err = tr.MarkAttempt("m1")
	require.NoError(t, err)
	rec, err := tr.MarkAcked("m1")
	require.NoError(t, err)

	assert.Equal(t, 3, rec.AttemptCount)
	assert.Equal(t, StateAcked, rec.State)

	_, ok := tr.Get("m1")
	assert.False(t, ok, "acked record must be destroyed")
}

func TestAbandonAfterMaxRetries(t *testing.T) {
	tr := New(testConfig())
	_, err := tr.Register("m1")
	require.NoError(t, err)

	var abandoned []Decision
	for i := 0; i < 6; i++ {
		_, err = tr.MarkAttempt("m1")
		require.NoError(t, err)
		d, err := tr.MarkFailed("m1", errTimeout)
		require.NoError(t, err)
		if d.Action == ActionAbandon {
			abandoned = append(abandoned, d)
		}
	}

	require.Len(t, abandoned, 1)
	d := abandoned[0]
	assert.Equal(t, StateAbandoned, d.Record.State)
	assert.Equal(t, 6, d.Record.AttemptCount)

	var exhausted *message.RetriesExhaustedError
	require.ErrorAs(t, d.Err, &exhausted)
	assert.Equal(t, 6, exhausted.Attempts)
	assert.ErrorIs(t, d.Err, errTimeout)

	_, err = tr.MarkFailed("m1", errTimeout)
	assert.ErrorIs(t, err, ErrUnknownDelivery, "abandonment must be reported only once")
}

func TestPermanentErrorAbandonsImmediately(t *testing.T) {
	tr := New(testConfig())
	_, _ = tr.Register("m1")
	_, _ = tr.MarkAttempt("m1")

	d, err := tr.MarkFailed("m1", &message.SinkWriteError{MessageID: "m1", Err: errors.New("bad document")})
	require.NoError(t, err)
	assert.Equal(t, ActionAbandon, d.Action)
	assert.Equal(t, 1, d.Record.AttemptCount)
}

func TestBackoffGrows(t *testing.T) {
	tr := New(testConfig())
	_, _ = tr.Register("m1")

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, _ = tr.MarkAttempt("m1")
		d, err := tr.MarkFailed("m1", errTimeout)
		require.NoError(t, err)
		delays = append(delays, d.After)
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}, delays)
}

func TestDue(t *testing.T) {
	c := &clock{now: time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)}
	tr := New(testConfig(), WithClock(c.Now))

	_, _ = tr.Register("m1")
	_, _ = tr.Register("m2")
	_, _ = tr.MarkAttempt("m1")
	_, _ = tr.MarkAttempt("m2")
	_, _ = tr.MarkFailed("m1", errTimeout)

	assert.Empty(t, tr.Due(c.Now()))
	assert.Equal(t, Stats{Pending: 1, Failed: 1, Outstanding: 2}, tr.Stats())

	c.Advance(150 * time.Millisecond)
	due := tr.Due(c.Now())
	require.Len(t, due, 1)
	assert.Equal(t, "m1", due[0].MessageID)
	assert.Equal(t, StatePending, due[0].State)

	assert.Empty(t, tr.Due(c.Now()), "a due record is handed out once")
	assert.Equal(t, Stats{Pending: 2, Outstanding: 2}, tr.Stats())
}

func TestDiscardAndAbandonAll(t *testing.T) {
	tr := New(testConfig())
	for _, id := range []string{"m3", "m1", "m2"} {
		_, _ = tr.Register(id)
	}

	tr.Discard("m2")
	out := tr.AbandonAll()

	require.Len(t, out, 2)
	assert.Equal(t, "m1", out[0].MessageID)
	assert.Equal(t, "m3", out[1].MessageID)
	for _, rec := range out {
		assert.Equal(t, StateAbandoned, rec.State)
	}
	assert.Zero(t, tr.Stats().Outstanding)
}

func TestUnknownDelivery(t *testing.T) {
	tr := New(testConfig())

	_, err := tr.MarkAttempt("nope")
	assert.ErrorIs(t, err, ErrUnknownDelivery)
	_, err = tr.MarkAcked("nope")
	assert.ErrorIs(t, err, ErrUnknownDelivery)
	_, err = tr.MarkFailed("nope", errTimeout)
	assert.ErrorIs(t, err, ErrUnknownDelivery)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StatePending:   "pending",
		StateAcked:     "acked",
		StateFailed:    "failed",
		StateAbandoned: "abandoned",
		State(9):       "state(9)",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}
