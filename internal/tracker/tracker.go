// Package tracker keeps the acknowledgment state of admitted deliveries and decides retries.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

const defaultShards = 32

var (
	// ErrUnknownDelivery is returned for ids that were never registered or already finished
	ErrUnknownDelivery = errors.New("unknown delivery")
	// ErrAlreadyRegistered is returned when an id is registered twice
	ErrAlreadyRegistered = errors.New("delivery already registered")
)

// State of a delivery record
type State int

const (
	StatePending State = iota
	StateAcked
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Record is a snapshot of one delivery
type Record struct {
	MessageID     string
	AttemptCount  int
	State         State
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     error
}

// Action tells the coordinator what to do after a failed write
type Action int

const (
	// ActionRetry schedules another write once the backoff elapsed
	ActionRetry Action = iota
	// ActionAbandon means the delivery is finished and must be escalated
	ActionAbandon
)

// Decision is the outcome of MarkFailed
type Decision struct {
	Action Action
	After  time.Duration
	Record Record
	// Err is a *message.RetriesExhaustedError when Action is ActionAbandon
	Err error
}

// Config tunes the retry policy
type Config struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultConfig returns the default retry policy: up to 5 retries after the first attempt
func DefaultConfig() Config {
	return Config{
		MaxRetries:          5,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Stats summarizes outstanding deliveries
type Stats struct {
	Pending     int
	Failed      int
	Outstanding int
}

type entry struct {
	rec     Record
	backoff *backoff.ExponentialBackOff
}

type shard struct {
	mu      sync.Mutex
	records map[string]*entry
}

// Tracker is safe for concurrent use; all mutations of one id happen under its shard lock.
type Tracker struct {
	cfg    Config
	shards []*shard
	now    func() time.Time
}

// Option customizes a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	t := &Tracker{cfg: cfg, now: time.Now, shards: make([]*shard, defaultShards)}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) shardFor(id string) *shard {
	return t.shards[xxhash.Sum64String(id)%uint64(len(t.shards))]
}

// Register creates a pending record
func (t *Tracker) Register(id string) (Record, error) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	e := &entry{rec: Record{MessageID: id, State: StatePending}}
	s.records[id] = e
	return e.rec, nil
}

// MarkAttempt records a write attempt about to start
func (t *Tracker) MarkAttempt(id string) (Record, error) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}
	e.rec.AttemptCount++
	e.rec.LastAttemptAt = t.now()
	e.rec.State = StatePending
	return e.rec, nil
}

// MarkAcked finishes a delivery after a confirmed write and returns its final snapshot
func (t *Tracker) MarkAcked(id string) (Record, error) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}
	delete(s.records, id)
	e.rec.State = StateAcked
	e.rec.LastError = nil
	return e.rec, nil
}

// MarkFailed records a failed write. Permanent errors and exhausted budgets abandon the
// delivery; the record is then destroyed so the abandonment is reported exactly once.
func (t *Tracker) MarkFailed(id string, cause error) (Decision, error) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, id)
	}
	e.rec.LastError = cause

	if !message.IsRetryable(cause) || e.rec.AttemptCount > t.cfg.MaxRetries {
		delete(s.records, id)
		e.rec.State = StateAbandoned
		e.rec.NextAttemptAt = time.Time{}
		return Decision{
			Action: ActionAbandon,
			Record: e.rec,
			Err: &message.RetriesExhaustedError{
				MessageID: id,
				Attempts:  e.rec.AttemptCount,
				Last:      cause,
			},
		}, nil
	}

	if e.backoff == nil {
		e.backoff = t.newBackOff()
	}
	after := e.backoff.NextBackOff()
	if after == backoff.Stop {
		after = t.cfg.MaxInterval
	}
	e.rec.State = StateFailed
	e.rec.NextAttemptAt = t.now().Add(after)
	return Decision{Action: ActionRetry, After: after, Record: e.rec}, nil
}

// Due moves failed records whose backoff elapsed back to pending and returns them,
// earliest first
func (t *Tracker) Due(now time.Time) []Record {
	var due []Record
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.records {
			if e.rec.State == StateFailed && !e.rec.NextAttemptAt.After(now) {
				e.rec.State = StatePending
				due = append(due, e.rec)
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].MessageID < due[j].MessageID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	return due
}

// Discard drops a record that never reached the queue
func (t *Tracker) Discard(id string) {
	s := t.shardFor(id)
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// AbandonAll destroys every outstanding record and returns them as abandoned
func (t *Tracker) AbandonAll() []Record {
	var out []Record
	for _, s := range t.shards {
		s.mu.Lock()
		for id, e := range s.records {
			e.rec.State = StateAbandoned
			out = append(out, e.rec)
			delete(s.records, id)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// Get returns the current snapshot of id
func (t *Tracker) Get(id string) (Record, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Stats counts outstanding records by state
func (t *Tracker) Stats() Stats {
	var st Stats
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.records {
			st.Outstanding++
			if e.rec.State == StateFailed {
				st.Failed++
			} else {
				st.Pending++
			}
		}
		s.mu.Unlock()
	}
	return st
}

func (t *Tracker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if t.cfg.InitialInterval > 0 {
		b.InitialInterval = t.cfg.InitialInterval
	}
	if t.cfg.MaxInterval > 0 {
		b.MaxInterval = t.cfg.MaxInterval
	}
	if t.cfg.Multiplier > 0 {
		b.Multiplier = t.cfg.Multiplier
	}
	b.RandomizationFactor = t.cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
