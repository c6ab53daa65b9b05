// Package relay coordinates the path from transport delivery to durable write and
// transport acknowledgment.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/deadletter"
	"github.com/ibs-source/telemetry-relay/internal/dedup"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/queue"
	"github.com/ibs-source/telemetry-relay/internal/sink"
	"github.com/ibs-source/telemetry-relay/internal/tracker"
)

// Normalizer turns transport bodies into envelopes
type Normalizer interface {
	Normalize(in message.Inbound, topic string) (message.Envelope, error)
}

// Sink persists envelope batches
type Sink interface {
	WriteBatch(ctx context.Context, envs []message.Envelope) []sink.Outcome
	Ping(ctx context.Context) error
}

// Escalator reports abandoned deliveries
type Escalator interface {
	Escalate(ctx context.Context, a deadletter.Abandoned) error
}

// PersistedFunc is called once per envelope after its write was confirmed and its
// transport acks were issued
type PersistedFunc func(env message.Envelope, rec tracker.Record)

// inflight is an admitted envelope and every transport ack waiting on its write
type inflight struct {
	env      message.Envelope
	acks     []func()
	releases []func()
}

func (p *inflight) join(ack, release func()) {
	if ack != nil {
		p.acks = append(p.acks, ack)
	}
	if release != nil {
		p.releases = append(p.releases, release)
	}
}

// Relay orchestrates decode, dedup, admission, batched persistence and acknowledgment
type Relay struct {
	cfg     config.RelayConfig
	norm    Normalizer
	sink    Sink
	esc     Escalator
	dedup   *dedup.Window
	queue   *queue.Bounded[string]
	tracker *tracker.Tracker
	now     func() time.Time
	log     *log.Logger

	onPersisted PersistedFunc

	// mu guards inflight and serializes admission so observe, register and enqueue of
	// one id are never interleaved with another delivery of the same id
	mu       sync.Mutex
	inflight map[string]*inflight

	closing atomic.Bool
	done    chan struct{}

	received    atomic.Uint64
	admitted    atomic.Uint64
	duplicates  atomic.Uint64
	malformed   atomic.Uint64
	rejected    atomic.Uint64
	persisted   atomic.Uint64
	retried     atomic.Uint64
	abandoned   atomic.Uint64
	escalations atomic.Uint64
	escFailures atomic.Uint64
}

// Option customizes a Relay
type Option func(*Relay)

// WithClock replaces time.Now for the relay, its dedup window and its tracker
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithPersistedHook registers fn to observe every persisted envelope
func WithPersistedHook(fn PersistedFunc) Option {
	return func(r *Relay) { r.onPersisted = fn }
}

// New creates a relay. The dedup window, queue and tracker are built from cfg.
func New(cfg config.RelayConfig, norm Normalizer, s Sink, esc Escalator, logger *log.Logger, opts ...Option) *Relay {
	r := &Relay{
		cfg:      cfg,
		norm:     norm,
		sink:     s,
		esc:      esc,
		now:      time.Now,
		log:      logger,
		inflight: make(map[string]*inflight),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.BatchSize < 1 {
		r.cfg.BatchSize = 1
	}

	r.dedup = dedup.New(cfg.DedupWindow, dedup.WithClock(r.now), dedup.WithMaxEntries(cfg.DedupMaxEntries))
	r.queue = queue.NewBounded[string](cfg.QueueCapacity)
	r.tracker = tracker.New(tracker.Config{
		MaxRetries:          cfg.MaxRetries,
		InitialInterval:     cfg.RetryInitialInterval,
		MaxInterval:         cfg.RetryMaxInterval,
		Multiplier:          cfg.RetryMultiplier,
		RandomizationFactor: cfg.RetryJitter,
	}, tracker.WithClock(r.now))
	return r
}

// Handle is the message.Handler given to transports. A malformed body is acknowledged,
// counted and dropped; QueueFull and ShuttingDown are returned to the transport.
func (r *Relay) Handle(d message.Delivery) error {
	r.received.Add(1)

	env, err := r.norm.Normalize(d.Body, d.Topic)
	if err != nil {
		r.malformed.Add(1)
		r.log.WarnWithFields(logrus.Fields{
			"transport": d.Transport,
			"topic":     d.Topic,
		}, "Dropping malformed delivery: %v", err)
		callAck(d.Ack)
		return nil
	}
	if env.Source == "" {
		env.Source = d.Transport
	}
	if env.Topic == "" {
		env.Topic = d.Topic
	}
	return r.submit(env, d.Ack, d.Release)
}

// SubmitEnvelope admits an already decoded envelope. ack runs once the envelope is
// durably written; it may be nil.
func (r *Relay) SubmitEnvelope(env message.Envelope, ack func()) error {
	return r.submit(env, ack, nil)
}

// submit admits env. release runs instead of ack when the relay gives the delivery up
// without acknowledging it.
func (r *Relay) submit(env message.Envelope, ack, release func()) error {
	if r.closing.Load() {
		return message.ErrShuttingDown
	}
	id := env.MessageID

	r.mu.Lock()
	first := r.dedup.Observe(id)
	if p, ok := r.inflight[id]; ok {
		// the original is not written yet; the duplicate is acked with it
		p.join(ack, release)
		r.mu.Unlock()
		r.duplicates.Add(1)
		r.log.Debug("Duplicate %s joined in-flight delivery", id)
		return nil
	}
	if !first {
		r.mu.Unlock()
		r.duplicates.Add(1)
		r.log.Debug("Duplicate %s acknowledged", id)
		callAck(ack)
		return nil
	}

	if r.cfg.MaxInFlight > 0 && len(r.inflight) >= r.cfg.MaxInFlight {
		r.dedup.Forget(id)
		r.mu.Unlock()
		r.rejected.Add(1)
		return fmt.Errorf("%w: %d deliveries in flight", message.ErrQueueFull, r.cfg.MaxInFlight)
	}

	if _, err := r.tracker.Register(id); err != nil {
		r.dedup.Forget(id)
		r.mu.Unlock()
		return fmt.Errorf("admit %s: %w", id, err)
	}
	p := &inflight{env: env}
	p.join(ack, release)
	r.inflight[id] = p

	if err := r.queue.Enqueue(id); err != nil {
		delete(r.inflight, id)
		r.tracker.Discard(id)
		r.dedup.Forget(id)
		r.mu.Unlock()
		if errors.Is(err, message.ErrQueueFull) {
			r.rejected.Add(1)
		}
		return err
	}
	r.mu.Unlock()

	r.admitted.Add(1)
	return nil
}

// Run drains the queue until ctx is cancelled, then shuts down gracefully: admission
// stops, the queue and pending retries are drained for at most ShutdownTimeout and
// whatever is left is abandoned and escalated.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("Starting relay coordinator")
	defer close(r.done)

	// writes already started are not interrupted by the shutdown signal
	work := context.WithoutCancel(ctx)

	interval := r.cfg.DrainInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown(work, interval)
			return nil
		case <-ticker.C:
			r.drainAll(work)
		case <-r.queue.Ready():
			r.drainAll(work)
		}
	}
}

// Done is closed once Run returned
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) shutdown(ctx context.Context, interval time.Duration) {
	r.log.Info("Shutting down relay coordinator")
	r.closing.Store(true)
	r.queue.Close()

	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	for r.outstanding() > 0 && time.Now().Before(deadline) {
		if r.drainAll(ctx) == 0 {
			time.Sleep(interval)
		}
	}

	left := r.tracker.AbandonAll()
	for _, rec := range left {
		// not acked: the transport redelivers them to the next instance
		r.abandon(ctx, rec, fmt.Errorf("%w: %s", message.ErrShuttingDown, "drain timeout"), false)
	}
	if len(left) > 0 {
		r.log.Warn("Relay stopped with %d undelivered envelopes", len(left))
	} else {
		r.log.Info("Relay drained")
	}
}

func (r *Relay) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func callAck(ack func()) {
	if ack != nil {
		ack()
	}
}
