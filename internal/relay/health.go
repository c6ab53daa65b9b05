package relay

import (
	"context"
	"fmt"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

// Health is a point-in-time view of the coordinator
type Health struct {
	ShuttingDown   bool `json:"shutting_down"`
	QueueDepth     int  `json:"queue_depth"`
	QueueCapacity  int  `json:"queue_capacity"`
	PendingRetries int  `json:"pending_retries"`
	InFlight       int  `json:"in_flight"`
	DedupEntries   int  `json:"dedup_entries"`

	Received           uint64 `json:"received"`
	Admitted           uint64 `json:"admitted"`
	Duplicates         uint64 `json:"duplicates"`
	Malformed          uint64 `json:"malformed"`
	Rejected           uint64 `json:"rejected"`
	Persisted          uint64 `json:"persisted"`
	Retried            uint64 `json:"retried"`
	Abandoned          uint64 `json:"abandoned"`
	Escalated          uint64 `json:"escalated"`
	EscalationFailures uint64 `json:"escalation_failures"`
}

// Health returns queue depth, pending retries, in-flight count and counters
func (r *Relay) Health() Health {
	st := r.tracker.Stats()
	return Health{
		ShuttingDown:       r.closing.Load(),
		QueueDepth:         r.queue.Len(),
		QueueCapacity:      r.queue.Cap(),
		PendingRetries:     st.Failed,
		InFlight:           r.outstanding(),
		DedupEntries:       r.dedup.Len(),
		Received:           r.received.Load(),
		Admitted:           r.admitted.Load(),
		Duplicates:         r.duplicates.Load(),
		Malformed:          r.malformed.Load(),
		Rejected:           r.rejected.Load(),
		Persisted:          r.persisted.Load(),
		Retried:            r.retried.Load(),
		Abandoned:          r.abandoned.Load(),
		Escalated:          r.escalations.Load(),
		EscalationFailures: r.escFailures.Load(),
	}
}

// Ready fails while shutting down or when the store does not answer
func (r *Relay) Ready(ctx context.Context) error {
	if r.closing.Load() {
		return message.ErrShuttingDown
	}
	if err := r.sink.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Snapshot returns Health for the HTTP endpoint
func (r *Relay) Snapshot() any {
	return r.Health()
}
