package relay

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-relay/internal/deadletter"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/sink"
	"github.com/ibs-source/telemetry-relay/internal/tracker"
)

// drainAll writes due retries and queued envelopes until the queue is empty.
// It returns the number of envelopes handed to the sink.
func (r *Relay) drainAll(ctx context.Context) int {
	total := 0
	for {
		n := r.drain(ctx)
		total += n
		if n == 0 || r.queue.Len() == 0 {
			return total
		}
	}
}

// drain runs one pass: every due retry plus queued ids up to the batch size
func (r *Relay) drain(ctx context.Context) int {
	var ids []string
	for _, rec := range r.tracker.Due(r.now()) {
		ids = append(ids, rec.MessageID)
	}
	if room := r.cfg.BatchSize - len(ids); room > 0 {
		for _, slot := range r.queue.Drain(room) {
			ids = append(ids, slot.Item)
		}
	}

	for start := 0; start < len(ids); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		r.writeBatch(ctx, ids[start:end])
	}
	return len(ids)
}

// writeBatch persists one batch. No relay lock is held while the sink runs.
func (r *Relay) writeBatch(ctx context.Context, ids []string) {
	envs := make([]message.Envelope, 0, len(ids))
	r.mu.Lock()
	for _, id := range ids {
		if p, ok := r.inflight[id]; ok {
			envs = append(envs, p.env)
		}
	}
	r.mu.Unlock()

	batch := envs[:0]
	for _, env := range envs {
		if _, err := r.tracker.MarkAttempt(env.MessageID); err != nil {
			r.log.Warn("Skipping %s: %v", env.MessageID, err)
			continue
		}
		batch = append(batch, env)
	}
	if len(batch) == 0 {
		return
	}

	outcomes := r.sink.WriteBatch(ctx, batch)
	for i := range batch {
		var out sink.Outcome
		if i < len(outcomes) {
			out = outcomes[i]
		} else {
			out.Err = errors.New("missing write outcome")
		}
		if out.OK() {
			r.confirm(batch[i].MessageID)
		} else {
			r.fail(ctx, batch[i].MessageID, out.Err)
		}
	}
}

// confirm finishes a persisted delivery and acknowledges every transport delivery of it
func (r *Relay) confirm(id string) {
	rec, err := r.tracker.MarkAcked(id)
	if err != nil {
		r.log.Warn("Confirming %s: %v", id, err)
		return
	}

	r.mu.Lock()
	p := r.inflight[id]
	delete(r.inflight, id)
	r.mu.Unlock()
	if p == nil {
		return
	}

	for _, ack := range p.acks {
		ack()
	}
	r.persisted.Add(1)
	if r.onPersisted != nil {
		r.onPersisted(p.env, rec)
	}
}

// fail records a failed write and escalates when the tracker gives up
func (r *Relay) fail(ctx context.Context, id string, cause error) {
	dec, err := r.tracker.MarkFailed(id, cause)
	if err != nil {
		r.log.Warn("Failing %s: %v", id, err)
		return
	}
	if dec.Action == tracker.ActionRetry {
		r.retried.Add(1)
		r.log.DebugWithFields(logrus.Fields{
			"message_id": id,
			"attempt":    dec.Record.AttemptCount,
			"retry_in":   dec.After.String(),
		}, "Write failed, retry scheduled: %v", cause)
		return
	}
	r.abandon(ctx, dec.Record, dec.Err, true)
}

// abandon escalates a finished delivery. With ack set, the transport deliveries are
// acknowledged once the dead letter was accepted. Otherwise, or when escalation fails,
// they are released back to their transport and the id is forgotten so a redelivery
// is admitted again.
func (r *Relay) abandon(ctx context.Context, rec tracker.Record, reason error, ack bool) {
	r.mu.Lock()
	p := r.inflight[rec.MessageID]
	delete(r.inflight, rec.MessageID)
	r.mu.Unlock()

	r.abandoned.Add(1)
	if p == nil {
		r.log.Error("Abandoned delivery %s has no envelope: %v", rec.MessageID, reason)
		return
	}

	r.log.ErrorWithFields(logrus.Fields{
		"message_id": rec.MessageID,
		"device_id":  p.env.DeviceID,
		"attempts":   rec.AttemptCount,
	}, "Delivery abandoned: %v", reason)

	err := r.esc.Escalate(ctx, deadletter.Abandoned{
		Envelope:    p.env,
		Attempts:    rec.AttemptCount,
		Reason:      reason,
		AbandonedAt: r.now(),
	})
	if err != nil {
		r.escFailures.Add(1)
	} else {
		r.escalations.Add(1)
		if ack {
			for _, fn := range p.acks {
				fn()
			}
			return
		}
	}

	r.dedup.Forget(rec.MessageID)
	for _, fn := range p.releases {
		fn()
	}
}
