// Package deadletter reports deliveries the relay gave up on.
package deadletter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/pkg/jsonfast"
	"github.com/sirupsen/logrus"
)

// Abandoned is a delivery that will not be written again
type Abandoned struct {
	Envelope    message.Envelope
	Attempts    int
	Reason      error
	AbandonedAt time.Time
}

// Encoder turns an envelope into its wire form
type Encoder interface {
	Encode(env message.Envelope) ([]byte, error)
}

// Target receives encoded dead letters
type Target interface {
	Send(ctx context.Context, key string, payload []byte) error
	Close() error
}

// Escalator builds dead letters and hands them to a target. A dead letter the
// target refuses is logged in full so it is never silently dropped.
type Escalator struct {
	target  Target
	enc     Encoder
	timeout time.Duration
	log     *log.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New creates an escalator
func New(target Target, enc Encoder, timeout time.Duration, logger *log.Logger) *Escalator {
	return &Escalator{target: target, enc: enc, timeout: timeout, log: logger}
}

// Escalate reports one abandoned delivery
func (e *Escalator) Escalate(ctx context.Context, a Abandoned) error {
	payload := e.Build(a)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.target.Send(ctx, a.Envelope.DeviceID, payload); err != nil {
		e.failed.Add(1)
		e.log.ErrorWithFields(logrus.Fields{
			"message_id":  a.Envelope.MessageID,
			"dead_letter": string(payload),
		}, "Failed to escalate abandoned delivery: %v", err)
		return fmt.Errorf("escalate %s: %w", a.Envelope.MessageID, err)
	}
	e.sent.Add(1)
	return nil
}

// Build encodes the dead letter record
func (e *Escalator) Build(a Abandoned) []byte {
	b := jsonfast.New(512)
	b.AddStringField("message_id", a.Envelope.MessageID)
	b.AddStringField("device_id", a.Envelope.DeviceID)
	b.AddStringField("kind", string(a.Envelope.Kind))
	b.AddIntField("attempts", a.Attempts)
	b.AddStringField("reason", reasonOf(a.Reason))
	b.AddBoolField("retryable", a.Reason != nil && message.IsRetryable(a.Reason))
	b.AddTimeRFC3339Field("abandoned_at", a.AbandonedAt)

	raw, err := e.enc.Encode(a.Envelope)
	if err != nil {
		e.log.Warn("Dead letter %s carries no envelope: %v", a.Envelope.MessageID, err)
		raw = nil
	}
	b.AddRawJSONField("envelope", raw)
	b.EndObject()
	return b.Clone()
}

// Stats returns the number of delivered and failed dead letters
func (e *Escalator) Stats() (sent, failed uint64) {
	return e.sent.Load(), e.failed.Load()
}

// Close closes the target
func (e *Escalator) Close() error {
	return e.target.Close()
}

func reasonOf(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
