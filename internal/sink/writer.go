// Package sink persists envelopes in batches through a pluggable document store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
)

// Store is an idempotent document store: upserting the same message id twice
// leaves exactly one record.
type Store interface {
	// Upsert writes docs and returns one outcome per document, in order
	Upsert(ctx context.Context, docs []Document) []Outcome
	Ping(ctx context.Context) error
	Close() error
}

// Outcome is the result of writing one document. Err is nil on success.
type Outcome struct {
	MessageID string
	StorageID string
	Err       error
}

// OK reports whether the write succeeded
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Writer turns envelope batches into store upserts
type Writer struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	log     *log.Logger
}

// NewWriter creates a writer bounding each batch by timeout
func NewWriter(store Store, timeout time.Duration, logger *log.Logger) *Writer {
	return &Writer{store: store, timeout: timeout, now: time.Now, log: logger}
}

// WriteBatch persists envs and reports per-item outcomes in input order.
// Every failed outcome carries a *message.SinkWriteError.
func (w *Writer) WriteBatch(ctx context.Context, envs []message.Envelope) []Outcome {
	if len(envs) == 0 {
		return nil
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	ingestedAt := w.now().UTC()
	docs := make([]Document, len(envs))
	for i := range envs {
		docs[i] = NewDocument(envs[i], ingestedAt)
	}

	start := time.Now()
	outcomes := w.store.Upsert(ctx, docs)
	if len(outcomes) != len(docs) {
		err := fmt.Errorf("store returned %d outcomes for %d documents", len(outcomes), len(docs))
		w.log.Error("Sink batch rejected: %v", err)
		outcomes = make([]Outcome, len(docs))
		for i := range docs {
			outcomes[i] = Outcome{Err: err}
		}
	}

	failed := 0
	for i := range outcomes {
		outcomes[i].MessageID = docs[i].MessageID
		if outcomes[i].Err != nil {
			outcomes[i].Err = classify(docs[i].MessageID, outcomes[i].Err)
			failed++
		}
	}

	w.log.Debug("Wrote batch of %d documents in %s (%d failed)", len(docs), time.Since(start), failed)
	return outcomes
}

// Ping checks the store
func (w *Writer) Ping(ctx context.Context) error {
	return w.store.Ping(ctx)
}

// Close releases the store
func (w *Writer) Close() error {
	return w.store.Close()
}

// classify wraps err into a SinkWriteError; unclassified and context errors are retryable
func classify(id string, err error) error {
	var swe *message.SinkWriteError
	if errors.As(err, &swe) {
		if swe.MessageID == "" {
			swe.MessageID = id
		}
		return swe
	}
	return &message.SinkWriteError{MessageID: id, Retryable: true, Err: err}
}

// Permanent marks err as a non-retryable write failure
func Permanent(id string, err error) error {
	return &message.SinkWriteError{MessageID: id, Retryable: false, Err: err}
}

// Retryable marks err as a transient write failure
func Retryable(id string, err error) error {
	return &message.SinkWriteError{MessageID: id, Retryable: true, Err: err}
}
