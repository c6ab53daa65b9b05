package message

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned when the ingestion queue has no free slot. Transient.
var ErrQueueFull = errors.New("ingestion queue full")

// ErrShuttingDown is returned for deliveries arriving after shutdown started
var ErrShuttingDown = errors.New("relay shutting down")

// MalformedPayloadError reports a body that cannot be decoded into an envelope. Not retryable.
type MalformedPayloadError struct {
	Field  string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: field %q: %s", e.Field, e.Reason)
}

// Malformed builds a MalformedPayloadError
func Malformed(field, format string, args ...interface{}) error {
	return &MalformedPayloadError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SinkWriteError is a failed store write, classified by the store
type SinkWriteError struct {
	MessageID string
	Retryable bool
	Err       error
}

func (e *SinkWriteError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("sink write %s failed (%s): %v", e.MessageID, kind, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable sink failure.
// Unclassified errors are treated as retryable.
func IsRetryable(err error) bool {
	var swe *SinkWriteError
	if errors.As(err, &swe) {
		return swe.Retryable
	}
	return err != nil
}

// RetriesExhaustedError marks a delivery abandoned after its retry budget
type RetriesExhaustedError struct {
	MessageID string
	Attempts  int
	Last      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("delivery %s abandoned after %d attempts: %v", e.MessageID, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}
