package mqtt

import (
	"context"
)

// Publisher publishes payloads to arbitrary topics.
// Implemented by a single Client and by a Pool.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

var (
	_ Publisher = (*Client)(nil)
	_ Publisher = (*Pool)(nil)
)
