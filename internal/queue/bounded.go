// Package queue provides the bounded ingestion queue between delivery paths and the drain loop.
package queue

import (
	"sync"
	"time"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

// Slot is one queued item with its enqueue time
type Slot[T any] struct {
	Item       T
	EnqueuedAt time.Time
}

// Bounded is a fixed capacity FIFO. Enqueue never blocks: a full queue rejects the item.
// Multiple producers and any number of drainers are supported.
type Bounded[T any] struct {
	mu     sync.Mutex
	buf    []Slot[T]
	head   int
	size   int
	closed bool
	ready  chan struct{}
	now    func() time.Time
}

// NewBounded creates a queue holding at most capacity items
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		buf:   make([]Slot[T], capacity),
		ready: make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Enqueue appends item or fails with message.ErrQueueFull / message.ErrShuttingDown
func (q *Bounded[T]) Enqueue(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return message.ErrShuttingDown
	}
	if q.size == len(q.buf) {
		q.mu.Unlock()
		return message.ErrQueueFull
	}
	q.buf[(q.head+q.size)%len(q.buf)] = Slot[T]{Item: item, EnqueuedAt: q.now()}
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes up to max items in enqueue order. max <= 0 drains everything.
// An empty queue yields an empty result, never an error.
func (q *Bounded[T]) Drain(max int) []Slot[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]Slot[T], n)
	var zero Slot[T]
	for i := 0; i < n; i++ {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = zero
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	return out
}

// Ready is signalled after an enqueue. One signal may cover several items.
func (q *Bounded[T]) Ready() <-chan struct{} {
	return q.ready
}

// Close rejects further enqueues; queued items stay drainable
func (q *Bounded[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Len returns the number of queued items
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity
func (q *Bounded[T]) Cap() int {
	return len(q.buf)
}
