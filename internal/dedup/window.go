// Package dedup collapses duplicate deliveries of the same message id within a time window.
package dedup

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// Entry is one remembered message id
type Entry struct {
	MessageID   string
	FirstSeenAt time.Time
	Expiry      time.Time
}

// Window is a time-bounded set of message ids. Ids reappearing after their entry expired
// are accepted again: memory stays bounded at the cost of perfect deduplication.
type Window struct {
	shards []*shard
	ttl    time.Duration
	max    int
	maxPer int
	now    func() time.Time
}

// shard holds entries in first-seen order; with a constant ttl this is also expiry order
type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []*Entry
	// stale counts slots in order whose id was forgotten
	stale int
}

// Option customizes a Window
type Option func(*Window)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithMaxEntries caps the number of remembered ids; the oldest are evicted first
func WithMaxEntries(n int) Option {
	return func(w *Window) { w.max = n }
}

// WithShards sets the number of lock stripes
func WithShards(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.shards = newShards(n)
		}
	}
}

// New creates a window remembering ids for ttl
func New(ttl time.Duration, opts ...Option) *Window {
	w := &Window{
		shards: newShards(defaultShards),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.max > 0 {
		w.maxPer = (w.max + len(w.shards) - 1) / len(w.shards)
	}
	return w
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return shards
}

func (w *Window) shardFor(id string) *shard {
	return w.shards[xxhash.Sum64String(id)%uint64(len(w.shards))]
}

// Observe reports whether id is seen for the first time within the window
func (w *Window) Observe(id string) bool {
	now := w.now()
	s := w.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(now)

	if _, seen := s.entries[id]; seen {
		return false
	}

	e := &Entry{MessageID: id, FirstSeenAt: now, Expiry: now.Add(w.ttl)}
	s.entries[id] = e
	s.order = append(s.order, e)

	if w.maxPer > 0 {
		for len(s.entries) > w.maxPer {
			s.popFront()
		}
	}
	return true
}

// Forget drops id so its next observation counts as new
func (w *Window) Forget(id string) {
	s := w.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.stale++
	if s.stale > len(s.entries) {
		s.compact()
	}
}

// Len returns the number of remembered ids
func (w *Window) Len() int {
	n := 0
	for _, s := range w.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (s *shard) evictExpired(now time.Time) {
	for len(s.order) > 0 && !s.order[0].Expiry.After(now) {
		s.popFront()
	}
}

func (s *shard) popFront() {
	e := s.order[0]
	s.order[0] = nil
	s.order = s.order[1:]
	if cur, ok := s.entries[e.MessageID]; ok && cur == e {
		delete(s.entries, e.MessageID)
	} else {
		s.stale--
	}
}

// compact drops forgotten slots from order, keeping first-seen order
func (s *shard) compact() {
	live := make([]*Entry, 0, len(s.entries))
	for _, e := range s.order {
		if cur, ok := s.entries[e.MessageID]; ok && cur == e {
			live = append(live, e)
		}
	}
	s.order = live
	s.stale = 0
}
