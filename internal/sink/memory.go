package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStoreClosed is returned by a closed memory store
var ErrStoreClosed = errors.New("store closed")

// MemoryStore keeps documents in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[Collection]map[string]Document
	devices map[string]DeviceState
	writes  int
	closed  bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[Collection]map[string]Document),
		devices: make(map[string]DeviceState),
	}
}

// Upsert stores docs keyed by message id
func (m *MemoryStore) Upsert(ctx context.Context, docs []Document) []Outcome {
	out := make([]Outcome, len(docs))

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range docs {
		doc := docs[i]
		out[i].MessageID = doc.MessageID
		if m.closed {
			out[i].Err = Permanent(doc.MessageID, ErrStoreClosed)
			continue
		}
		if err := ctx.Err(); err != nil {
			out[i].Err = Retryable(doc.MessageID, err)
			continue
		}

		col, ok := m.docs[doc.Collection]
		if !ok {
			col = make(map[string]Document)
			m.docs[doc.Collection] = col
		}
		col[doc.MessageID] = doc
		m.writes++
		out[i].StorageID = fmt.Sprintf("%s/%s", doc.Collection, doc.MessageID)

		if st, ok := doc.Device(); ok {
			m.upsertDevice(st)
		}
	}
	return out
}

// upsertDevice keeps the earliest first_seen; readings older than the stored ones are ignored
func (m *MemoryStore) upsertDevice(st DeviceState) {
	prev, ok := m.devices[st.DeviceID]
	if !ok {
		m.devices[st.DeviceID] = st
		return
	}
	if st.FirstSeen.Before(prev.FirstSeen) {
		prev.FirstSeen = st.FirstSeen
	}
	if st.LastSeen.Before(prev.LastSeen) {
		m.devices[st.DeviceID] = prev
		return
	}
	st.FirstSeen = prev.FirstSeen
	m.devices[st.DeviceID] = st
}

// Get returns a stored document
func (m *MemoryStore) Get(col Collection, id string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[col][id]
	return doc, ok
}

// Count returns the number of distinct documents in col
func (m *MemoryStore) Count(col Collection) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[col])
}

// Writes returns the number of successful upserts, including overwrites
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Device returns the registry entry of a device
func (m *MemoryStore) Device(id string) (DeviceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.devices[id]
	return st, ok
}

// Ping fails once the store is closed
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
