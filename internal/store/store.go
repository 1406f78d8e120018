// Package store persists the HTTP validators the uniqueness probes depend on.
//
// A browser answers a repeated /event/ping from its HTTP cache by sending
// If-Modified-Since; the collector reads that as "seen before". Outside a
// browser the same memory has to live somewhere, and this package is it.
package store

import (
	"context"
	"sync"
	"time"
)

// Entry holds the validators remembered for one probe URL.
type Entry struct {
	LastModified string
	ETag         string
	StoredAt     time.Time
}

// Cache stores validators keyed by absolute request URL.
type Cache interface {
	// Get returns the entry for key, or nil if none is stored.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores or replaces the entry for key.
	Put(ctx context.Context, key string, entry Entry) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// Memory is a process-local Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Get returns the validators stored for key, or nil when there are none.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Put stores the validators for key.
func (m *Memory) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
