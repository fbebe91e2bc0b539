// Package cache provides a key/value store with per-entry TTL.
package cache

import (
	"context"
	"sync"
	"time"
)

// Store is the cache contract used by the product client.
// A read after expiry or after Invalidate is a miss.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
	Invalidate(key string)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store safe for concurrent use.
type Memory[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	now     func() time.Time
}

// NewMemory creates an empty in-memory cache using the wall clock.
func NewMemory[V any]() *Memory[V] {
	return NewMemoryWithClock[V](time.Now)
}

// NewMemoryWithClock creates an in-memory cache with an injectable clock.
func NewMemoryWithClock[V any](now func() time.Time) *Memory[V] {
	return &Memory[V]{
		entries: make(map[string]entry[V]),
		now:     now,
	}
}

func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if e.expired(m.now()) {
		m.mu.Lock()
		// Re-check: a concurrent Set may have replaced the entry.
		if cur, ok := m.entries[key]; ok && cur.expired(m.now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. A ttl <= 0 keeps the entry until invalidated.
func (m *Memory[V]) Set(key string, value V, ttl time.Duration) {
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

func (m *Memory[V]) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Purge removes all expired entries and returns how many were dropped.
func (m *Memory[V]) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor purges expired entries every interval until ctx is done.
func (m *Memory[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Purge()
			}
		}
	}()
}
