package cache

import (
	"context"
	"sync"
	"time"
)

// entry holds one cached value or counter with its expiry.
type entry struct {
	value     string
	count     int64
	expiresAt time.Time
}

// Memory is an in-process fallback for deployments without Redis and the
// default store in tests. Single-node only: window counters are not shared
// across replicas.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetClock overrides the clock, for tests that advance time across windows.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) live(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// Get returns the cached value for key. The second return is false on a miss.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", false, nil
	}
	return e.value, true, nil
}

// SetWithTTL stores a value under key with the given expiry.
func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = &entry{value: value, expiresAt: expiresAt}
	return nil
}

// Delete removes a key. A missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// WindowCount reads the current window counter without incrementing it.
// A missing or expired counter reads as zero.
func (m *Memory) WindowCount(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	return e.count, nil
}

// IncrWindow increments the window counter unless its current value already
// reached limit, mirroring the Redis script semantics.
func (m *Memory) IncrWindow(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &entry{expiresAt: m.now().Add(ttl)}
		m.entries[key] = e
	}
	if e.count >= limit {
		return e.count, false, nil
	}
	e.count++
	return e.count, true, nil
}
