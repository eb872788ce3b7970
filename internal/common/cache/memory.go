package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process cache with the same semantics as Redis. It is used
// by tests and when REDIS_URL is empty.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	value   []byte
	expires time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) set(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[key] = entry{value: value, expires: expires}
}

// Get returns a cached response.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get("idem:" + key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set caches a response for ttl.
func (m *Memory) Set(_ context.Context, key string, response []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set("idem:"+key, append([]byte(nil), response...), ttl)
	return nil
}

// IsProcessed reports whether a webhook event was already handled.
func (m *Memory) IsProcessed(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get("webhook:" + provider + ":" + eventID)
	return ok, nil
}

// MarkProcessed records a handled webhook event for ttl.
func (m *Memory) MarkProcessed(_ context.Context, provider, eventID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "webhook:" + provider + ":" + eventID
	if _, ok := m.get(key); !ok {
		m.set(key, nil, ttl)
	}
	return nil
}
