package cache

import (
	"sync"
	"time"
)

// TTLEntry is a value with its own expiry instant. Entries written through
// Set all share the map's TTL but expire independently of each other.
type TTLEntry struct {
	Value     interface{}
	ExpiresAt time.Time
}

// TTLMap is a thread-safe map with per-entry expiry.
type TTLMap struct {
	data map[string]*TTLEntry
	mu   sync.RWMutex
	ttl  time.Duration
}

func NewTTLMap(ttl time.Duration) *TTLMap {
	return &TTLMap{
		data: make(map[string]*TTLEntry),
		ttl:  ttl,
	}
}

// Get returns the value if present and unexpired. Expired entries are
// removed lazily on access.
func (m *TTLMap) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		return nil, false
	}
	expired := time.Now().After(entry.ExpiresAt)
	value := entry.Value
	m.mu.RUnlock()

	if expired {
		m.mu.Lock()
		if current, ok := m.data[key]; ok && time.Now().After(current.ExpiresAt) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	return value, true
}

func (m *TTLMap) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &TTLEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(m.ttl),
	}
}

func (m *TTLMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Purge drops every expired entry and reports how many were removed.
func (m *TTLMap) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, entry := range m.data {
		if now.After(entry.ExpiresAt) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}

func (m *TTLMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *TTLMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*TTLEntry)
}
