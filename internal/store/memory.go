package store

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store backing tests; it is not shared across
// processes.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	// Now is swappable so TTL behavior is testable without sleeping.
	Now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), Now: time.Now}
}

func (m *Memory) get(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: m.Now().Add(ttl)}
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if e, ok := m.get(key); ok {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	current += n
	prev := m.entries[key]
	m.entries[key] = memEntry{value: strconv.FormatInt(current, 10), expiresAt: prev.expiresAt}
	return current, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.get(key); ok {
		e.expiresAt = m.Now().Add(ttl)
		m.entries[key] = e
	}
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return -2 * time.Second, nil // mirror Redis: -2 for missing keys
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expiresAt.Sub(m.Now()), nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.entries {
		if _, ok := m.get(k); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, k); matched {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len reports the number of live keys. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if _, ok := m.get(k); ok {
			n++
		}
	}
	return n
}
