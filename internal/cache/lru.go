package cache

import (
	"sync"
	"time"
)

type entry struct {
	value       string
	insertedAt  time.Time
	accessCount uint64
}

// lru is the in-process tier. Eviction is score-based rather than strict
// recency: on insert when full, the entry minimizing
// accessCount*1e6 + age_ms is removed, so a brand-new cold entry loses to
// anything that has been read even once. Entries expire after maxAge and are
// dropped on access.
type lru struct {
	mu     sync.Mutex
	items  map[string]*entry
	max    int
	maxAge time.Duration
	now    func() time.Time
}

func newLRU(max int, maxAge time.Duration) *lru {
	return &lru{
		items:  make(map[string]*entry, max),
		max:    max,
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (l *lru) get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[key]
	if !ok {
		return "", false
	}
	if l.now().Sub(e.insertedAt) > l.maxAge {
		delete(l.items, key)
		return "", false
	}
	e.accessCount++
	return e.value, true
}

// set inserts a value, evicting the lowest-scored entry when full. Returns
// true when an eviction happened.
func (l *lru) set(key, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	evicted := false
	if _, exists := l.items[key]; !exists && len(l.items) >= l.max {
		l.evictLowest(now)
		evicted = true
	}
	l.items[key] = &entry{value: value, insertedAt: now}
	return evicted
}

func (l *lru) evictLowest(now time.Time) {
	var victim string
	lowest := int64(-1)
	for k, e := range l.items {
		score := int64(e.accessCount)*1_000_000 + now.Sub(e.insertedAt).Milliseconds()
		if lowest < 0 || score < lowest {
			lowest, victim = score, k
		}
	}
	if victim != "" {
		delete(l.items, victim)
	}
}

func (l *lru) del(key string) {
	l.mu.Lock()
	delete(l.items, key)
	l.mu.Unlock()
}

// hits reports how many times a key has been read since insertion.
func (l *lru) hits(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.items[key]; ok {
		return e.accessCount
	}
	return 0
}

func (l *lru) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// purge removes every key for which match returns true.
func (l *lru) purge(match func(key string) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.items {
		if match(k) {
			delete(l.items, k)
		}
	}
}
