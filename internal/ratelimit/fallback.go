package ratelimit

import (
	"sync"
	"time"
)

// fallbackMap is the in-process counter used while redis or the quota
// store is unreachable. Entries expire with their window; a background
// sweep keeps the map from growing during long outages.
type fallbackMap struct {
	mu      sync.Mutex
	entries map[string]*fallbackEntry
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type fallbackEntry struct {
	count   int64
	expires time.Time
}

func newFallbackMap(now func() time.Time) *fallbackMap {
	m := &fallbackMap{
		entries: make(map[string]*fallbackEntry),
		now:     now,
		stop:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *fallbackMap) incr(key string, expires time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil || !m.now().Before(e.expires) {
		e = &fallbackEntry{expires: expires}
		m.entries[key] = e
	}
	e.count++
	return e.count
}

func (m *fallbackMap) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *fallbackMap) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, key)
		}
	}
}

func (m *fallbackMap) close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
