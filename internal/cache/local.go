package cache

import (
	"sync"
	"time"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// localStore is the in-process layer. Reads check expiry themselves; the
// sweep only reclaims memory.
type localStore struct {
	mu      sync.RWMutex
	entries map[string]localEntry
}

func newLocalStore() *localStore {
	return &localStore{entries: make(map[string]localEntry)}
}

func (s *localStore) get(key string, now time.Time) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.expired(now) {
		return nil, false
	}
	return entry.value, true
}

func (s *localStore) set(key string, value []byte, expiresAt time.Time) {
	s.mu.Lock()
	s.entries[key] = localEntry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
}

func (s *localStore) delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *localStore) clear() {
	s.mu.Lock()
	s.entries = make(map[string]localEntry)
	s.mu.Unlock()
}

func (s *localStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *localStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
