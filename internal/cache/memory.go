package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory cache for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory cache and starts its expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Close stops the expiry sweeper.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Get returns the cached entry if present and not expired.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}

	// Copy so callers cannot mutate the cached body.
	out := &Entry{
		StatusCode: e.entry.StatusCode,
		Header:     e.entry.Header.Clone(),
		Body:       append([]byte(nil), e.entry.Body...),
		StoredAt:   e.entry.StoredAt,
	}
	return out, true, nil
}

// Set stores an entry with the given TTL.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	stored := &Entry{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       append([]byte(nil), entry.Body...),
		StoredAt:   entry.StoredAt,
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{entry: stored, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
