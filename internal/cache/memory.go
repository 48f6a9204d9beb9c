package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore is an in-process LRU-bounded store with lazy TTL expiry.
type MemoryStore struct {
	mu    sync.Mutex
	items *lru.Cache[string, entry]
	now   func() time.Time
}

// NewMemoryStore creates a store holding at most maxEntries values. When
// full, the least recently used entry is evicted.
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	items, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{items: items, now: time.Now}, nil
}

// SetClock replaces the time source. Used by tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Get returns the value for key. An expired entry is removed and reported
// as a miss.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.items.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.items.Add(key, entry{
		value:     append([]byte(nil), value...),
		createdAt: now,
		expiresAt: now.Add(ttl),
	})
	return nil
}

func (s *MemoryStore) Flush(_ context.Context) error {
	s.items.Purge()
	return nil
}

// Len counts stored entries, including expired ones not yet looked up.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	return s.items.Len(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
