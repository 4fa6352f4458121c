package counter

import (
	"context"
	"sync"
	"time"
)

// memoryStore is a process-local Store for tests and single-node development.
type memoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]*memoryItem
}

type memoryItem struct {
	count     int64
	expiresAt time.Time
}

// NewMemory returns an in-process Store. Pass nil to use the system clock.
func NewMemory(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{now: now, items: make(map[string]*memoryItem)}
}

func (s *memoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	it, ok := s.items[key]
	if !ok || now.After(it.expiresAt) {
		it = &memoryItem{}
		s.items[key] = it
	}
	it.count++
	it.expiresAt = now.Add(ttl)
	return it.count, nil
}
