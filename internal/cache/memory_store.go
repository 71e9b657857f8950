package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	ids       []string
	expiresAt time.Time
}

// MemoryStore is the in-process fallback used when REDIS_URL is unset.
// Job markers do not survive a restart.
type MemoryStore struct {
	mu         sync.Mutex
	selections map[string]entry
	jobs       map[string][]byte
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		selections: make(map[string]entry),
		jobs:       make(map[string][]byte),
		now:        time.Now,
	}
}

func memoryKey(userID, shape string) string {
	return userID + ":" + shape
}

func (s *MemoryStore) GetSelection(_ context.Context, userID, shape string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(userID, shape)
	item, ok := s.selections[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(item.expiresAt) {
		delete(s.selections, key)
		return nil, false, nil
	}
	return append([]string(nil), item.ids...), true, nil
}

func (s *MemoryStore) SaveSelection(_ context.Context, userID, shape string, ids []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections[memoryKey(userID, shape)] = entry{
		ids:       append([]string(nil), ids...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) InvalidateUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.selections {
		if strings.HasPrefix(key, userID+":") {
			delete(s.selections, key)
		}
	}
	return nil
}

func (s *MemoryStore) BeginJob(_ context.Context, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = append([]byte(nil), payload...)
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) PendingJobs(context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.jobs))
	for id, payload := range s.jobs {
		out[id] = append([]byte(nil), payload...)
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
