package blob

import (
	"context"
	"strings"
	"sync"
)

// MemoryStorage keeps uploads in process. It backs the api when no S3
// endpoint is configured and is used by tests.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	// Err, when set, is returned by every Upload.
	Err error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (s *MemoryStorage) Upload(_ context.Context, collection, id string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	key := ObjectKey(collection, id, contentType)
	s.objects[key] = append([]byte(nil), data...)
	return "memory://" + key, nil
}

func (s *MemoryStorage) Object(uri string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[trimScheme(uri)]
	return data, ok
}

func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func trimScheme(uri string) string {
	return strings.TrimPrefix(uri, "memory://")
}
