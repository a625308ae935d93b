package objstore

import (
	"context"
	"sync"
)

// MemoryStore keeps objects in a map. Test use only.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// PutErr, when set, is returned by the next Put. Lets tests drive
	// the upload-failure path.
	PutErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		err := s.PutErr
		s.PutErr = nil
		return "", err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return "s3://test/" + key, nil
}

func (s *MemoryStore) Stat(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Object returns the stored bytes for assertions.
func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Len reports how many distinct keys are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
