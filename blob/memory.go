package blob

import (
	"context"
	"net/url"
	"sync"
)

func init() {
	Register("mem", func(*url.URL) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore keeps blobs in process memory. Used by tests and as the
// default store of a freshly constructed registry service.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Digest][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Digest][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (Digest, error) {
	d := ComputeDigest(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[d]; !ok {
		s.blobs[d] = append([]byte(nil), data...)
	}
	return d, nil
}

func (s *MemoryStore) Get(ctx context.Context, d Digest) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[d]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, d Digest) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blobs[d]
	return ok, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
