// Package memory stores archived documents in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore keeps archived documents in a map and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory blob store.
func New() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read archive content: %w", err)
	}
	s.mu.Lock()
	s.data[path] = buf
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns a stored document; the second result reports existence.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}

// Len reports how many documents are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
