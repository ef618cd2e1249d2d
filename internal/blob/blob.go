// Package blob is a content-addressed document store. Keys are the sha256
// of the bytes, so a stored document can never change under its key and the
// key doubles as the content hash recorded on the envelope.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("document not found")

// Key returns the content key for data: "sha256:<hex>".
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type Store interface {
	// Put stores data and returns its content key. Storing the same bytes
	// twice is a no-op returning the same key.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, string, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry
}

type entry struct {
	bytes       []byte
	contentType string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]entry)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	_ = ctx

	key := Key(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.data[key] = entry{bytes: cp, contentType: contentType}
	}
	return key, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	return out, e.contentType, nil
}
