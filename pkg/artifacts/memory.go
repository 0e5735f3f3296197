package artifacts

import (
	"context"
	"sync"
)

// MemoryStore keeps artifacts in process memory. Contents are lost on
// restart; it suits tests and single-shot runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Key][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Key][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, key Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *MemoryStore) Save(_ context.Context, key Key, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), blob...)
	return nil
}
