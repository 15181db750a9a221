package handoff

import (
	"context"
	"sync"

	"github.com/njyeung/hoppyshare/core/apierror"
	"github.com/njyeung/hoppyshare/envelope"
)

type memEntry struct {
	key  []byte
	used bool
}

// MemStore is an in-memory handoff store for tests and dev mode. It
// gives the same at-most-one-release guarantee as the sql store.
type MemStore struct {
	mu   sync.Mutex
	keys map[string]*memEntry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{keys: make(map[string]*memEntry)}
}

// StoreKey stores a key with used=false.
func (s *MemStore) StoreKey(ctx context.Context, deviceID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[deviceID]; ok {
		return apierror.Conflict("handoff key for device %s already exists", deviceID)
	}
	stored := make([]byte, len(key))
	copy(stored, key)
	s.keys[deviceID] = &memEntry{key: stored}
	return nil
}

// Release verifies the proof blob and flips the used flag under the
// store mutex.
func (s *MemStore) Release(ctx context.Context, deviceID string, proof []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.keys[deviceID]
	if !ok {
		return nil, apierror.NotFound("no handoff key for device %s", deviceID)
	}
	if _, err := envelope.OpenBytes(entry.key, deviceID, proof); err != nil {
		return nil, err
	}
	if entry.used {
		return nil, apierror.AlreadyUsed("handoff key for device %s was already released", deviceID)
	}
	entry.used = true
	return entry.key, nil
}

// Drop removes the key for a device.
func (s *MemStore) Drop(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, deviceID)
	return nil
}
