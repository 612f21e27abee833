package store

import (
	"context"
	"sync"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

// MemStore is an in-memory implementation of the kv.Store interface.
// It uses a map protected by a RWMutex for thread-safe operations.
// Nothing survives a restart.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]*string
}

// Compile-time check to ensure MemStore implements kv.Store.
var _ kv.Store = (*MemStore)(nil)

// NewMemStore creates and returns a new MemStore instance.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]*string),
	}
}

// Get retrieves a value by id from the store.
func (s *MemStore) Get(_ context.Context, id string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[id]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return cloneValue(val), nil
}

// Set stores a record in the store.
// Always returns nil for in-memory operations.
func (s *MemStore) Set(_ context.Context, id string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[id] = cloneValue(value)
	return nil
}

// Delete removes an id from the store.
// Always returns nil, even if the id doesn't exist.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// Ready is always true.
func (s *MemStore) Ready(context.Context) bool { return true }

// SetCommitted applies a replicated set. It cannot fail.
func (s *MemStore) SetCommitted(ctx context.Context, id string, value *string) error {
	return s.Set(ctx, id, value)
}

// DeleteCommitted applies a replicated delete. It cannot fail.
func (s *MemStore) DeleteCommitted(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// Dump returns a copy of every record.
func (s *MemStore) Dump() (map[string]*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.data), nil
}

// Restore replaces the whole mapping with data.
func (s *MemStore) Restore(data map[string]*string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = cloneMap(data)
	return nil
}

// Len returns the number of records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func cloneMap(m map[string]*string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
