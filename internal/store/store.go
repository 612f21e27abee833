package store

import (
	"context"
	"fmt"

	"github.com/heysubinoy/kvapi/internal/logging"
	"github.com/heysubinoy/kvapi/pkg/kv"
)

var logger = logging.For("store")

// Store is the core of the service: it owns id validation and delegates
// persistence to exactly one backend chosen at construction time.
type Store struct {
	backend kv.Store
}

// Compile-time check to ensure Store implements kv.Store.
var _ kv.Store = (*Store)(nil)

// New wraps backend. The backend is never swapped afterwards.
func New(backend kv.Store) *Store {
	return &Store{backend: backend}
}

// Get returns the value stored for id, or kv.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*string, error) {
	if id == "" {
		return nil, fmt.Errorf("get: %w: empty id", kv.ErrInvalidArgument)
	}
	return s.backend.Get(ctx, id)
}

// Set upserts the record for id.
func (s *Store) Set(ctx context.Context, id string, value *string) error {
	if id == "" {
		return fmt.Errorf("set: %w: empty id", kv.ErrInvalidArgument)
	}
	return s.backend.Set(ctx, id, value)
}

// Delete removes the record for id. Absent ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("delete: %w: empty id", kv.ErrInvalidArgument)
	}
	return s.backend.Delete(ctx, id)
}

// Ready reports whether the backend can serve requests.
func (s *Store) Ready(ctx context.Context) bool {
	return s.backend.Ready(ctx)
}

// cloneValue copies v so callers never share a pointer with stored state.
func cloneValue(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
