package kv

import (
	"context"
	"errors"
)

// Store defines the interface for a key-value store.
// Implementations of this interface can be swapped out,
// allowing for different storage backends (e.g., file snapshot, bbolt,
// relational, Raft-replicated).
type Store interface {
	// Get retrieves the value associated with the given id.
	// Returns ErrNotFound if no record exists. A record holding a null
	// value is returned as (nil, nil).
	Get(ctx context.Context, id string) (*string, error)

	// Set creates or replaces the record for id.
	// Returns an error if the value could not be made durable.
	Set(ctx context.Context, id string, value *string) error

	// Delete removes the record for id.
	// Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Ready reports whether the backend is initialized and reachable.
	Ready(ctx context.Context) bool
}

var (
	// ErrInvalidArgument is returned when an operation is called with an empty id.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized is returned when a mutation presents the wrong token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned by Get when no record exists for the id.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backend is unconfigured or unreachable.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrBackendFailed is returned when a single read or write against the
	// backend fails. Implementations wrap the underlying cause.
	ErrBackendFailed = errors.New("backend operation failed")

	// ErrNotLeader is returned by replicated stores when a mutation reaches
	// a node that is not the Raft leader.
	ErrNotLeader = errors.New("not leader")
)

// Record is a single stored entry.
type Record struct {
	ID    string  `json:"id"`
	Value *string `json:"value"`
}

// String returns a pointer to s. Handy for building values in callers and tests.
func String(s string) *string {
	return &s
}
