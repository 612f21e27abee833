package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

// opMetrics holds counters for one operation.
// Uses atomic operations for thread-safe updates without locks.
type opMetrics struct {
	count     atomic.Uint64
	errors    atomic.Uint64
	latencyNs atomic.Uint64 // cumulative
}

func (m *opMetrics) record(start time.Time, err error) {
	m.count.Add(1)
	m.latencyNs.Add(uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		m.errors.Add(1)
	}
}

func (m *opMetrics) snapshot() OpSnapshot {
	count := m.count.Load()
	snap := OpSnapshot{Count: count, Errors: m.errors.Load()}
	if count > 0 {
		snap.AvgLatency = time.Duration(m.latencyNs.Load() / count)
	}
	return snap
}

func (m *opMetrics) reset() {
	m.count.Store(0)
	m.errors.Store(0)
	m.latencyNs.Store(0)
}

// InstrumentedStore wraps any kv.Store implementation with timing metrics.
// This pattern works for every backend, replicated or not.
type InstrumentedStore struct {
	store            kv.Store
	get, set, delete opMetrics
}

// Compile-time check to ensure InstrumentedStore implements kv.Store.
var _ kv.Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps a store with instrumentation.
func NewInstrumentedStore(store kv.Store) *InstrumentedStore {
	return &InstrumentedStore{store: store}
}

// Get delegates to the wrapped store and records timing.
// A miss is not counted as an error.
func (s *InstrumentedStore) Get(ctx context.Context, id string) (*string, error) {
	start := time.Now()
	value, err := s.store.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		s.get.record(start, nil)
	} else {
		s.get.record(start, err)
	}
	return value, err
}

// Set delegates to the wrapped store and records timing.
func (s *InstrumentedStore) Set(ctx context.Context, id string, value *string) error {
	start := time.Now()
	err := s.store.Set(ctx, id, value)
	s.set.record(start, err)
	return err
}

// Delete delegates to the wrapped store and records timing.
func (s *InstrumentedStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := s.store.Delete(ctx, id)
	s.delete.record(start, err)
	return err
}

// Ready is not instrumented.
func (s *InstrumentedStore) Ready(ctx context.Context) bool {
	return s.store.Ready(ctx)
}

// GetMetrics returns a snapshot of current metrics.
func (s *InstrumentedStore) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		Get:    s.get.snapshot(),
		Set:    s.set.snapshot(),
		Delete: s.delete.snapshot(),
	}
}

// ResetMetrics clears all metrics counters.
func (s *InstrumentedStore) ResetMetrics() {
	s.get.reset()
	s.set.reset()
	s.delete.reset()
}

// OpSnapshot is a point-in-time view of one operation's metrics.
type OpSnapshot struct {
	Count      uint64
	Errors     uint64
	AvgLatency time.Duration
}

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	Get    OpSnapshot
	Set    OpSnapshot
	Delete OpSnapshot
}
