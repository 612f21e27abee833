package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

// SnapshotStore keeps the whole mapping in memory and rewrites a single
// JSON file from it on every mutation.
//
// The write lock covers both the map mutation and the file rewrite, so two
// mutations can never interleave their rewrites. Readers only take the read
// lock and always observe a fully applied mutation.
//
// Mutations committed through Raft are kept in memory even when the rewrite
// fails. The store is then dirty: Ready reports false and every later
// mutation retries the rewrite until one succeeds.
type SnapshotStore struct {
	mu    sync.RWMutex
	path  string
	data  map[string]*string
	dirty bool
}

// Compile-time check to ensure SnapshotStore implements kv.Store.
var _ kv.Store = (*SnapshotStore)(nil)

// OpenSnapshot loads the snapshot at path. A missing file yields an empty
// store. A file that cannot be parsed is moved aside and the store starts
// empty; only a failure to read an existing file is returned as an error.
func OpenSnapshot(path string) (*SnapshotStore, error) {
	s := &SnapshotStore{
		path: path,
		data: make(map[string]*string),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.WithField("path", path).Info("no snapshot found, starting empty")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}

	var data map[string]*string
	if err := json.Unmarshal(raw, &data); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		entry := logger.WithError(err).WithField("path", path)
		if rerr := os.Rename(path, aside); rerr != nil {
			entry.WithField("rename_err", rerr).Error("corrupt snapshot, starting empty")
		} else {
			entry.WithField("moved_to", aside).Warn("corrupt snapshot, starting empty")
		}
		return s, nil
	}
	if data != nil {
		s.data = data
	}
	logger.WithField("path", path).WithField("records", len(s.data)).Info("loaded snapshot")
	return s, nil
}

// Get retrieves a value by id.
func (s *SnapshotStore) Get(_ context.Context, id string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[id]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return cloneValue(val), nil
}

// Set upserts id and rewrites the snapshot before returning. If the rewrite
// fails the in-memory change is undone and kv.ErrBackendFailed is returned.
func (s *SnapshotStore) Set(_ context.Context, id string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.data[id]
	s.data[id] = cloneValue(value)

	if err := s.flushLocked(); err != nil {
		if existed {
			s.data[id] = prev
		} else {
			delete(s.data, id)
		}
		logger.WithError(err).WithField("id", id).Error("snapshot write failed, set rolled back")
		return fmt.Errorf("%w: set %q: %w", kv.ErrBackendFailed, id, err)
	}
	return nil
}

// Delete removes id and rewrites the snapshot. Deleting an absent id is a
// no-op and does not touch the file.
func (s *SnapshotStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.data[id]
	if !existed {
		return nil
	}
	delete(s.data, id)

	if err := s.flushLocked(); err != nil {
		s.data[id] = prev
		logger.WithError(err).WithField("id", id).Error("snapshot write failed, delete rolled back")
		return fmt.Errorf("%w: delete %q: %w", kv.ErrBackendFailed, id, err)
	}
	return nil
}

// SetCommitted upserts id without ever undoing the change. A failed rewrite
// leaves the store dirty and is retried by the next mutation.
func (s *SnapshotStore) SetCommitted(_ context.Context, id string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[id] = cloneValue(value)
	s.flushOrDefer("set", id)
	return nil
}

// DeleteCommitted removes id without ever undoing the change. On a dirty
// store even an absent id retries the rewrite.
func (s *SnapshotStore) DeleteCommitted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.data[id]; !existed && !s.dirty {
		return nil
	}
	delete(s.data, id)
	s.flushOrDefer("delete", id)
	return nil
}

// flushOrDefer rewrites the snapshot and marks the store dirty on failure.
// Caller must hold s.mu for writing.
func (s *SnapshotStore) flushOrDefer(op, id string) {
	wasDirty := s.dirty
	if err := s.flushLocked(); err != nil {
		if !wasDirty {
			logger.WithError(err).WithField("op", op).WithField("id", id).
				Error("snapshot write failed, keeping committed change in memory")
		}
		s.dirty = true
		return
	}
	if wasDirty {
		logger.WithField("path", s.path).Info("snapshot write recovered")
	}
}

// Ready is false while committed changes are waiting to be written.
func (s *SnapshotStore) Ready(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.dirty
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string { return s.path }

// Dump returns a copy of every record.
func (s *SnapshotStore) Dump() (map[string]*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.data), nil
}

// Restore replaces the whole mapping and persists it.
func (s *SnapshotStore) Restore(data map[string]*string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data
	s.data = cloneMap(data)
	if err := s.flushLocked(); err != nil {
		s.data = prev
		return fmt.Errorf("%w: restore: %w", kv.ErrBackendFailed, err)
	}
	return nil
}

// flushLocked writes the mapping to a temp file next to the snapshot,
// syncs it and renames it into place. Success clears the dirty flag. Caller
// must hold s.mu for writing.
func (s *SnapshotStore) flushLocked() error {
	out, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	s.dirty = false
	return nil
}
