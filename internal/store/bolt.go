package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

var recordsBucket = []byte("kvstore")

const (
	tagNull   byte = 0
	tagString byte = 1
)

// BoltStore implements kv.Store using bbolt (embedded B+ tree).
// Every mutation is a single bbolt transaction, which bbolt serializes and
// fsyncs on commit.
type BoltStore struct {
	db *bolt.DB
}

// Compile-time check to ensure BoltStore implements kv.Store.
var _ kv.Store = (*BoltStore)(nil)

// OpenBolt creates or opens a bbolt database at the given path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, id string) (*string, error) {
	var (
		val   *string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		v, err := decodeValue(raw)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %q: %w", kv.ErrBackendFailed, id, err)
	}
	if !found {
		return nil, kv.ErrNotFound
	}
	return val, nil
}

func (s *BoltStore) Set(_ context.Context, id string, value *string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return b.Put([]byte(id), encodeValue(value))
	})
	if err != nil {
		return fmt.Errorf("%w: set %q: %w", kv.ErrBackendFailed, id, err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %q: %w", kv.ErrBackendFailed, id, err)
	}
	return nil
}

// Ready reports whether the database file is open.
func (s *BoltStore) Ready(context.Context) bool {
	return s.db != nil
}

// SetCommitted applies a replicated set. A bbolt transaction either commits
// or leaves the file untouched, so a failure means the change was not applied.
func (s *BoltStore) SetCommitted(ctx context.Context, id string, value *string) error {
	return s.Set(ctx, id, value)
}

// DeleteCommitted applies a replicated delete.
func (s *BoltStore) DeleteCommitted(ctx context.Context, id string) error {
	return s.Delete(ctx, id)
}

// Dump returns a copy of every record.
func (s *BoltStore) Dump() (map[string]*string, error) {
	result := make(map[string]*string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			val, err := decodeValue(v)
			if err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			result[string(k)] = val
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dump: %w", kv.ErrBackendFailed, err)
	}
	return result, nil
}

// Restore replaces the bucket contents with data in one transaction.
func (s *BoltStore) Restore(data map[string]*string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket) != nil {
			if err := tx.DeleteBucket(recordsBucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(recordsBucket)
		if err != nil {
			return err
		}
		for id, v := range data {
			if err := b.Put([]byte(id), encodeValue(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: restore: %w", kv.ErrBackendFailed, err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// encodeValue prefixes the value with a tag byte so a null value and an
// empty string stay distinguishable on disk.
func encodeValue(v *string) []byte {
	if v == nil {
		return []byte{tagNull}
	}
	out := make([]byte, 0, len(*v)+1)
	out = append(out, tagString)
	return append(out, *v...)
}

func decodeValue(raw []byte) (*string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	switch raw[0] {
	case tagNull:
		return nil, nil
	case tagString:
		v := string(raw[1:])
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown value tag %d", raw[0])
	}
}
