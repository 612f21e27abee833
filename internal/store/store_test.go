package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

// backendFactory builds a fresh, empty backend for one test.
type backendFactory func(t *testing.T) kv.Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) kv.Store {
			return NewMemStore()
		},
		"snapshot": func(t *testing.T) kv.Store {
			return tempSnapshot(t)
		},
		"bolt": func(t *testing.T) kv.Store {
			return tempBolt(t)
		},
		"sqlite": func(t *testing.T) kv.Store {
			return tempSQLite(t)
		},
	}
}

func tempSnapshot(t *testing.T) *SnapshotStore {
	t.Helper()
	s, err := OpenSnapshot(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func tempBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tempSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "kv.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestStoreContract runs the same behavioural checks against every backend,
// always through the core Store.
func TestStoreContract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("GetAbsent", func(t *testing.T) { testGetAbsent(t, New(factory(t))) })
			t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, New(factory(t))) })
			t.Run("LastWriteWins", func(t *testing.T) { testLastWriteWins(t, New(factory(t))) })
			t.Run("DeleteAbsent", func(t *testing.T) { testDeleteAbsent(t, New(factory(t))) })
			t.Run("DeleteRemoves", func(t *testing.T) { testDeleteRemoves(t, New(factory(t))) })
			t.Run("NullAndEmpty", func(t *testing.T) { testNullAndEmpty(t, New(factory(t))) })
			t.Run("EmptyID", func(t *testing.T) { testEmptyID(t, New(factory(t))) })
			t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, New(factory(t))) })
			t.Run("Ready", func(t *testing.T) {
				if !New(factory(t)).Ready(context.Background()) {
					t.Fatal("fresh backend should be ready")
				}
			})
		})
	}
}

func mustSet(t *testing.T, s kv.Store, id string, value *string) {
	t.Helper()
	if err := s.Set(context.Background(), id, value); err != nil {
		t.Fatalf("Set(%q): %v", id, err)
	}
}

func mustGet(t *testing.T, s kv.Store, id string) *string {
	t.Helper()
	v, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%q): %v", id, err)
	}
	return v
}

func testGetAbsent(t *testing.T, s kv.Store) {
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get absent: err = %v, want ErrNotFound", err)
	}
}

func testRoundTrip(t *testing.T, s kv.Store) {
	mustSet(t, s, "bike1", kv.String("42"))
	got := mustGet(t, s, "bike1")
	if got == nil || *got != "42" {
		t.Fatalf("Get = %v, want 42", got)
	}
}

func testLastWriteWins(t *testing.T, s kv.Store) {
	mustSet(t, s, "k", kv.String("v1"))
	mustSet(t, s, "k", kv.String("v2"))
	got := mustGet(t, s, "k")
	if got == nil || *got != "v2" {
		t.Fatalf("Get = %v, want v2", got)
	}
}

func testDeleteAbsent(t *testing.T, s kv.Store) {
	if err := s.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func testDeleteRemoves(t *testing.T, s kv.Store) {
	mustSet(t, s, "k", kv.String("v"))
	if err := s.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := s.Get(context.Background(), "k")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func testNullAndEmpty(t *testing.T, s kv.Store) {
	mustSet(t, s, "null", nil)
	mustSet(t, s, "empty", kv.String(""))

	if got := mustGet(t, s, "null"); got != nil {
		t.Fatalf("null record: got %q, want nil", *got)
	}
	got := mustGet(t, s, "empty")
	if got == nil || *got != "" {
		t.Fatalf("empty record: got %v, want empty string", got)
	}
}

func testEmptyID(t *testing.T, s kv.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, ""); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Errorf("Get(\"\"): err = %v, want ErrInvalidArgument", err)
	}
	if err := s.Set(ctx, "", kv.String("v")); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Errorf("Set(\"\"): err = %v, want ErrInvalidArgument", err)
	}
	if err := s.Delete(ctx, ""); !errors.Is(err, kv.ErrInvalidArgument) {
		t.Errorf("Delete(\"\"): err = %v, want ErrInvalidArgument", err)
	}
}

func testConcurrentWriters(t *testing.T, s kv.Store) {
	const writers = 16
	written := make(map[string]bool, writers)
	for i := 0; i < writers; i++ {
		written[fmt.Sprintf("value-%02d-%s", i, "xxxxxxxxxxxxxxxx")] = true
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for v := range written {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			if err := s.Set(context.Background(), "shared", kv.String(v)); err != nil {
				errs <- err
			}
		}(v)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Set: %v", err)
	}

	got := mustGet(t, s, "shared")
	if got == nil || !written[*got] {
		t.Fatalf("final value %v is not one of the written values", got)
	}
}

func TestCloneValue(t *testing.T) {
	if cloneValue(nil) != nil {
		t.Fatal("cloneValue(nil) should be nil")
	}
	orig := kv.String("a")
	c := cloneValue(orig)
	*orig = "b"
	if *c != "a" {
		t.Fatalf("clone shares storage with original: %q", *c)
	}
}

func TestMemStoreCopiesValues(t *testing.T) {
	s := NewMemStore()
	v := kv.String("before")
	mustSet(t, s, "k", v)
	*v = "after"

	got := mustGet(t, s, "k")
	if *got != "before" {
		t.Fatalf("stored value changed through caller pointer: %q", *got)
	}
	*got = "mutated"
	if again := mustGet(t, s, "k"); *again != "before" {
		t.Fatalf("stored value changed through returned pointer: %q", *again)
	}
}

func TestMemStoreDumpRestore(t *testing.T) {
	s := NewMemStore()
	mustSet(t, s, "a", kv.String("1"))
	mustSet(t, s, "b", nil)

	dump, err := s.Dump()
	if err != nil {
		t.Fatal(err)
	}
	if len(dump) != 2 {
		t.Fatalf("Dump len = %d, want 2", len(dump))
	}

	other := NewMemStore()
	if err := other.Restore(dump); err != nil {
		t.Fatal(err)
	}
	if other.Len() != 2 {
		t.Fatalf("Len after restore = %d, want 2", other.Len())
	}
	if got := mustGet(t, other, "a"); *got != "1" {
		t.Fatalf("a = %q, want 1", *got)
	}
	if got := mustGet(t, other, "b"); got != nil {
		t.Fatalf("b = %q, want nil", *got)
	}
}
