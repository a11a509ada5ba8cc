// Package storetest holds the contract suite every storage adapter must
// pass. Adapters call Run from their own test files; remote adapters gate
// the call behind an environment variable.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ctoriola/orderly-fresh/internal/store"
)

// Run exercises the Port contract against a fresh store per subtest. Keys
// are namespaced with a random prefix so shared backends stay clean across
// runs.
func Run(t *testing.T, open func(t *testing.T) store.Port) {
	t.Run("GetMissing", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		if _, err := st.Get(ctx, testKey("missing")); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutRoundTrip", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		key := testKey("roundtrip")
		payload := []byte(`{"name":"front desk","next":1}`)

		version, err := st.Put(ctx, key, payload, store.VersionAbsent)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if version != 1 {
			t.Fatalf("expected version 1, got %d", version)
		}

		rec, err := st.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(rec.Value, payload) {
			t.Fatalf("round-trip mismatch: wrote %q, read %q", payload, rec.Value)
		}
		if rec.Version != 1 {
			t.Fatalf("expected record version 1, got %d", rec.Version)
		}

		version, err = st.Put(ctx, key, []byte(`{"next":2}`), 1)
		if err != nil {
			t.Fatalf("conditional put: %v", err)
		}
		if version != 2 {
			t.Fatalf("expected version 2, got %d", version)
		}
	})

	t.Run("PutIfAbsentConflict", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		key := testKey("absent")

		if _, err := st.Put(ctx, key, []byte("first"), store.VersionAbsent); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := st.Put(ctx, key, []byte("second"), store.VersionAbsent); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		rec, err := st.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(rec.Value) != "first" {
			t.Fatalf("conflicting put overwrote value: %q", rec.Value)
		}
	})

	t.Run("PutStaleVersionConflict", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		key := testKey("stale")

		if _, err := st.Put(ctx, key, []byte("v1"), store.VersionAbsent); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := st.Put(ctx, key, []byte("v2"), 1); err != nil {
			t.Fatalf("second put: %v", err)
		}
		if _, err := st.Put(ctx, key, []byte("v3"), 1); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict for stale version, got %v", err)
		}
		rec, err := st.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(rec.Value) != "v2" || rec.Version != 2 {
			t.Fatalf("stale put changed record: %q version %d", rec.Value, rec.Version)
		}
	})

	t.Run("PutUnconditional", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		key := testKey("any")

		if _, err := st.Put(ctx, key, []byte("v1"), store.VersionAbsent); err != nil {
			t.Fatalf("put: %v", err)
		}
		version, err := st.Put(ctx, key, []byte("v2"), store.VersionAny)
		if err != nil {
			t.Fatalf("unconditional put: %v", err)
		}
		if version != 2 {
			t.Fatalf("expected version 2, got %d", version)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		key := testKey("delete")

		if err := st.Delete(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound deleting missing key, got %v", err)
		}
		if _, err := st.Put(ctx, key, []byte("here"), store.VersionAbsent); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := st.Delete(ctx, key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := st.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		// Deleting resets the key to absent, so an if-absent write works.
		version, err := st.Put(ctx, key, []byte("again"), store.VersionAbsent)
		if err != nil {
			t.Fatalf("re-put after delete: %v", err)
		}
		if version != 1 {
			t.Fatalf("expected version 1 after delete, got %d", version)
		}
	})

	t.Run("ListPrefix", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		prefix := testKey("list") + "#"
		other := testKey("other") + "#1"

		for _, suffix := range []string{"3", "1", "2"} {
			if _, err := st.Put(ctx, prefix+suffix, []byte(suffix), store.VersionAbsent); err != nil {
				t.Fatalf("put %s: %v", suffix, err)
			}
		}
		if _, err := st.Put(ctx, other, []byte("x"), store.VersionAbsent); err != nil {
			t.Fatalf("put other: %v", err)
		}

		records, err := st.ListPrefix(ctx, prefix)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(records))
		}
		for i, want := range []string{"1", "2", "3"} {
			if records[i].Key != prefix+want {
				t.Fatalf("expected sorted keys, got %q at %d", records[i].Key, i)
			}
		}

		again, err := st.ListPrefix(ctx, prefix)
		if err != nil {
			t.Fatalf("relist: %v", err)
		}
		if len(again) != len(records) {
			t.Fatalf("re-issued list differs: %d vs %d", len(again), len(records))
		}
	})

	t.Run("CommitAtomic", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		first := testKey("commit-a")
		second := testKey("commit-b")

		if _, err := st.Put(ctx, second, []byte("seed"), store.VersionAbsent); err != nil {
			t.Fatalf("seed: %v", err)
		}

		err := st.Commit(ctx,
			store.Write{Key: first, Value: []byte("new"), Version: store.VersionAbsent},
			store.Write{Key: second, Value: []byte("update"), Version: 99},
		)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if _, err := st.Get(ctx, first); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("conflicting commit applied a write: %v", err)
		}

		err = st.Commit(ctx,
			store.Write{Key: first, Value: []byte("new"), Version: store.VersionAbsent},
			store.Write{Key: second, Value: []byte("update"), Version: 1},
		)
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		rec, err := st.Get(ctx, second)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(rec.Value) != "update" || rec.Version != 2 {
			t.Fatalf("unexpected record after commit: %q version %d", rec.Value, rec.Version)
		}
	})

	t.Run("CommitDelete", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		keep := testKey("commit-keep")
		drop := testKey("commit-drop")

		if _, err := st.Put(ctx, drop, []byte("old"), store.VersionAbsent); err != nil {
			t.Fatalf("seed: %v", err)
		}

		if err := st.Commit(ctx, store.Write{Key: drop, Delete: true, Version: 5}); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict for stale delete, got %v", err)
		}

		err := st.Commit(ctx,
			store.Write{Key: keep, Value: []byte("kept"), Version: store.VersionAbsent},
			store.Write{Key: drop, Delete: true, Version: 1},
		)
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if _, err := st.Get(ctx, drop); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected drop key removed, got %v", err)
		}
		if _, err := st.Get(ctx, keep); err != nil {
			t.Fatalf("expected keep key present: %v", err)
		}

		// Unconditional delete of an absent key inside a batch is a no-op.
		if err := st.Commit(ctx, store.Write{Key: testKey("ghost"), Delete: true, Version: store.VersionAny}); err != nil {
			t.Fatalf("no-op delete: %v", err)
		}
	})

	t.Run("ConcurrentConditionalPut", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		key := testKey("race")

		if _, err := st.Put(ctx, key, []byte("base"), store.VersionAbsent); err != nil {
			t.Fatalf("seed: %v", err)
		}

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.Put(ctx, key, []byte("winner"), 1)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var wins, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 || conflicts != writers-1 {
			t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", writers-1, wins, conflicts)
		}
	})
}

func testKey(name string) string {
	return "contract#" + uuid.NewString() + "#" + name
}
