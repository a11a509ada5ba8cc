// Package local is the in-process storage adapter used as the fallback
// backend. State lives in memory; when opened with a path, every mutation
// also snapshots the full record set to a JSON file, which is reloaded on
// the next open.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ctoriola/orderly-fresh/internal/store"
)

type record struct {
	value   []byte
	version int64
}

type snapshotRecord struct {
	Version int64  `json:"version"`
	Value   []byte `json:"value"`
}

type Store struct {
	mu   sync.RWMutex
	recs map[string]record
	path string
}

// NewMemory returns a store with no snapshot file.
func NewMemory() *Store {
	return &Store{recs: make(map[string]record)}
}

// Open returns a store snapshotting to path, loading the previous snapshot
// if one exists.
func Open(path string) (*Store, error) {
	s := &Store{recs: make(map[string]record), path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap map[string]snapshotRecord
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	for key, rec := range snap {
		s.recs[key] = record{value: rec.Value, version: rec.Version}
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return store.Record{Key: key, Value: cloneBytes(rec.value), Version: rec.version}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.recs[key].version
	if !versionMatches(current, version) {
		return 0, store.ErrConflict
	}
	next := current + 1
	s.recs[key] = record{value: cloneBytes(value), version: next}
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.recs, key)
	return s.persistLocked()
}

func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []store.Record
	for key, rec := range s.recs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		records = append(records, store.Record{Key: key, Value: cloneBytes(rec.value), Version: rec.version})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (s *Store) Commit(ctx context.Context, writes ...store.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if !versionMatches(s.recs[w.Key].version, w.Version) {
			return store.ErrConflict
		}
	}
	for _, w := range writes {
		if w.Delete {
			delete(s.recs, w.Key)
			continue
		}
		s.recs[w.Key] = record{value: cloneBytes(w.Value), version: s.recs[w.Key].version + 1}
	}
	return s.persistLocked()
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func versionMatches(current, want int64) bool {
	return want == store.VersionAny || current == want
}

// persistLocked writes the snapshot file. Memory is authoritative; the
// snapshot is durability for the next open.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	snap := make(map[string]snapshotRecord, len(s.recs))
	for key, rec := range s.recs {
		snap[key] = snapshotRecord{Version: rec.version, Value: rec.value}
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
