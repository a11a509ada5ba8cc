// Package store defines the key-value port the queue engine runs against.
// Implementations live in the local, redis, and postgres subpackages and
// must satisfy the shared contract suite in storetest.
package store

import "context"

// Version conditions for Put and Write. Any positive value means the write
// applies only if the record's current version matches exactly.
const (
	VersionAny    int64 = -1
	VersionAbsent int64 = 0
)

// Record is an opaque stored value. Version starts at 1 on first write and
// increments on every successful mutation; 0 means the record is absent.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Write is one conditional operation inside a Commit batch. Delete ignores
// Value. A Delete with VersionAny on an absent key is a no-op.
type Write struct {
	Key     string
	Value   []byte
	Version int64
	Delete  bool
}

// Port is the storage contract. All mutating calls are atomic: they either
// take full effect or fail with no effect. Conditional writes fail with
// ErrConflict, never by silently overwriting.
type Port interface {
	// Get returns the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)
	// Put writes value under key subject to the version condition and
	// returns the new version.
	Put(ctx context.Context, key string, value []byte, version int64) (int64, error)
	// Delete removes key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	// ListPrefix returns every record whose key starts with prefix, sorted
	// by key. Restartable by re-issuing the call.
	ListPrefix(ctx context.Context, prefix string) ([]Record, error)
	// Commit applies all writes atomically; any failed version condition
	// fails the whole batch with ErrConflict.
	Commit(ctx context.Context, writes ...Write) error
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
