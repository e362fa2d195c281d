// Package kv defines the pluggable ordered key/value engine the rest of
// shardb is built on. Storage backends are modeled as a capability set of
// small interfaces rather than one polymorphic base type: every concrete
// engine satisfies all of them, and callers program against the interfaces,
// never a concrete engine.
package kv

import "context"

// Engine is the top-level factory: it opens named Databases (sub-databases,
// created lazily) inside a single physical store rooted at a directory, and
// mints Sequences. Concrete engines register themselves in the process-wide
// Registry (registry.go) so an environment variable or config flag can pick
// one by name at process start.
type Engine interface {
	// Open prepares the store at path for use, creating it if absent.
	Open(ctx context.Context, path string, opts Options) error
	// Database returns the named sub-database, creating it on first use.
	// name is logical; engines without native multi-tenant storage (see
	// Options.ShardAware) implement this as a key prefix within one flat
	// keyspace.
	Database(name string) (Database, error)
	// Sequence returns (creating if absent) a monotone counter identified by
	// name, leasing ids in pages of bandwidth at a time.
	Sequence(name string, bandwidth uint64) (Sequence, error)
	// Begin starts a root transaction.
	Begin(ctx context.Context, writable bool) (Txn, error)
	// BeginNested starts a child transaction that inherits parent's snapshot
	// and, on Commit, folds its writes into parent instead of the store.
	BeginNested(parent Txn) (Txn, error)
	// Close releases all resources held by the engine.
	Close() error
}

// Options configures how an Engine opens its backing store.
type Options struct {
	// ReadOnly opens the store without permitting writes.
	ReadOnly bool
	// ShardAware asks the engine to segregate data by shard id. Both built-in
	// engines implement ShardDatabase by key-prefixing (see DESIGN.md) whether
	// or not this is set.
	ShardAware bool
}

// Database is a named ordered byte-key/byte-value store, always accessed
// through a Txn.
type Database interface {
	Name() string
	// Get reads key inside txn; ok is false when the key is absent.
	Get(txn Txn, key []byte) (val []byte, ok bool, err error)
	// Put writes key/val inside txn.
	Put(txn Txn, key, val []byte) error
	// Delete removes key inside txn; it is not an error if key is absent.
	Delete(txn Txn, key []byte) error
	// Cursor opens a new positioned iterator over this database inside txn.
	Cursor(txn Txn) (Cursor, error)
	// DeleteRange removes every key in [start, end) inside txn — used by
	// index drop and shard garbage collection to bulk-delete a contiguous
	// prefix range in one pass.
	DeleteRange(txn Txn, start, end []byte) error
}

// ShardDatabase is the shard-aware variant of each KV op: an explicit
// shard id travels alongside every operation. Engines
// without native multi-tenant storage implement this by prefixing keys with
// the shard id and falling through to the single physical store (our
// decision, recorded in DESIGN.md, for badgerkv). The non-extended Database
// methods above operate on the physical keys, shard header included, so
// they see every shard's entries, shard 0's among them.
type ShardDatabase interface {
	Database
	GetShard(txn Txn, shard uint32, key []byte) (val []byte, ok bool, err error)
	PutShard(txn Txn, shard uint32, key, val []byte) error
	DeleteShard(txn Txn, shard uint32, key []byte) error
	CursorShard(txn Txn, shard uint32) (Cursor, error)
	// DropShard deletes every key written under shard in this database —
	// used when a transient shard is unmounted or when a kind's recorded
	// hash has drifted from what's stored.
	DropShard(txn Txn, shard uint32) error
}

// Cursor is a positioned iterator over a Database's key space.
type Cursor interface {
	// First positions the cursor at the smallest key.
	First() (key, val []byte, ok bool, err error)
	// Last positions the cursor at the largest key.
	Last() (key, val []byte, ok bool, err error)
	// Seek positions the cursor at the smallest key >= key.
	Seek(key []byte) (k, val []byte, ok bool, err error)
	// Next advances the cursor forward one position.
	Next() (key, val []byte, ok bool, err error)
	// Prev moves the cursor backward one position.
	Prev() (key, val []byte, ok bool, err error)
	// Delete removes the entry currently under the cursor.
	Delete() error
	// Close releases the cursor. A cursor must not be used across a
	// transaction boundary; the owning Txn does not track or close its
	// cursors, so the caller closes each one.
	Close() error
}

// Sequence is a monotone 64-bit counter, page-allocated: Next refills a new
// page transparently when the current one is exhausted.
type Sequence interface {
	Next() (uint64, error)
	Release() error
}

// Txn wraps one engine-level transaction. Nested transactions inherit the
// parent's snapshot and commit their writes into the parent rather than to
// the store directly; Abort must be idempotent and safe to
// call after Commit (a no-op in that case).
type Txn interface {
	// Writable reports whether this transaction may mutate data.
	Writable() bool
	// Commit finalizes the transaction. For a nested Txn this folds its
	// writes into the parent transaction rather than persisting them.
	Commit() error
	// Abort discards the transaction. Safe to call after Commit (no-op) and
	// safe to call more than once.
	Abort() error
	// Parent returns the parent Txn, or nil for a root transaction.
	Parent() Txn
}
