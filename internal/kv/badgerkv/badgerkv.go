// Package badgerkv is the production kv.Engine backend, grounded on
// github.com/dgraph-io/badger/v4. Badger gives shardb:
//
//   - transactions with snapshot reads and conflict detection (badger.Txn),
//     which we surface as kv.Txn's root case;
//   - a native Sequence primitive (db.GetSequence) that is already the
//     page-allocated monotone counter the revision counter needs — we use it
//     unmodified for the facade's revision sequence (pkg/shardb) and the
//     kind engine's index-id sequence (internal/kind);
//   - prefix iteration (badger.IteratorOptions{Prefix}) which we use both to
//     implement named "sub-databases" as a flat keyspace partitioned by a
//     logical-name prefix (badger has no native sub-database concept) and,
//     layered on top of that, an optional shard-id prefix segment (see
//     ShardDatabase below and DESIGN.md).
//
// Badger has no native nested-transaction support, so BeginNested is
// implemented as a Go-level write-set overlay (writes/deletes buffered per
// child, folded into the parent on Commit) layered over the single root
// badger.Txn.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nkrause/shardb/internal/kv"
)

func init() {
	kv.Register("badger", func() kv.Engine { return &engine{} })
}

const (
	// sepByte separates a logical sub-database name (and, optionally, a
	// shard-id segment) from the caller's own key bytes. 0x1F (ASCII unit
	// separator) cannot appear in a database name: validateName rejects any
	// name containing it.
	sepByte = 0x1F
)

type engine struct {
	mu     sync.RWMutex
	db     *badger.DB
	logger *zap.Logger
	opts   kv.Options
}

// Wrap wires an already-opened *badger.DB in; used by callers (e.g. the
// facade's open sequence) that want control over badger.Options beyond what
// kv.Options exposes, and by tests that share one badger.DB across engines.
func Wrap(db *badger.DB, opts kv.Options, logger *zap.Logger) kv.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engine{db: db, opts: opts, logger: logger}
}

func (e *engine) Open(_ context.Context, path string, opts kv.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts
	bopts := badger.DefaultOptions(path).WithLogger(nil).WithReadOnly(opts.ReadOnly)
	db, err := badger.Open(bopts)
	if err != nil {
		return fmt.Errorf("badgerkv: open %s: %w", path, err)
	}
	e.db = db
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return nil
}

func (e *engine) Database(name string) (kv.Database, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &database{eng: e, name: name}, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("badgerkv: empty database name")
	}
	for i := 0; i < len(name); i++ {
		if name[i] == sepByte {
			return fmt.Errorf("badgerkv: database name %q contains the reserved separator byte", name)
		}
	}
	return nil
}

func (e *engine) Sequence(name string, bandwidth uint64) (kv.Sequence, error) {
	if bandwidth == 0 {
		bandwidth = 1
	}
	s, err := e.db.GetSequence([]byte("seq"+string(sepByte)+name), bandwidth)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: sequence %s: %w", name, err)
	}
	return s, nil
}

func (e *engine) Begin(_ context.Context, writable bool) (kv.Txn, error) {
	bt := e.db.NewTransaction(writable)
	return &txn{eng: e, bTxn: bt, writable: writable, writes: map[string]map[string][]byte{}, dels: map[string]map[string]bool{}}, nil
}

func (e *engine) BeginNested(parent kv.Txn) (kv.Txn, error) {
	p, ok := parent.(*txn)
	if !ok {
		return nil, errors.New("badgerkv: BeginNested called with a foreign Txn")
	}
	return &txn{eng: e, parent: p, writable: p.writable, writes: map[string]map[string][]byte{}, dels: map[string]map[string]bool{}}, nil
}

func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Compact reclaims space left behind by deleted/overwritten values: rounds
// of value-log GC until one rewrites nothing, followed by Flatten, which merges every LSM level
// into one to collect tombstoned keys. kv.Engine itself exposes no
// compaction method (memkv has nothing to compact), so the facade's compact
// operation reaches this through an optional interface type-assertion
// instead.
func (e *engine) Compact() error {
	e.mu.RLock()
	db := e.db
	e.mu.RUnlock()
	if db == nil {
		return errors.New("badgerkv: compact called before open")
	}
	for {
		if err := db.RunValueLogGC(0.5); err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			return fmt.Errorf("badgerkv: value log gc: %w", err)
		}
	}
	return db.Flatten(4)
}

// root walks up to the badger.Txn-backed ancestor, which is always the
// chain's root (only roots hold bTxn).
func (t *txn) root() *txn {
	cur := t
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

func prefixedKey(dbName string, key []byte) []byte {
	out := make([]byte, 0, len(dbName)+1+len(key))
	out = append(out, dbName...)
	out = append(out, sepByte)
	out = append(out, key...)
	return out
}

func shardPrefixedKey(dbName string, shard uint32, key []byte) []byte {
	out := make([]byte, 0, len(dbName)+6+len(key))
	out = append(out, dbName...)
	out = append(out, sepByte)
	out = append(out, byte(shard>>24), byte(shard>>16), byte(shard>>8), byte(shard))
	out = append(out, sepByte)
	out = append(out, key...)
	return out
}

// dbPrefix returns the byte prefix identifying every key belonging to
// database name (no trailing caller-key bytes).
func dbPrefix(name string) []byte {
	return append([]byte(name), sepByte)
}
