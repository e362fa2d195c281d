package badgerkv

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/nkrause/shardb/internal/kv"
)

// txn is the single kv.Txn implementation for badgerkv. Only a root txn
// holds bTxn; nested txns buffer writes/deletes in their own overlay and
// fold them into the parent on Commit: a child inherits its parent's
// snapshot and commits into the parent rather than the store.
type txn struct {
	eng      *engine
	parent   *txn
	bTxn     *badger.Txn // non-nil only for the root of the chain
	writable bool
	writes   map[string]map[string][]byte // db -> logical key -> value
	dels     map[string]map[string]bool   // db -> logical key -> deleted
	done     bool
}

func (t *txn) Writable() bool { return t.writable }

func (t *txn) Parent() kv.Txn {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

// Commit makes this level's writes visible one level up. A nested txn folds
// its buffered writes/deletes into its parent's overlay, where they shadow
// the parent's own earlier writes to the same keys; nothing becomes durable
// until the root Commit stages its overlay into the badger.Txn and calls
// bTxn.Commit(). If an ancestor Aborts instead, everything folded into it is
// discarded with it.
func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent != nil {
		for db, ks := range t.dels {
			for k := range ks {
				(&database{eng: t.eng, name: db}).Delete(t.parent, []byte(k))
			}
		}
		for db, kvs := range t.writes {
			for k, v := range kvs {
				(&database{eng: t.eng, name: db}).Put(t.parent, []byte(k), v)
			}
		}
		return nil
	}
	if err := t.flushOwnOverlayToBadger(); err != nil {
		return err
	}
	return t.bTxn.Commit()
}

func (t *txn) flushOwnOverlayToBadger() error {
	r := t.root()
	for db, ks := range t.dels {
		for k := range ks {
			if err := r.bTxn.Delete(prefixedKey(db, []byte(k))); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
	}
	for db, kvs := range t.writes {
		for k, v := range kvs {
			if err := r.bTxn.Set(prefixedKey(db, []byte(k)), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *txn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		t.bTxn.Discard()
	}
	return nil
}
