package badgerkv

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/nkrause/shardb/internal/kv"
)

type database struct {
	eng  *engine
	name string
}

func (d *database) Name() string { return d.name }

// lookupOverlay walks the txn chain (leaf to root) looking for key; it
// returns (value, deleted, found). The first level that mentions key wins,
// since a child's view always shadows its ancestors'.
func lookupOverlay(t *txn, db, key string) (val []byte, deleted bool, found bool) {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.dels[db] != nil && cur.dels[db][key] {
			return nil, true, true
		}
		if v, ok := cur.writes[db][key]; ok {
			return v, false, true
		}
	}
	return nil, false, false
}

func (d *database) Get(txi kv.Txn, key []byte) ([]byte, bool, error) {
	t := txi.(*txn)
	if v, del, found := lookupOverlay(t, d.name, string(key)); found {
		if del {
			return nil, false, nil
		}
		return v, true, nil
	}
	item, err := t.root().bTxn.Get(prefixedKey(d.name, key))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (d *database) Put(txi kv.Txn, key, val []byte) error {
	t := txi.(*txn)
	k := string(key)
	if t.writes[d.name] == nil {
		t.writes[d.name] = map[string][]byte{}
	}
	cp := append([]byte(nil), val...)
	t.writes[d.name][k] = cp
	if t.dels[d.name] != nil {
		delete(t.dels[d.name], k)
	}
	return nil
}

func (d *database) Delete(txi kv.Txn, key []byte) error {
	t := txi.(*txn)
	k := string(key)
	if t.dels[d.name] == nil {
		t.dels[d.name] = map[string]bool{}
	}
	t.dels[d.name][k] = true
	if t.writes[d.name] != nil {
		delete(t.writes[d.name], k)
	}
	return nil
}

func (d *database) Cursor(txi kv.Txn) (kv.Cursor, error) {
	return newCursor(d, txi.(*txn), nil)
}

func (d *database) DeleteRange(txi kv.Txn, start, end []byte) error {
	t := txi.(*txn)
	c, err := newCursor(d, t, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	k, _, ok, err := c.Seek(start)
	if err != nil {
		return err
	}
	for ok {
		if end != nil && geLex(k, end) {
			break
		}
		if err := d.Delete(t, k); err != nil {
			return err
		}
		k, _, ok, err = c.Next()
		if err != nil {
			return err
		}
	}
	return nil
}

func geLex(a, b []byte) bool {
	if a == nil {
		return false
	}
	return lexCompare(a, b) >= 0
}

// shardLogicalKey is the overlay-map key used for shard-scoped operations:
// the same 4-byte big-endian shard id plus separator that shardPrefixedKey
// appends on the badger side, so a cursor can filter/trim overlay entries by
// that header without re-deriving it.
func shardLogicalKey(shard uint32, key []byte) []byte {
	out := make([]byte, 0, 5+len(key))
	out = append(out, shardHeader(shard)...)
	out = append(out, key...)
	return out
}

func (d *database) GetShard(txi kv.Txn, shard uint32, key []byte) ([]byte, bool, error) {
	t := txi.(*txn)
	logical := string(shardLogicalKey(shard, key))
	if v, del, found := lookupOverlay(t, d.name, logical); found {
		if del {
			return nil, false, nil
		}
		return v, true, nil
	}
	item, err := t.root().bTxn.Get(shardPrefixedKey(d.name, shard, key))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (d *database) PutShard(txi kv.Txn, shard uint32, key, val []byte) error {
	t := txi.(*txn)
	k := string(shardLogicalKey(shard, key))
	if t.writes[d.name] == nil {
		t.writes[d.name] = map[string][]byte{}
	}
	t.writes[d.name][k] = append([]byte(nil), val...)
	if t.dels[d.name] != nil {
		delete(t.dels[d.name], k)
	}
	return nil
}

func (d *database) DeleteShard(txi kv.Txn, shard uint32, key []byte) error {
	t := txi.(*txn)
	k := string(shardLogicalKey(shard, key))
	if t.dels[d.name] == nil {
		t.dels[d.name] = map[string]bool{}
	}
	t.dels[d.name][k] = true
	if t.writes[d.name] != nil {
		delete(t.writes[d.name], k)
	}
	return nil
}

func (d *database) CursorShard(txi kv.Txn, shard uint32) (kv.Cursor, error) {
	s := shard
	return newCursor(d, txi.(*txn), &s)
}

// DropShard deletes every key written under shard in this database — a bulk
// range delete over the shard's own key segment, used when a transient shard
// is unmounted or its recorded kind-hash has drifted from what's on disk.
func (d *database) DropShard(txi kv.Txn, shard uint32) error {
	t := txi.(*txn)
	c, err := d.CursorShard(t, shard)
	if err != nil {
		return err
	}
	defer c.Close()
	k, _, ok, err := c.First()
	if err != nil {
		return err
	}
	for ok {
		if err := d.DeleteShard(t, shard, k); err != nil {
			return err
		}
		k, _, ok, err = c.Next()
		if err != nil {
			return err
		}
	}
	return nil
}

var _ kv.ShardDatabase = (*database)(nil)
