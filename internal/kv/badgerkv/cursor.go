package badgerkv

import (
	"bytes"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/nkrause/shardb/internal/kv"
)

// lexCompare is the byte-lexicographic order every cursor, range delete, and
// index scan in this package assumes.
func lexCompare(a, b []byte) int { return bytes.Compare(a, b) }

// buildOverlay walks the txn chain root-to-leaf, returning the fully
// shadow-resolved set of pending writes/deletes for database dbName. This
// only touches the (small, txn-scoped) overlay, never badger-committed data.
func buildOverlay(t *txn, dbName string) (vals map[string][]byte, dels map[string]bool) {
	var chain []*txn
	for cur := t; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	vals = map[string][]byte{}
	dels = map[string]bool{}
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		for k := range cur.dels[dbName] {
			dels[k] = true
			delete(vals, k)
		}
		for k, v := range cur.writes[dbName] {
			vals[k] = v
			delete(dels, k)
		}
	}
	return vals, dels
}

func shardHeader(shard uint32) []byte {
	return []byte{byte(shard >> 24), byte(shard >> 16), byte(shard >> 8), byte(shard), sepByte}
}

// cursor is a positioned iterator over one database (optionally scoped to a
// single shard) merging badger-committed data with the owning txn's pending
// overlay. The merged view is built once, at Cursor/CursorShard time, by
// scanning badger's key range under badgerPrefix and laying the (small,
// txn-scoped) overlay over it — the same strategy memkv uses over its whole
// store, here bounded to one database's key range rather than the whole
// engine.
type cursor struct {
	db    *database
	t     *txn
	shard *uint32 // non-nil when opened via CursorShard; keys are shard-relative
	keys  []string
	vals  [][]byte
	pos   int
}

func newCursor(db *database, t *txn, shard *uint32) (*cursor, error) {
	badgerPrefix := dbPrefix(db.name)
	logicalPrefix := ""
	if shard != nil {
		hdr := shardHeader(*shard)
		badgerPrefix = append(append([]byte(nil), badgerPrefix...), hdr...)
		logicalPrefix = string(hdr)
	}

	merged := map[string][]byte{}

	txi := t.root().bTxn
	opts := badger.DefaultIteratorOptions
	opts.Prefix = badgerPrefix
	it := txi.NewIterator(opts)
	for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
		full := it.Item().KeyCopy(nil)
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			it.Close()
			return nil, err
		}
		merged[string(full[len(badgerPrefix):])] = v
	}
	it.Close()

	rawVals, rawDels := buildOverlay(t, db.name)
	for k := range rawDels {
		if hasLogicalPrefix(k, logicalPrefix) {
			delete(merged, k[len(logicalPrefix):])
		}
	}
	for k, v := range rawVals {
		if hasLogicalPrefix(k, logicalPrefix) {
			merged[k[len(logicalPrefix):]] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = merged[k]
	}

	return &cursor{db: db, t: t, shard: shard, keys: keys, vals: vals, pos: -1}, nil
}

func hasLogicalPrefix(k, prefix string) bool {
	return len(k) >= len(prefix) && k[:len(prefix)] == prefix
}

func (c *cursor) First() ([]byte, []byte, bool, error) {
	if len(c.keys) == 0 {
		c.pos = -1
		return nil, nil, false, nil
	}
	c.pos = 0
	return []byte(c.keys[0]), c.vals[0], true, nil
}

func (c *cursor) Last() ([]byte, []byte, bool, error) {
	if len(c.keys) == 0 {
		c.pos = -1
		return nil, nil, false, nil
	}
	c.pos = len(c.keys) - 1
	return []byte(c.keys[c.pos]), c.vals[c.pos], true, nil
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, bool, error) {
	i := sort.SearchStrings(c.keys, string(key))
	if i >= len(c.keys) {
		c.pos = len(c.keys)
		return nil, nil, false, nil
	}
	c.pos = i
	return []byte(c.keys[i]), c.vals[i], true, nil
}

func (c *cursor) Next() ([]byte, []byte, bool, error) {
	c.pos++
	if c.pos >= len(c.keys) {
		return nil, nil, false, nil
	}
	return []byte(c.keys[c.pos]), c.vals[c.pos], true, nil
}

func (c *cursor) Prev() ([]byte, []byte, bool, error) {
	c.pos--
	if c.pos < 0 {
		return nil, nil, false, nil
	}
	return []byte(c.keys[c.pos]), c.vals[c.pos], true, nil
}

func (c *cursor) Delete() error {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil
	}
	if c.shard != nil {
		return c.db.DeleteShard(c.t, *c.shard, []byte(c.keys[c.pos]))
	}
	return c.db.Delete(c.t, []byte(c.keys[c.pos]))
}

func (c *cursor) Close() error { return nil }

var _ kv.Cursor = (*cursor)(nil)
