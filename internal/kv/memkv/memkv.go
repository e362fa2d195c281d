// Package memkv is an in-memory Engine implementation used for unit tests
// and local development without a badger dependency. It trades the
// snapshot-isolation rigor of a real MVCC engine for a simple, fully
// synchronous overlay model: a nested Txn keeps a local write-set that
// shadows its parent until Commit folds it upward, and Cursor iteration
// merges the write-set over the last-committed data at call time. This is
// documented in DESIGN.md as a deliberate simplification — memkv is never
// the production engine (see badgerkv for that).
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/nkrause/shardb/internal/kv"
)

func init() {
	kv.Register("mem", func() kv.Engine { return New() })
}

type engine struct {
	mu   sync.RWMutex
	dbs  map[string]*database
	seqs map[string]*sequence
}

// New constructs an unopened in-memory Engine.
func New() kv.Engine {
	return &engine{
		dbs:  map[string]*database{},
		seqs: map[string]*sequence{},
	}
}

func (e *engine) Open(_ context.Context, _ string, _ kv.Options) error { return nil }

func (e *engine) Database(name string) (kv.Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	db, ok := e.dbs[name]
	if !ok {
		db = &database{name: name, committed: map[string][]byte{}}
		e.dbs[name] = db
	}
	return db, nil
}

func (e *engine) Sequence(name string, bandwidth uint64) (kv.Sequence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bandwidth == 0 {
		bandwidth = 1
	}
	s, ok := e.seqs[name]
	if !ok {
		s = &sequence{bandwidth: bandwidth}
		e.seqs[name] = s
	}
	return s, nil
}

func (e *engine) Begin(_ context.Context, writable bool) (kv.Txn, error) {
	return &txn{eng: e, writable: writable, writes: map[string]map[string][]byte{}, dels: map[string]map[string]bool{}}, nil
}

func (e *engine) BeginNested(parent kv.Txn) (kv.Txn, error) {
	p := asMemTxn(parent)
	return &txn{eng: e, parent: p, writable: p.writable, writes: map[string]map[string][]byte{}, dels: map[string]map[string]bool{}}, nil
}

func (e *engine) Close() error { return nil }

type sequence struct {
	mu        sync.Mutex
	next      uint64
	bandwidth uint64
}

func (s *sequence) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next += s.bandwidth
	return v, nil
}

func (s *sequence) Release() error { return nil }

// txn implements kv.Txn plus the write-set each database consults.
type txn struct {
	eng      *engine
	parent   *txn
	writable bool
	writes   map[string]map[string][]byte // db -> key -> val
	dels     map[string]map[string]bool   // db -> key -> deleted
	done     bool
}

func (t *txn) Writable() bool { return t.writable }

func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		t.eng.mu.RLock()
		defer t.eng.mu.RUnlock()
		for name, dels := range t.dels {
			d := t.eng.dbs[name]
			if d == nil {
				continue
			}
			d.mu.Lock()
			for k := range dels {
				delete(d.committed, k)
			}
			d.mu.Unlock()
		}
		for name, kvs := range t.writes {
			d := t.eng.dbs[name]
			if d == nil {
				continue
			}
			d.mu.Lock()
			for k, v := range kvs {
				d.committed[k] = v
			}
			d.mu.Unlock()
		}
		return nil
	}
	for db, kvs := range t.writes {
		dst := t.parent.writes[db]
		if dst == nil {
			dst = map[string][]byte{}
			t.parent.writes[db] = dst
		}
		for k, v := range kvs {
			dst[k] = v
			delete(t.parent.dels[db], k)
		}
	}
	for db, ks := range t.dels {
		dst := t.parent.dels[db]
		if dst == nil {
			dst = map[string]bool{}
			t.parent.dels[db] = dst
		}
		for k := range ks {
			dst[k] = true
			delete(t.parent.writes[db], k)
		}
	}
	return nil
}

func (t *txn) Abort() error {
	t.done = true
	return nil
}

func (t *txn) Parent() kv.Txn {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

// asMemTxn extracts the concrete *txn from a kv.Txn by type assertion; it
// returns nil for a Txn from another engine.
func asMemTxn(tx kv.Txn) *txn {
	m, _ := tx.(*txn)
	return m
}

type database struct {
	mu        sync.RWMutex
	name      string
	committed map[string][]byte
}

func (d *database) Name() string { return d.name }

func (d *database) Get(tx kv.Txn, key []byte) ([]byte, bool, error) {
	t := asMemTxn(tx)
	k := string(key)
	for cur := t; cur != nil; cur = cur.parent {
		if cur.dels[d.name] != nil && cur.dels[d.name][k] {
			return nil, false, nil
		}
		if v, ok := cur.writes[d.name][k]; ok {
			return v, true, nil
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.committed[k]
	return v, ok, nil
}

func (d *database) Put(tx kv.Txn, key, val []byte) error {
	t := asMemTxn(tx)
	if t.parent == nil {
		return d.putRoot(t, key, val)
	}
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

// putRoot buffers the write in the root txn's own write-set; it is flushed
// to d.committed only when the root txn commits (see txn.Commit).
func (d *database) putRoot(t *txn, key, val []byte) error {
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

func (d *database) Delete(tx kv.Txn, key []byte) error {
	t := asMemTxn(tx)
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

func (d *database) DeleteRange(tx kv.Txn, start, end []byte) error {
	c, err := d.Cursor(tx)
	if err != nil {
		return err
	}
	defer c.Close()
	k, _, ok, err := c.Seek(start)
	if err != nil {
		return err
	}
	for ok {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if err := d.Delete(tx, k); err != nil {
			return err
		}
		k, _, ok, err = c.Next()
		if err != nil {
			return err
		}
	}
	return nil
}

// mergedView computes the key-sorted, write-set-over-committed snapshot a
// Cursor iterates, applying the txn chain from root to leaf so a child's
// writes shadow its parent's. Cheap enough for memkv's test/dev scale (see
// package doc).
func (d *database) mergedView(t *txn) ([]string, map[string][]byte) {
	d.mu.RLock()
	merged := make(map[string][]byte, len(d.committed))
	for k, v := range d.committed {
		merged[k] = v
	}
	d.mu.RUnlock()

	var chain []*txn
	for cur := t; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		for k := range cur.dels[d.name] {
			delete(merged, k)
		}
		for k, v := range cur.writes[d.name] {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, merged
}

func (d *database) Cursor(tx kv.Txn) (kv.Cursor, error) {
	t := asMemTxn(tx)
	keys, merged := d.mergedView(t)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = merged[k]
	}
	return &cursor{db: d, tx: t, keys: keys, vals: vals, pos: -1}, nil
}

type cursor struct {
	db    *database
	tx    *txn
	shard *uint32 // non-nil when opened via CursorShard; keys/vals are shard-relative
	keys  []string
	vals  [][]byte
	pos   int
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
		return c.db.DeleteShard(c.tx, *c.shard, []byte(c.keys[c.pos]))
	}
	return c.db.Delete(c.tx, []byte(c.keys[c.pos]))
}

func (c *cursor) Close() error { return nil }

// shardLogicalKey namespaces a shard-scoped key within the same flat
// committed/overlay maps a non-shard Database already uses, the same scheme
// badgerkv uses to fold shard-awareness into one key space.
func shardLogicalKey(shard uint32, key []byte) []byte {
	out := make([]byte, 0, 5+len(key))
	out = append(out, byte(shard>>24), byte(shard>>16), byte(shard>>8), byte(shard), 0x1F)
	out = append(out, key...)
	return out
}

func shardLogicalPrefix(shard uint32) []byte {
	return []byte{byte(shard >> 24), byte(shard >> 16), byte(shard >> 8), byte(shard), 0x1F}
}

func (d *database) GetShard(tx kv.Txn, shard uint32, key []byte) ([]byte, bool, error) {
	return d.Get(tx, shardLogicalKey(shard, key))
}

func (d *database) PutShard(tx kv.Txn, shard uint32, key, val []byte) error {
	return d.Put(tx, shardLogicalKey(shard, key), val)
}

func (d *database) DeleteShard(tx kv.Txn, shard uint32, key []byte) error {
	return d.Delete(tx, shardLogicalKey(shard, key))
}

func (d *database) CursorShard(tx kv.Txn, shard uint32) (kv.Cursor, error) {
	t := asMemTxn(tx)
	keys, merged := d.mergedView(t)
	prefix := string(shardLogicalPrefix(shard))
	var sKeys []string
	var sVals [][]byte
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			sKeys = append(sKeys, k[len(prefix):])
			sVals = append(sVals, merged[k])
		}
	}
	s := shard
	return &cursor{db: d, tx: t, shard: &s, keys: sKeys, vals: sVals, pos: -1}, nil
}

func (d *database) DropShard(tx kv.Txn, shard uint32) error {
	t := asMemTxn(tx)
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
