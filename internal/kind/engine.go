package kind

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/shardberr"
	"github.com/nkrause/shardb/internal/storage"
	"github.com/nkrause/shardb/internal/token"
)

// Built-in kind identifiers every database must provide.
const (
	KindKind          = "Kind:1"
	KindRevTimestamp  = "RevTimestamp:1"
	KindDbState       = "DbState:1"
	KindPermission    = "Permission:1"
	KindQuota         = "Quota:1"
	KindShardInfo     = "ShardInfo1:1"
	KindKindHashMap   = "KindHashMap:1"
	defaultLocale     = "en_US"
	indexesDBName     = "indexes.db"
	kindsDBName       = "kinds.db"
	indexIdsDBName    = "indexIds.db"
	primaryDBPrefix   = "kind$"
)

// PrimaryDBName returns the name of the kv.Database a kind's primary
// entries live in — one named sub-database per kind, so dropping a kind is
// a single range-delete over its own keyspace rather than a scan-and-filter
// over a shared store.
func PrimaryDBName(kindID string) string { return primaryDBPrefix + kindID }

// Engine is the schema registry: it loads/persists Kind documents, tracks
// the locale-aware collator every index extraction uses, and fans write
// notifications out to the owning kind's indexes.
type Engine struct {
	mu sync.RWMutex // process-wide schema RW lock; one Engine per open database

	kvEngine   kv.Engine
	kindsDB    kv.Database
	indexesDB  kv.Database
	indexIdsDB kv.Database
	indexSeq   kv.Sequence

	kinds   map[string]*Kind
	locale  string
	collator index.Collator

	logger *zap.Logger
}

// New constructs an unopened Engine.
func New(kvEngine kv.Engine, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{kvEngine: kvEngine, kinds: map[string]*Kind{}, locale: defaultLocale, logger: logger}
}

// Lock acquires the schema lock for read (writable=false) or write. Callers
// release it by calling the returned func.
func (e *Engine) Lock(writable bool) func() {
	if writable {
		e.mu.Lock()
		return e.mu.Unlock
	}
	e.mu.RLock()
	return e.mu.RUnlock
}

// Lookup returns the currently loaded kind by id.
func (e *Engine) Lookup(id string) (*Kind, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.kinds[id]
	return k, ok
}

// Kinds returns every currently loaded kind, including built-ins. Used by
// the shard engine to recompute per-shard kind hashes on activation.
// Kinds returns every installed kind, ordered by ID. Dump relies on this
// order being stable across calls so an incremental dump's per-kind
// watermark lines up the same way on every run.
func (e *Engine) Kinds() []*Kind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Kind, 0, len(e.kinds))
	for _, k := range e.kinds {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b *Kind) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Collator returns the current locale-aware collator used by index
// extraction.
func (e *Engine) Collator() index.Collator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collator
}

// Locale returns the currently configured locale string.
func (e *Engine) Locale() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locale
}

// IndexesDB returns the shared sub-database every kind's secondary index
// entries live in, partitioned by each index's 4-byte id prefix.
func (e *Engine) IndexesDB() kv.Database { return e.indexesDB }

// PrimaryDB returns the kv.Database a kind's primary entries live in,
// opening it (idempotently) if this is the first caller to need it. Query
// planning and the shard engine use this to join index entries back to
// documents without reaching into the engine's private kvEngine field.
func (e *Engine) PrimaryDB(kindID string) (kv.Database, error) {
	return e.kvEngine.Database(PrimaryDBName(kindID))
}

// Open prepares the kinds.db/indexIds.db sub-databases, installs the
// built-in kinds, loads every persisted kind document, and resolves the
// locale from DbState:1.
func (e *Engine) Open(ctx context.Context, txn *storage.Txn) error {
	var err error
	if e.kindsDB, err = e.kvEngine.Database(kindsDBName); err != nil {
		return err
	}
	if e.indexesDB, err = e.kvEngine.Database(indexesDBName); err != nil {
		return err
	}
	if e.indexIdsDB, err = e.kvEngine.Database(indexIdsDBName); err != nil {
		return err
	}
	if e.indexSeq, err = e.kvEngine.Sequence("indexId", 20); err != nil {
		return err
	}

	if err := e.loadPersistedKinds(txn); err != nil {
		return err
	}
	if err := e.installBuiltins(txn); err != nil {
		return err
	}
	e.resolveLocale(txn)
	return e.resumePendingLocale(txn)
}

func (e *Engine) loadPersistedKinds(txn *storage.Txn) error {
	c, err := e.kindsDB.Cursor(txn.KV())
	if err != nil {
		return err
	}
	defer c.Close()
	for k, v, ok, err := c.First(); ; k, v, ok, err = c.Next() {
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		_ = k
		var raw map[string]interface{}
		if err := json.Unmarshal(v, &raw); err != nil {
			e.logger.Warn("kind: skipping undecodable kind document", zap.Error(err))
			continue
		}
		kd := FromDoc(raw)
		e.mu.Lock()
		e.kinds[kd.ID] = kd
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) resolveLocale(txn *storage.Txn) {
	state, _, err := e.dbStateDoc(txn)
	if err != nil || state == nil {
		return
	}
	if l, ok := state["locale"].(string); ok && l != "" {
		e.mu.Lock()
		e.locale = l
		e.collator = index.NewCollator(l)
		e.mu.Unlock()
	}
}

// installBuiltins registers the fixed set of built-in kinds this database
// always carries, skipping any already loaded from disk.
func (e *Engine) installBuiltins(txn *storage.Txn) error {
	for _, bk := range builtinKinds() {
		if _, ok := e.Lookup(bk.ID); ok {
			continue
		}
		if err := e.PutKind(txn, bk.ToDoc(), &Request{Caller: "admin"}, true); err != nil {
			return err
		}
	}
	if e.collator == nil {
		e.collator = index.NewCollator(e.locale)
	}
	return nil
}

func builtinKinds() []*Kind {
	return []*Kind{
		{ID: KindKind, Owner: "admin", Tokens: newTokens(), Indexes: []*index.Index{
			{Name: "_rev", Props: []index.PropertySpec{{Path: doc.KeyRev}}},
		}},
		{ID: KindRevTimestamp, Owner: "admin", Tokens: newTokens(), Indexes: []*index.Index{
			{Name: "timestamp", Props: []index.PropertySpec{{Path: "timestamp"}}},
		}},
		{ID: KindDbState, Owner: "admin", Tokens: newTokens()},
		{ID: KindPermission, Owner: "admin", Tokens: newTokens(), Indexes: []*index.Index{
			{Name: "object_type_caller", Props: []index.PropertySpec{{Path: "object"}, {Path: "type"}, {Path: "caller"}}},
		}},
		{ID: KindQuota, Owner: "admin", Tokens: newTokens(), Indexes: []*index.Index{
			{Name: "owner", Props: []index.PropertySpec{{Path: "owner"}}},
		}},
		{ID: KindShardInfo, Owner: "admin", Tokens: newTokens(), Indexes: []*index.Index{
			{Name: "deviceId", Props: []index.PropertySpec{{Path: "deviceId"}}},
			{Name: "id", Props: []index.PropertySpec{{Path: "id"}}},
		}},
		{ID: KindKindHashMap, Owner: "admin", Tokens: newTokens(), Indexes: []*index.Index{
			{Name: "shard_kind", Props: []index.PropertySpec{{Path: "shard"}, {Path: "kindId"}}},
		}},
	}
}

func newTokens() *token.Map { return token.New() }

// Request mirrors the facade's Request only by the fields the kind engine
// needs: caller identity (for admin escalation) and whether a schema-write
// lock is already held by the surrounding operation.
type Request struct {
	Caller       string
	SchemaLocked bool
}

// IsAdmin reports whether the request's caller may bypass Permission:1
// policy checks.
func (r *Request) IsAdmin() bool { return r != nil && r.Caller == "admin" }

// PutKind installs or reconfigures a kind from its document form. New
// indexes are built by scanning this kind's own primary store only;
// documents of kinds that extend it are not scanned. Dropped indexes have
// every entry deleted, in every shard. All work happens on the caller's txn.
func (e *Engine) PutKind(txn *storage.Txn, obj doc.Doc, req *Request, builtin bool) error {
	id, _ := obj[doc.KeyID].(string)
	if id == "" {
		return shardberr.New(shardberr.CodeValidation, "putKind: missing _id")
	}
	parsed := FromDoc(obj)
	parsed.ID = id
	if parsed.Owner == "" && !builtin {
		return shardberr.New(shardberr.CodeValidation, "putKind: missing owner")
	}
	if parsed.Tokens == nil {
		parsed.Tokens = newTokens()
	}

	e.mu.Lock()
	existing, had := e.kinds[id]
	e.mu.Unlock()

	if had {
		// Indexes that survive a reconfiguration keep their original id —
		// the incoming document only carries names/props, never ids.
		for _, ixx := range parsed.Indexes {
			for _, old := range existing.Indexes {
				if old.Name == ixx.Name {
					ixx.ID = old.ID
					break
				}
			}
		}
	}
	if err := e.assignIndexIDs(parsed.Indexes); err != nil {
		return err
	}

	if had {
		change := existing.Diff(parsed.Indexes)
		if err := e.buildIndexes(txn, id, change.Added); err != nil {
			return err
		}
		if err := e.dropIndexes(txn, change.Dropped); err != nil {
			return err
		}
		parsed.Tokens = existing.Tokens
	} else if err := e.buildIndexes(txn, id, parsed.Indexes); err != nil {
		return err
	}
	parsed.Hash = ComputeHash(id, parsed.Indexes)

	raw, err := json.Marshal(parsed.ToDoc())
	if err != nil {
		return err
	}
	if err := e.kindsDB.Put(txn.KV(), []byte(id), raw); err != nil {
		return err
	}

	e.mu.Lock()
	e.kinds[id] = parsed
	e.mu.Unlock()
	return nil
}

// assignIndexIDs mints a fresh engine-wide index id for every index that
// doesn't already carry one (new indexes from an incoming kind document
// always arrive with id 0; putKind fills it before the id is ever used as a
// sub-database key prefix).
func (e *Engine) assignIndexIDs(indexes []*index.Index) error {
	for _, ixx := range indexes {
		if ixx.ID != 0 {
			continue
		}
		next, err := e.indexSeq.Next()
		if err == nil && next == 0 {
			// 0 marks an unassigned index, so it is never handed out.
			next, err = e.indexSeq.Next()
		}
		if err != nil {
			return err
		}
		ixx.ID = uint32(next)
	}
	return nil
}

func (e *Engine) buildIndexes(txn *storage.Txn, kindID string, added []*index.Index) error {
	if len(added) == 0 {
		return nil
	}
	pdb, err := e.kvEngine.Database(PrimaryDBName(kindID))
	if err != nil {
		return err
	}
	c, err := pdb.Cursor(txn.KV())
	if err != nil {
		return err
	}
	defer c.Close()

	collator := e.Collator()
	for k, v, ok, err := c.First(); ; k, v, ok, err = c.Next() {
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		shard, logical, ok := storage.SplitShardKey(k)
		if !ok {
			continue
		}
		id, err := dbid.FromBytes(logical)
		if err != nil {
			continue
		}
		var d map[string]interface{}
		if json.Unmarshal(v, &d) != nil {
			continue
		}
		for _, ix := range added {
			keys, err := ix.Extract(doc.Doc(d), collator)
			if err != nil {
				return err
			}
			for _, key := range keys {
				entryKey := index.EntryKey(ix.ID, key, id)
				if err := storage.PutShardAware(e.indexesDB, txn.KV(), shard, entryKey, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) dropIndexes(txn *storage.Txn, dropped []*index.Index) error {
	for _, ix := range dropped {
		// Entries sit behind a per-shard header, so the index's id prefix is
		// matched against each key's logical part.
		prefix := index.IndexIDPrefix(ix.ID)
		c, err := e.indexesDB.Cursor(txn.KV())
		if err != nil {
			return err
		}
		for k, _, ok, err := c.First(); ok || err != nil; k, _, ok, err = c.Next() {
			if _, logical, split := storage.SplitShardKey(k); err == nil && split && bytes.HasPrefix(logical, prefix) {
				err = e.indexesDB.Delete(txn.KV(), k)
			}
			if err != nil {
				c.Close()
				return err
			}
		}
		c.Close()
	}
	return nil
}

func nextPrefix(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return append(out, 0xFF)
}

// DelKind drops every index and every document of kind id, then removes the
// kind document itself. Sub-kinds of a deleted kind become unresolvable —
// callers must delete children first.
func (e *Engine) DelKind(txn *storage.Txn, id string, req *Request) error {
	k, ok := e.Lookup(id)
	if !ok {
		return shardberr.Wrap(shardberr.CodeValidation, "delKind: unknown kind", shardberr.ErrUnknownKind)
	}
	if err := e.dropIndexes(txn, k.Indexes); err != nil {
		return err
	}
	pdb, err := e.kvEngine.Database(PrimaryDBName(id))
	if err != nil {
		return err
	}
	if err := pdb.DeleteRange(txn.KV(), nil, nil); err != nil {
		return err
	}
	if err := e.kindsDB.Delete(txn.KV(), []byte(id)); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.kinds, id)
	e.mu.Unlock()
	return nil
}

// dbStateDoc loads DbState:1's single "state" record, or an empty map if one
// hasn't been written yet.
func (e *Engine) dbStateDoc(txn *storage.Txn) (map[string]interface{}, kv.Database, error) {
	db, err := e.kvEngine.Database(PrimaryDBName(KindDbState))
	if err != nil {
		return nil, nil, err
	}
	v, ok, err := db.Get(txn.KV(), []byte("state"))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return map[string]interface{}{}, db, nil
	}
	var state map[string]interface{}
	if err := json.Unmarshal(v, &state); err != nil {
		return map[string]interface{}{}, db, nil
	}
	return state, db, nil
}

func (e *Engine) putDbState(txn *storage.Txn, db kv.Database, state map[string]interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return db.Put(txn.KV(), []byte("state"), raw)
}

// UpdateLocale reconfigures the collation every index's string properties
// compare at, rebuilding every existing index's entries from scratch under
// the new collator. The new locale is marked pending in DbState:1 before the
// rebuild starts and cleared once it finishes; Open resumes an interrupted
// rebuild by replaying this same method against the pending locale it finds,
// rather than relying on a separate recovery journal.
func (e *Engine) UpdateLocale(txn *storage.Txn, newLocale string, req *Request) error {
	state, db, err := e.dbStateDoc(txn)
	if err != nil {
		return err
	}
	state["locale"] = newLocale
	state["localePending"] = true
	if err := e.putDbState(txn, db, state); err != nil {
		return err
	}

	newCollator := index.NewCollator(newLocale)
	e.mu.Lock()
	e.locale = newLocale
	e.collator = newCollator
	kinds := make([]*Kind, 0, len(e.kinds))
	for _, k := range e.kinds {
		kinds = append(kinds, k)
	}
	e.mu.Unlock()

	for _, k := range kinds {
		if len(k.Indexes) == 0 {
			continue
		}
		if err := e.dropIndexes(txn, k.Indexes); err != nil {
			return err
		}
		if err := e.buildIndexes(txn, k.ID, k.Indexes); err != nil {
			return err
		}
	}

	state["localePending"] = false
	return e.putDbState(txn, db, state)
}

// resumePendingLocale checks DbState:1 for a rebuild interrupted by a crash
// between UpdateLocale's pending-flag write and its completion, and replays
// the rebuild if one is found.
func (e *Engine) resumePendingLocale(txn *storage.Txn) error {
	state, _, err := e.dbStateDoc(txn)
	if err != nil || state == nil {
		return err
	}
	pending, _ := state["localePending"].(bool)
	if !pending {
		return nil
	}
	locale, _ := state["locale"].(string)
	if locale == "" {
		locale = defaultLocale
	}
	e.logger.Warn("kind: resuming locale rebuild interrupted by a prior crash", zap.String("locale", locale))
	return e.UpdateLocale(txn, locale, &Request{Caller: "admin"})
}

func idFromDoc(d doc.Doc) (dbid.ID, error) {
	s, _ := d[doc.KeyID].(string)
	if s == "" {
		return dbid.ID{}, shardberr.New(shardberr.CodeValidation, "update: document missing _id")
	}
	return dbid.Parse(s)
}

// Update is the per-write hook every primary document mutation runs through:
// it diffs the old/new document against kindID's indexes and applies the
// added/removed entries, then reconciles the kind's token dictionary against
// any new top-level property names in newObj. oldObj is nil on insert,
// newObj is nil on delete. It returns every index-entry key (logical, no
// shard header) the write added or removed, so a caller can hand them to a
// watcher for exact range-based match evaluation instead of firing on every
// write to the kind.
func (e *Engine) Update(txn *storage.Txn, kindID string, oldObj, newObj doc.Doc, op Op) ([][]byte, error) {
	k, ok := e.Lookup(kindID)
	if !ok {
		return nil, shardberr.Wrap(shardberr.CodeValidation, "update: unknown kind", shardberr.ErrUnknownKind)
	}

	diffs, err := k.IndexDiff(oldObj, newObj, e.Collator())
	if err != nil {
		return nil, err
	}

	var id dbid.ID
	if newObj != nil {
		id, err = idFromDoc(newObj)
	} else {
		id, err = idFromDoc(oldObj)
	}
	if err != nil {
		return nil, err
	}
	shard := id.ShardPrefix()

	var changedKeys [][]byte
	for _, d := range diffs {
		for _, key := range d.Removed {
			entryKey := index.EntryKey(d.Index.ID, key, id)
			if err := storage.DeleteShardAware(e.indexesDB, txn.KV(), shard, entryKey); err != nil {
				return nil, err
			}
			changedKeys = append(changedKeys, entryKey)
		}
		for _, key := range d.Added {
			entryKey := index.EntryKey(d.Index.ID, key, id)
			if err := storage.PutShardAware(e.indexesDB, txn.KV(), shard, entryKey, nil); err != nil {
				return nil, err
			}
			changedKeys = append(changedKeys, entryKey)
		}
	}

	if newObj != nil {
		if err := e.reconcileTokens(txn, k, newObj); err != nil {
			return nil, err
		}
	}
	return changedKeys, nil
}

// reconcileTokens grows kind's token dictionary to cover every top-level
// property name in obj, re-persisting the kind document only when the
// dictionary actually changed.
func (e *Engine) reconcileTokens(txn *storage.Txn, k *Kind, obj doc.Doc) error {
	before := k.Tokens.Len()
	for name := range obj {
		k.Tokens.IdFromToken(name)
	}
	if k.Tokens.Len() == before {
		return nil
	}
	raw, err := json.Marshal(k.ToDoc())
	if err != nil {
		return err
	}
	return e.kindsDB.Put(txn.KV(), []byte(k.ID), raw)
}
