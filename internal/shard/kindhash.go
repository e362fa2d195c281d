package shard

import (
	"encoding/json"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/query"
	"github.com/nkrause/shardb/internal/shardberr"
	"github.com/nkrause/shardb/internal/storage"
)

// kindHashRecord is one persisted row of the KindHashMap:1 built-in: the
// structural hash a kind's index configuration had the last time shardID
// was seen active, used to detect drift and drop stale documents (the Go
// analogue of the original's dedicated MojDbShardKindHash class).
type kindHashRecord struct {
	docID  dbid.ID
	Shard  uint32
	KindID string
	Hash   string
}

func (r kindHashRecord) toDoc() doc.Doc {
	return doc.Doc{
		doc.KeyID: r.docID.String(),
		"shard":   int64(r.Shard),
		"kindId":  r.KindID,
		"hash":    r.Hash,
	}
}

func kindHashFromDoc(d doc.Doc) kindHashRecord {
	s, _ := d[doc.KeyID].(string)
	id, _ := dbid.Parse(s)
	shard, _ := d["shard"].(float64)
	kindID, _ := d["kindId"].(string)
	hash, _ := d["hash"].(string)
	return kindHashRecord{docID: id, Shard: uint32(shard), KindID: kindID, Hash: hash}
}

// loadHashes returns every (kindId -> hash) entry recorded against shardID,
// via the shard_kind index's "shard" prefix.
func (e *Engine) loadHashes(txn *storage.Txn, shardID uint32) ([]kindHashRecord, error) {
	k, ok := e.kinds.Lookup(kind.KindKindHashMap)
	if !ok {
		return nil, shardberr.Wrap(shardberr.CodeIntegrity, "shard: KindHashMap:1 not installed", shardberr.ErrUnknownKind)
	}
	q := &query.Query{KindID: kind.KindKindHashMap, Where: []query.Predicate{{Path: "shard", Op: query.OpEq, Value: int64(shardID)}}}
	plan, ok, err := query.PlanQuery(k.Indexes, q, e.kinds.Collator())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	c, err := query.NewCursor(txn, e.kinds.IndexesDB(), e.kinds.PrimaryDB, kind.KindKindHashMap, plan, nil, e.metrics)
	if err != nil {
		return nil, err
	}
	var out []kindHashRecord
	for {
		row, found, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		out = append(out, kindHashFromDoc(row.Doc))
	}
	return out, nil
}

func (e *Engine) findHash(txn *storage.Txn, shardID uint32, kindID string) (*kindHashRecord, error) {
	k, ok := e.kinds.Lookup(kind.KindKindHashMap)
	if !ok {
		return nil, shardberr.Wrap(shardberr.CodeIntegrity, "shard: KindHashMap:1 not installed", shardberr.ErrUnknownKind)
	}
	q := &query.Query{KindID: kind.KindKindHashMap, Where: []query.Predicate{
		{Path: "shard", Op: query.OpEq, Value: int64(shardID)},
		{Path: "kindId", Op: query.OpEq, Value: kindID},
	}, Limit: 1}
	plan, ok, err := query.PlanQuery(k.Indexes, q, e.kinds.Collator())
	if err != nil || !ok {
		return nil, err
	}
	c, err := query.NewCursor(txn, e.kinds.IndexesDB(), e.kinds.PrimaryDB, kind.KindKindHashMap, plan, nil, e.metrics)
	if err != nil {
		return nil, err
	}
	row, found, err := c.Next()
	if err != nil || !found {
		return nil, err
	}
	rec := kindHashFromDoc(row.Doc)
	return &rec, nil
}

// putHash upserts the recorded hash for (shardID, kindID).
func (e *Engine) putHash(txn *storage.Txn, shardID uint32, kindID, hash string) error {
	existing, err := e.findHash(txn, shardID, kindID)
	if err != nil {
		return err
	}
	var rec kindHashRecord
	var oldDoc doc.Doc
	if existing != nil {
		rec = *existing
		oldDoc = rec.toDoc()
	} else {
		id, err := dbid.New(dbid.MainShard)
		if err != nil {
			return err
		}
		rec = kindHashRecord{docID: id, Shard: shardID, KindID: kindID}
	}
	rec.Hash = hash
	newDoc := rec.toDoc()

	pdb, err := e.kinds.PrimaryDB(kind.KindKindHashMap)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(newDoc)
	if err != nil {
		return err
	}
	if err := storage.PutShardAware(pdb, txn.KV(), dbid.MainShard, rec.docID.Bytes(), raw); err != nil {
		return err
	}
	op := kind.OpInsert
	if oldDoc != nil {
		op = kind.OpUpdate
	}
	_, err = e.kinds.Update(txn, kind.KindKindHashMap, oldDoc, newDoc, op)
	return err
}

// delHash removes the recorded hash for (shardID, kindID) entirely, used
// once dropGarbage has purged the kind's stale documents for that shard.
func (e *Engine) delHash(txn *storage.Txn, rec kindHashRecord) error {
	pdb, err := e.kinds.PrimaryDB(kind.KindKindHashMap)
	if err != nil {
		return err
	}
	if err := storage.DeleteShardAware(pdb, txn.KV(), dbid.MainShard, rec.docID.Bytes()); err != nil {
		return err
	}
	_, err = e.kinds.Update(txn, kind.KindKindHashMap, rec.toDoc(), nil, kind.OpDelete)
	return err
}

// putKindHashes recomputes and persists the current structural hash of
// every registered kind against shardID, called once a shard finishes
// mounting.
func (e *Engine) putKindHashes(txn *storage.Txn, shardID uint32) error {
	for _, k := range e.kinds.Kinds() {
		if err := e.putHash(txn, shardID, k.ID, k.Hash); err != nil {
			return err
		}
	}
	return nil
}

// dropGarbage compares every kind-hash entry recorded against shardID with
// that kind's current structural hash; a mismatch (the kind's index
// configuration changed while this shard was unmounted) or a kind that no
// longer exists at all means every document that shard holds for that kind
// is now stale and must be purged, matching the original engine's
// activation-time garbage sweep.
func (e *Engine) dropGarbage(txn *storage.Txn, shardID uint32) error {
	hashes, err := e.loadHashes(txn, shardID)
	if err != nil {
		return err
	}
	for _, rec := range hashes {
		k, ok := e.kinds.Lookup(rec.KindID)
		if ok && k.Hash == rec.Hash {
			continue
		}
		if err := e.dropShardKindData(txn, shardID, rec.KindID); err != nil {
			return err
		}
		if err := e.delHash(txn, rec); err != nil {
			return err
		}
	}
	return nil
}

// dropShardKindData deletes every primary document and index entry shardID
// holds for kindID, by range-deleting the shard-prefixed primary keyspace
// and the shard-scoped slice of every one of the kind's index ranges.
func (e *Engine) dropShardKindData(txn *storage.Txn, shardID uint32, kindID string) error {
	pdb, err := e.kinds.PrimaryDB(kindID)
	if err != nil {
		return err
	}
	if err := storage.DropShard(pdb, txn.KV(), shardID); err != nil {
		return err
	}
	// indexesDB is shared across every kind, so a plain DropShard(shardID)
	// would also erase other kinds' entries for this shard. Each of
	// kindID's indexes gets its own shard-scoped range delete instead:
	// [shardHeader|indexIDPrefix, shardHeader|nextPrefix(indexIDPrefix)).
	k, ok := e.kinds.Lookup(kindID)
	if !ok {
		return nil
	}
	header := storage.ShardPrefix(shardID)
	for _, ix := range k.Indexes {
		prefix := index.IndexIDPrefix(ix.ID)
		start := append(append([]byte(nil), header...), prefix...)
		end := append(append([]byte(nil), header...), nextIndexPrefix(prefix)...)
		if err := e.kinds.IndexesDB().DeleteRange(txn.KV(), start, end); err != nil {
			return err
		}
	}
	return nil
}

// nextIndexPrefix returns the lexicographically next prefix after p,
// giving an exclusive upper bound for a range delete scoped to one index.
func nextIndexPrefix(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return append(out, 0xFF)
}
