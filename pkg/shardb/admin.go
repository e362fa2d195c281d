package shardb

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/query"
	"github.com/nkrause/shardb/internal/shard"
	"github.com/nkrause/shardb/internal/shardberr"
	"github.com/nkrause/shardb/internal/storage"
)

// PutKind installs or reconfigures a kind from its document form (as
// produced by kind.Kind.ToDoc), acquiring the schema write lock for the
// duration of the index rebuild.
func (d *Database) PutKind(ctx context.Context, req *Request, obj doc.Doc) error {
	req = requestOrDefault(req)
	release := d.kinds.Lock(true)
	defer release()
	return d.runTxn(ctx, true, func(txn *storage.Txn) error {
		return d.kinds.PutKind(txn, obj, &kind.Request{Caller: req.Caller, SchemaLocked: true}, false)
	})
}

// DelKind drops id's indexes, every document it owns, and the kind
// document itself.
func (d *Database) DelKind(ctx context.Context, req *Request, id string) error {
	req = requestOrDefault(req)
	release := d.kinds.Lock(true)
	defer release()
	return d.runTxn(ctx, true, func(txn *storage.Txn) error {
		return d.kinds.DelKind(txn, id, &kind.Request{Caller: req.Caller, SchemaLocked: true})
	})
}

// UpdateLocale reconfigures the collation every index compares string
// properties under, rebuilding every kind's indexes against the new
// collator in the same transaction.
func (d *Database) UpdateLocale(ctx context.Context, req *Request, locale string) error {
	req = requestOrDefault(req)
	release := d.kinds.Lock(true)
	defer release()
	return d.runTxn(ctx, true, func(txn *storage.Txn) error {
		return d.kinds.UpdateLocale(txn, locale, &kind.Request{Caller: req.Caller, SchemaLocked: true})
	})
}

// ProcessShardInfo funnels a mount/unmount event from the host's media
// notifier (or a manual admin call) through the shard engine: allocating an
// id the first time a device is seen, persisting its record, and dropping
// garbage left by a kind whose index configuration drifted while it was
// last active.
func (d *Database) ProcessShardInfo(ctx context.Context, in shard.Info) (shard.Info, error) {
	release := d.kinds.Lock(true)
	defer release()
	var result shard.Info
	err := d.runTxn(ctx, true, func(txn *storage.Txn) error {
		var err error
		result, err = d.shards.ProcessShardInfo(txn, in)
		return err
	})
	return result, err
}

// Stats is a snapshot of database-wide bookkeeping, the facade's analogue
// of the original engine's admin "stats" call.
type Stats struct {
	Kinds        int
	ActiveShards int
	Locale       string
}

// Stats returns the current kind count, active shard count and locale.
func (d *Database) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Kinds: len(d.kinds.Kinds()), Locale: d.kinds.Locale()}
	err := d.runTxn(ctx, false, func(txn *storage.Txn) error {
		shards, err := d.shards.ActiveShards(txn)
		if err != nil {
			return err
		}
		s.ActiveShards = len(shards)
		return nil
	})
	return s, err
}

// compactor is the optional capability a kv.Engine may implement to reclaim
// space left by deleted/overwritten values; badgerkv implements it, memkv
// (an in-memory map with no log to compact) does not.
type compactor interface {
	Compact() error
}

// Compact reclaims on-disk space, when the underlying kv.Engine supports
// it. A no-op (not an error) on engines without a compaction primitive.
func (d *Database) Compact() error {
	c, ok := d.kvEngine.(compactor)
	if !ok {
		return nil
	}
	return c.Compact()
}

// Purge deletes every tombstone (_del=true) older than window, across every
// kind, and the RevTimestamp:1 watermark records it consumed in the
// process. A RevTimestamp:1 record mapping the current revision to the
// current wall-clock time is written first so later purges have a
// watermark to binary-search against even if this is the very first call.
func (d *Database) Purge(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	var count int
	err := d.runTxn(ctx, true, func(txn *storage.Txn) error {
		if err := d.recordRevTimestamp(txn); err != nil {
			return err
		}
		cutoffRev, ok, err := d.revAtOrBefore(txn, cutoff)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, k := range d.kinds.Kinds() {
			if k.ID == kind.KindRevTimestamp {
				continue
			}
			n, err := d.purgeKind(txn, k.ID, cutoffRev)
			if err != nil {
				return err
			}
			count += n
		}
		return d.dropConsumedWatermarks(txn, cutoffRev)
	})
	return count, err
}

func (d *Database) recordRevTimestamp(txn *storage.Txn) error {
	rev, err := d.revSeq.Next()
	if err != nil {
		return err
	}
	id, err := dbid.New(dbid.MainShard)
	if err != nil {
		return err
	}
	newDoc := doc.Doc{doc.KeyID: id.String(), doc.KeyKind: kind.KindRevTimestamp, "timestamp": time.Now().Unix(), "rev": int64(rev)}
	pdb, err := d.kinds.PrimaryDB(kind.KindRevTimestamp)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(newDoc)
	if err != nil {
		return err
	}
	if err := storage.PutShardAware(pdb, txn.KV(), dbid.MainShard, id.Bytes(), raw); err != nil {
		return err
	}
	_, err = d.kinds.Update(txn, kind.KindRevTimestamp, nil, newDoc, kind.OpInsert)
	return err
}

// revAtOrBefore returns the largest recorded rev whose RevTimestamp:1 entry
// is at or before cutoff.
func (d *Database) revAtOrBefore(txn *storage.Txn, cutoff time.Time) (int64, bool, error) {
	k, ok := d.kinds.Lookup(kind.KindRevTimestamp)
	if !ok {
		return 0, false, nil
	}
	q := &query.Query{
		KindID:  kind.KindRevTimestamp,
		Where:   []query.Predicate{{Path: "timestamp", Op: query.OpLe, Value: cutoff.Unix()}},
		OrderBy: []query.OrderTerm{{Path: "timestamp", Desc: true}},
		Limit:   1,
	}
	plan, indexed, err := query.PlanQuery(k.Indexes, q, d.kinds.Collator())
	if err != nil || !indexed {
		return 0, false, err
	}
	c, err := query.NewCursor(txn, d.kinds.IndexesDB(), d.kinds.PrimaryDB, kind.KindRevTimestamp, plan, nil, d.metrics)
	if err != nil {
		return 0, false, err
	}
	row, found, err := c.Next()
	if err != nil || !found {
		return 0, false, err
	}
	rev, _ := row.Doc["rev"].(float64)
	return int64(rev), true, nil
}

// purgeKind hard-deletes every tombstoned document of kindID whose _rev is
// at or before cutoffRev, via a plain primary-store scan (tombstones are
// rare enough relative to live rows that a dedicated index isn't worth the
// upkeep cost every other write would pay).
func (d *Database) purgeKind(txn *storage.Txn, kindID string, cutoffRev int64) (int, error) {
	k, ok := d.kinds.Lookup(kindID)
	if !ok {
		return 0, nil
	}
	pdb, err := d.kinds.PrimaryDB(kindID)
	if err != nil {
		return 0, err
	}
	c, err := pdb.Cursor(txn.KV())
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var toDelete []dbid.ID
	for key, val, ok, err := c.First(); ; key, val, ok, err = c.Next() {
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		_, logical, ok := storage.SplitShardKey(key)
		if !ok {
			continue
		}
		var m map[string]interface{}
		if json.Unmarshal(val, &m) != nil {
			continue
		}
		d2 := doc.Doc(m)
		if !doc.IsTombstone(d2) {
			continue
		}
		rev, _ := d2[doc.KeyRev].(float64)
		if int64(rev) > cutoffRev {
			continue
		}
		id, err := dbid.FromBytes(logical)
		if err != nil {
			continue
		}
		toDelete = append(toDelete, id)
	}

	for _, id := range toDelete {
		raw, found, err := storage.GetShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes())
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		var m map[string]interface{}
		_ = json.Unmarshal(raw, &m)
		oldDoc := doc.Doc(m)
		if err := storage.DeleteShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes()); err != nil {
			return 0, err
		}
		txn.OffsetQuota(k.Owner, kindID, -int64(len(raw)))
		if _, err := d.kinds.Update(txn, kindID, oldDoc, nil, kind.OpDelete); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// dropConsumedWatermarks removes every RevTimestamp:1 record at or before
// cutoffRev — once purge has consulted a watermark it has no further use,
// and the table would otherwise grow without bound.
func (d *Database) dropConsumedWatermarks(txn *storage.Txn, cutoffRev int64) error {
	pdb, err := d.kinds.PrimaryDB(kind.KindRevTimestamp)
	if err != nil {
		return err
	}
	c, err := pdb.Cursor(txn.KV())
	if err != nil {
		return err
	}
	defer c.Close()

	var toDelete []dbid.ID
	for key, val, ok, err := c.First(); ; key, val, ok, err = c.Next() {
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		_, logical, ok := storage.SplitShardKey(key)
		if !ok {
			continue
		}
		var m map[string]interface{}
		if json.Unmarshal(val, &m) != nil {
			continue
		}
		rev, _ := m["rev"].(float64)
		if int64(rev) > cutoffRev {
			continue
		}
		id, err := dbid.FromBytes(logical)
		if err != nil {
			continue
		}
		toDelete = append(toDelete, id)
	}
	for _, id := range toDelete {
		if err := storage.DeleteShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes()); err != nil {
			return err
		}
		if _, err := d.kinds.Update(txn, kind.KindRevTimestamp, doc.Doc{doc.KeyID: id.String()}, nil, kind.OpDelete); err != nil {
			return err
		}
	}
	return nil
}

// DumpResult reports what a Dump call wrote.
type DumpResult struct {
	Files          int
	Count          int
	Version        int
	Full           bool
	Warnings       int
	Description    string
	IncrementalKey int64
	HasMore        bool
}

// Dump writes every kind document, then every live document of every kind
// with _rev greater than incrementalKey, as newline-terminated JSON to
// path. maxBytes, when positive, caps how much Dump writes in one call;
// reaching it stops the dump early and returns HasMore=true along with the
// watermark to resume from on the next call.
func (d *Database) Dump(ctx context.Context, path string, incrementalKey int64, maxBytes int64) (DumpResult, error) {
	f, err := os.Create(path)
	if err != nil {
		return DumpResult{}, shardberr.Wrap(shardberr.CodeFatal, "dump: failed to create output file", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	res := DumpResult{Version: DatabaseVersion, Full: incrementalKey == 0, Files: 1}
	var written int64

	err = d.runTxn(ctx, false, func(txn *storage.Txn) error {
		for _, k := range d.kinds.Kinds() {
			kDoc := k.ToDoc()
			kDoc[doc.KeyKind] = kind.KindKind
			line, err := json.Marshal(kDoc)
			if err != nil {
				res.Warnings++
				continue
			}
			n, err := w.Write(append(line, '\n'))
			if err != nil {
				return err
			}
			written += int64(n)
			res.Count++
		}

		for _, k := range d.kinds.Kinds() {
			n, maxRev, hasMore, err := d.dumpKind(w, txn, k.ID, incrementalKey, maxBytes, &written, &res.Warnings)
			if err != nil {
				return err
			}
			res.Count += n
			if maxRev > res.IncrementalKey {
				res.IncrementalKey = maxRev
			}
			if hasMore {
				res.HasMore = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return DumpResult{}, err
	}
	if err := w.Flush(); err != nil {
		return DumpResult{}, err
	}
	res.Description = fmt.Sprintf("shardb dump, version %d", DatabaseVersion)
	return res, nil
}

func (d *Database) dumpKind(w *bufio.Writer, txn *storage.Txn, kindID string, incrementalKey, maxBytes int64, written *int64, warnings *int) (count int, maxRev int64, hasMore bool, err error) {
	pdb, err := d.kinds.PrimaryDB(kindID)
	if err != nil {
		return 0, 0, false, err
	}
	c, err := pdb.Cursor(txn.KV())
	if err != nil {
		return 0, 0, false, err
	}
	defer c.Close()

	for _, val, ok, err := c.First(); ; _, val, ok, err = c.Next() {
		if err != nil {
			return count, maxRev, false, err
		}
		if !ok {
			break
		}
		var m map[string]interface{}
		if json.Unmarshal(val, &m) != nil {
			*warnings++
			continue
		}
		d2 := doc.Doc(m)
		rev, _ := d2[doc.KeyRev].(float64)
		if int64(rev) <= incrementalKey {
			continue
		}
		if int64(rev) > maxRev {
			maxRev = int64(rev)
		}
		line, err := json.Marshal(d2)
		if err != nil {
			*warnings++
			continue
		}
		n, err := w.Write(append(line, '\n'))
		if err != nil {
			return count, maxRev, false, err
		}
		*written += int64(n)
		count++
		if maxBytes > 0 && *written >= maxBytes {
			return count, maxRev, true, nil
		}
	}
	return count, maxRev, false, nil
}

// Load restores a dump written by Dump: kind documents (recognized by
// _kind == Kind:1) are installed via PutKind first, then every other record
// is written back to its primary store verbatim — _id and _rev are
// preserved exactly rather than reassigned, so a restored database's
// documents keep the revisions the dump captured them at. Writes are
// checkpointed (committed) every AutoBatchSize records, matching put/merge's
// own batching threshold.
func (d *Database) Load(ctx context.Context, req *Request, path string) (int, error) {
	req = requestOrDefault(req)
	f, err := os.Open(path)
	if err != nil {
		return 0, shardberr.Wrap(shardberr.CodeFatal, "load: failed to open input file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var total int
	var batch []doc.Doc
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := d.loadBatch(ctx, req, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(line, &m); err != nil {
			return total, shardberr.Wrap(shardberr.CodeIntegrity, "load: corrupt record", err)
		}
		d2 := doc.Doc(m)
		if kindID, _ := d2[doc.KeyKind].(string); kindID == kind.KindKind {
			if err := flush(); err != nil {
				return total, err
			}
			if err := d.PutKind(ctx, req, d2); err != nil {
				return total, err
			}
			total++
			continue
		}
		batch = append(batch, d2)
		if len(batch) >= d.cfg.autoBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func (d *Database) loadBatch(ctx context.Context, req *Request, objs []doc.Doc) error {
	release := d.kinds.Lock(false)
	defer release()
	changed := map[string][][]byte{}
	return d.runTxn(ctx, true, func(txn *storage.Txn) error {
		for _, obj := range objs {
			if err := d.loadOne(txn, obj, changed); err != nil {
				return err
			}
		}
		if len(changed) > 0 {
			// watches don't need importing a cold-start dump/load; consumers
			// reattach against the live database once Load returns.
		}
		return nil
	})
}

func (d *Database) loadOne(txn *storage.Txn, obj doc.Doc, changed map[string][][]byte) error {
	kindID, _ := obj[doc.KeyKind].(string)
	if kindID == "" {
		return shardberr.New(shardberr.CodeValidation, "load: record missing _kind")
	}
	idStr, _ := obj[doc.KeyID].(string)
	if idStr == "" {
		return shardberr.New(shardberr.CodeValidation, "load: record missing _id")
	}
	id, err := dbid.Parse(idStr)
	if err != nil {
		return shardberr.Wrap(shardberr.CodeValidation, "load: invalid _id", err)
	}
	k, ok := d.kinds.Lookup(kindID)
	if !ok {
		return shardberr.Wrap(shardberr.CodeValidation, "load: unknown kind "+kindID, shardberr.ErrUnknownKind)
	}
	pdb, err := d.kinds.PrimaryDB(kindID)
	if err != nil {
		return err
	}
	existingRaw, found, err := storage.GetShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes())
	if err != nil {
		return err
	}
	var oldDoc doc.Doc
	var before int
	if found {
		var m map[string]interface{}
		if json.Unmarshal(existingRaw, &m) == nil {
			oldDoc = doc.Doc(m)
		}
		before = len(existingRaw)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if err := storage.PutShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes(), raw); err != nil {
		return err
	}
	txn.OffsetQuota(k.Owner, kindID, int64(len(raw)-before))

	op := kind.OpInsert
	if oldDoc != nil {
		op = kind.OpUpdate
	}
	keys, err := d.kinds.Update(txn, kindID, oldDoc, obj, op)
	if err != nil {
		return err
	}
	changed[kindID] = append(changed[kindID], id.Bytes())
	changed[kindID] = append(changed[kindID], keys...)
	return nil
}
