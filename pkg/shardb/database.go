package shardb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "github.com/nkrause/shardb/internal/kv/badgerkv"
	_ "github.com/nkrause/shardb/internal/kv/memkv"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/metrics"
	"github.com/nkrause/shardb/internal/shard"
	"github.com/nkrause/shardb/internal/shardberr"
	"github.com/nkrause/shardb/internal/storage"
	"github.com/nkrause/shardb/internal/watch"
)

// DatabaseVersion is the on-disk layout version Open checks at startup. A
// store written by a different version fails Open instead of risking silent
// corruption.
const DatabaseVersion = 8

const versionFileName = "_version"

// engineEnvVar overrides config.engineName when set and no WithEngine option
// was given, mirroring the original engine's single process-wide storage
// backend selection knob.
const engineEnvVar = "SHARDB_ENGINE"

// Database is the open handle every facade operation runs through: the
// selected kv.Engine, the schema/index engine, the shard engine, the watch
// registry and the revision sequence every write consults.
type Database struct {
	cfg *config

	kvEngine kv.Engine
	kinds    *kind.Engine
	shards   *shard.Engine
	watches  *watch.Registry
	quota    *quotaLedger

	revSeq kv.Sequence

	metrics metrics.Sink
	logger  *zap.Logger

	path string
}

// Open prepares (creating if absent) the store at path and returns a ready
// Database. The selected kv.Engine defaults to "badger", overridden by
// SHARDB_ENGINE or WithEngine.
func Open(ctx context.Context, path string, opts ...Option) (*Database, error) {
	cfg := defaultConfig()
	if env := os.Getenv(engineEnvVar); env != "" {
		cfg.engineName = env
	}
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	if err := checkVersionFile(path); err != nil {
		return nil, err
	}
	if cfg.space.Check != nil {
		if err := cfg.space.Check(path); err != nil {
			return nil, err
		}
	}

	kvEngine, err := kv.New(cfg.engineName)
	if err != nil {
		return nil, shardberr.Wrap(shardberr.CodeFatal, "open: unknown storage engine "+cfg.engineName, err)
	}
	shardAware := cfg.mounter != nil
	if err := kvEngine.Open(ctx, path, kv.Options{ShardAware: shardAware}); err != nil {
		return nil, shardberr.Wrap(shardberr.CodeFatal, "open: storage engine failed to open", err)
	}

	sink := metrics.New(cfg.registry)
	kinds := kind.New(kvEngine, cfg.logger)

	kvTxn, err := kvEngine.Begin(ctx, true)
	if err != nil {
		_ = kvEngine.Close()
		return nil, err
	}
	txn := storage.New(kvTxn, nil)
	if err := kinds.Open(ctx, txn); err != nil {
		_ = txn.Abort()
		_ = kvEngine.Close()
		return nil, err
	}
	if cfg.locale != "" && cfg.locale != kinds.Locale() {
		if err := kinds.UpdateLocale(txn, cfg.locale, &kind.Request{Caller: "admin"}); err != nil {
			_ = txn.Abort()
			_ = kvEngine.Close()
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		_ = kvEngine.Close()
		return nil, err
	}

	revSeq, err := kvEngine.Sequence("rev", 1000)
	if err != nil {
		_ = kvEngine.Close()
		return nil, err
	}

	quota := newQuotaLedger(kvEngine, kinds)
	watches := watch.New(sink)
	shards := shard.New(kinds, cfg.mounter, cfg.space, sink, cfg.logger)

	db := &Database{
		cfg:      cfg,
		kvEngine: kvEngine,
		kinds:    kinds,
		shards:   shards,
		watches:  watches,
		quota:    quota,
		revSeq:   revSeq,
		metrics:  sink,
		logger:   cfg.logger,
		path:     path,
	}
	return db, nil
}

// Close releases the revision sequence and the underlying kv.Engine. It does
// not remove the on-disk store.
func (d *Database) Close() error {
	if d.revSeq != nil {
		_ = d.revSeq.Release()
	}
	return d.kvEngine.Close()
}

func checkVersionFile(path string) error {
	fp := filepath.Join(path, versionFileName)
	raw, err := os.ReadFile(fp)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return shardberr.Wrap(shardberr.CodeFatal, "open: failed to create database directory", err)
		}
		return os.WriteFile(fp, []byte(fmt.Sprintf("DatabaseVersion=%d\n", DatabaseVersion)), 0o644)
	}
	if err != nil {
		return shardberr.Wrap(shardberr.CodeFatal, "open: failed to read version file", err)
	}
	want := fmt.Sprintf("DatabaseVersion=%d\n", DatabaseVersion)
	if string(raw) != want {
		return shardberr.New(shardberr.CodeFatal, "open: database version mismatch, expected "+want)
	}
	return nil
}

// withRetry runs fn, retrying the whole call up to cfg.deadlockRetries times
// whenever it fails with shardberr.ErrDeadlock, sleeping cfg.deadlockSleep
// between attempts.
func (d *Database) withRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < d.cfg.deadlockRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, shardberr.ErrDeadlock) {
			return err
		}
		lastErr = err
		d.metrics.IncRetry()
		time.Sleep(d.cfg.deadlockSleep)
	}
	return shardberr.Wrap(shardberr.CodeConflict, "exceeded deadlock retry budget", errors.Join(shardberr.ErrMaxRetriesExceeded, lastErr))
}

// runTxn opens a root transaction wired to the quota ledger, runs fn against
// it, and commits — aborting and propagating fn's error if it fails. The
// whole thing is wrapped in withRetry so a deadlock restarts fn from
// scratch against a fresh transaction.
func (d *Database) runTxn(ctx context.Context, writable bool, fn func(txn *storage.Txn) error) error {
	return d.withRetry(func() error {
		kvTxn, err := d.kvEngine.Begin(ctx, writable)
		if err != nil {
			return err
		}
		txn := storage.New(kvTxn, d.quota)
		if err := fn(txn); err != nil {
			_ = txn.Abort()
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		d.metrics.IncCommit()
		return nil
	})
}

// PutResult reports the id/revision a successful put, merge or non-purging
// delete assigned.
type PutResult struct {
	ID  string
	Rev int64
}

// batches splits objects into chunks no larger than cfg.autoBatchSize —
// put/merge/del share one transaction per chunk so a single oversized
// request can't hold the schema lock or a write transaction open
// indefinitely.
func (d *Database) batches(n int) []int {
	size := d.cfg.autoBatchSize
	bounds := make([]int, 0, n/size+2)
	for start := 0; start < n; start += size {
		bounds = append(bounds, start)
	}
	bounds = append(bounds, n)
	return bounds
}

// Put inserts or fully replaces each of objects, assigning a fresh _id to
// any document that doesn't already carry one. shardID is used for newly
// assigned ids only; an existing _id's own shard prefix always wins.
func (d *Database) Put(ctx context.Context, req *Request, objects []doc.Doc, shardID uint32) ([]PutResult, error) {
	return d.write(ctx, req, objects, shardID, false)
}

// Merge recursively folds each of objects into its existing document (doc.Merge),
// inserting it outright if no document with that _id exists yet.
func (d *Database) Merge(ctx context.Context, req *Request, objects []doc.Doc, shardID uint32) ([]PutResult, error) {
	return d.write(ctx, req, objects, shardID, true)
}

func (d *Database) write(ctx context.Context, req *Request, objects []doc.Doc, shardID uint32, merge bool) ([]PutResult, error) {
	req = requestOrDefault(req)
	bounds := d.batches(len(objects))
	results := make([]PutResult, 0, len(objects))
	for i := 0; i+1 < len(bounds); i++ {
		chunk := objects[bounds[i]:bounds[i+1]]
		var chunkResults []PutResult
		err := d.withRetry(func() error {
			var err error
			chunkResults, err = d.writeChunk(ctx, req, chunk, shardID, merge)
			return err
		})
		if err != nil {
			return nil, err
		}
		results = append(results, chunkResults...)
	}
	return results, nil
}

func (d *Database) writeChunk(ctx context.Context, req *Request, chunk []doc.Doc, shardID uint32, merge bool) ([]PutResult, error) {
	release := d.kinds.Lock(false)
	defer release()

	var results []PutResult
	changed := map[string][][]byte{}
	err := d.runTxn(ctx, true, func(txn *storage.Txn) error {
		results = make([]PutResult, 0, len(chunk))
		for _, obj := range chunk {
			r, err := d.putOne(txn, req, obj, shardID, merge, changed)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		if len(changed) > 0 {
			txn.AddMonitor(watch.NewMonitor(d.watches, changed))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Database) putOne(txn *storage.Txn, req *Request, obj doc.Doc, shardID uint32, merge bool, changed map[string][][]byte) (PutResult, error) {
	kindID, _ := obj[doc.KeyKind].(string)
	if kindID == "" {
		return PutResult{}, shardberr.New(shardberr.CodeValidation, "put: document missing _kind")
	}
	k, ok := d.kinds.Lookup(kindID)
	if !ok {
		return PutResult{}, shardberr.Wrap(shardberr.CodeValidation, "put: unknown kind "+kindID, shardberr.ErrUnknownKind)
	}
	if !req.IsAdmin() && k.Owner != "" && k.Owner != req.Caller {
		return PutResult{}, shardberr.New(shardberr.CodePermission, "put: caller does not own kind "+kindID)
	}

	pdb, err := d.kinds.PrimaryDB(kindID)
	if err != nil {
		return PutResult{}, err
	}

	var id dbid.ID
	var oldDoc doc.Doc
	var before int
	if idStr, ok := obj[doc.KeyID].(string); ok && idStr != "" {
		id, err = dbid.Parse(idStr)
		if err != nil {
			return PutResult{}, shardberr.Wrap(shardberr.CodeValidation, "put: invalid _id", err)
		}
		raw, found, err := storage.GetShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes())
		if err != nil {
			return PutResult{}, err
		}
		if found {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) == nil {
				oldDoc = doc.Doc(m)
			}
			before = len(raw)
		}
	} else {
		id, err = dbid.New(shardID)
		if err != nil {
			return PutResult{}, err
		}
	}

	newDoc := doc.Clone(obj)
	if merge && oldDoc != nil {
		newDoc = doc.Merge(oldDoc, obj)
	}
	rev, err := d.revSeq.Next()
	if err != nil {
		return PutResult{}, err
	}
	newDoc[doc.KeyID] = id.String()
	newDoc[doc.KeyKind] = kindID
	newDoc[doc.KeyRev] = int64(rev)

	raw, err := json.Marshal(newDoc)
	if err != nil {
		return PutResult{}, err
	}
	if err := storage.PutShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes(), raw); err != nil {
		return PutResult{}, err
	}
	txn.OffsetQuota(k.Owner, kindID, int64(len(raw)-before))

	op := kind.OpInsert
	if oldDoc != nil {
		op = kind.OpUpdate
	}
	keys, err := d.kinds.Update(txn, kindID, oldDoc, newDoc, op)
	if err != nil {
		return PutResult{}, err
	}
	changed[kindID] = append(changed[kindID], id.Bytes())
	changed[kindID] = append(changed[kindID], keys...)

	return PutResult{ID: id.String(), Rev: int64(rev)}, nil
}

// Get reads each of ids out of kindID's primary store, skipping ids that
// don't exist or are absent for the database's currently active shards.
// Tombstoned documents (_del=true) are skipped the same as missing ones.
func (d *Database) Get(ctx context.Context, kindID string, ids []string) ([]doc.Doc, error) {
	pdb, err := d.kinds.PrimaryDB(kindID)
	if err != nil {
		return nil, err
	}
	var out []doc.Doc
	err = d.runTxn(ctx, false, func(txn *storage.Txn) error {
		for _, s := range ids {
			id, err := dbid.Parse(s)
			if err != nil {
				continue
			}
			raw, found, err := storage.GetShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes())
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			d2 := doc.Doc(m)
			if doc.IsTombstone(d2) {
				continue
			}
			out = append(out, d2)
		}
		return nil
	})
	return out, err
}

// Del removes each of ids from kindID. purge hard-deletes the primary entry
// and its index entries outright; otherwise the document is tombstoned
// (_del=true, _rev bumped) and kept around so a concurrent cursor can still
// observe the deletion once.
func (d *Database) Del(ctx context.Context, req *Request, kindID string, ids []string, purge bool) ([]PutResult, error) {
	req = requestOrDefault(req)
	idList := make([]dbid.ID, 0, len(ids))
	for _, s := range ids {
		id, err := dbid.Parse(s)
		if err != nil {
			return nil, shardberr.Wrap(shardberr.CodeValidation, "del: invalid _id "+s, err)
		}
		idList = append(idList, id)
	}

	bounds := d.batches(len(idList))
	results := make([]PutResult, 0, len(idList))
	for i := 0; i+1 < len(bounds); i++ {
		chunk := idList[bounds[i]:bounds[i+1]]
		var chunkResults []PutResult
		err := d.withRetry(func() error {
			var err error
			chunkResults, err = d.delChunk(ctx, req, kindID, chunk, purge)
			return err
		})
		if err != nil {
			return nil, err
		}
		results = append(results, chunkResults...)
	}
	return results, nil
}

func (d *Database) delChunk(ctx context.Context, req *Request, kindID string, ids []dbid.ID, purge bool) ([]PutResult, error) {
	release := d.kinds.Lock(false)
	defer release()

	var results []PutResult
	changed := map[string][][]byte{}
	err := d.runTxn(ctx, true, func(txn *storage.Txn) error {
		results = make([]PutResult, 0, len(ids))
		for _, id := range ids {
			r, err := d.delOne(txn, req, kindID, id, purge, changed)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		if len(changed) > 0 {
			txn.AddMonitor(watch.NewMonitor(d.watches, changed))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Database) delOne(txn *storage.Txn, req *Request, kindID string, id dbid.ID, purge bool, changed map[string][][]byte) (PutResult, error) {
	k, ok := d.kinds.Lookup(kindID)
	if !ok {
		return PutResult{}, shardberr.Wrap(shardberr.CodeValidation, "del: unknown kind "+kindID, shardberr.ErrUnknownKind)
	}
	pdb, err := d.kinds.PrimaryDB(kindID)
	if err != nil {
		return PutResult{}, err
	}
	raw, found, err := storage.GetShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes())
	if err != nil {
		return PutResult{}, err
	}
	if !found {
		if req.FixMode {
			return PutResult{ID: id.String()}, nil
		}
		return PutResult{}, shardberr.New(shardberr.CodeValidation, "del: "+id.String()+" not found")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		if req.FixMode {
			m = map[string]interface{}{}
		} else {
			return PutResult{}, shardberr.Wrap(shardberr.CodeIntegrity, "del: corrupt record", err)
		}
	}
	oldDoc := doc.Doc(m)

	rev, err := d.revSeq.Next()
	if err != nil {
		return PutResult{}, err
	}

	var keys [][]byte
	if purge {
		if err := storage.DeleteShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes()); err != nil {
			return PutResult{}, err
		}
		txn.OffsetQuota(k.Owner, kindID, -int64(len(raw)))
		keys, err = d.kinds.Update(txn, kindID, oldDoc, nil, kind.OpDelete)
		if err != nil {
			return PutResult{}, err
		}
	} else {
		newDoc := doc.Clone(oldDoc)
		newDoc[doc.KeyDel] = true
		newDoc[doc.KeyRev] = int64(rev)
		out, err := json.Marshal(newDoc)
		if err != nil {
			return PutResult{}, err
		}
		if err := storage.PutShardAware(pdb, txn.KV(), id.ShardPrefix(), id.Bytes(), out); err != nil {
			return PutResult{}, err
		}
		txn.OffsetQuota(k.Owner, kindID, int64(len(out)-len(raw)))
		keys, err = d.kinds.Update(txn, kindID, oldDoc, newDoc, kind.OpUpdate)
		if err != nil {
			return PutResult{}, err
		}
	}
	changed[kindID] = append(changed[kindID], id.Bytes())
	changed[kindID] = append(changed[kindID], keys...)
	return PutResult{ID: id.String(), Rev: int64(rev)}, nil
}

// ReserveIDs allocates count fresh, never-before-issued ids under shardID
// without writing any document — the same dbid.New primitive Put uses for an
// object that doesn't carry an _id yet, exposed directly so a caller can
// pre-assign ids across a batch of documents it hasn't built yet.
func (d *Database) ReserveIDs(count int, shardID uint32) ([]string, error) {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := dbid.New(shardID)
		if err != nil {
			return nil, err
		}
		out = append(out, id.String())
	}
	return out, nil
}
