// Package shard implements the shard engine: allocating a stable 32-bit id
// for each removable storage device, mounting and unmounting the shard under
// the schema write lock, and garbage-collecting documents left behind by a
// kind whose index configuration has drifted since the shard was last seen.
package shard

import (
	"context"
	"encoding/json"
	"hash/crc32"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/metrics"
	"github.com/nkrause/shardb/internal/query"
	"github.com/nkrause/shardb/internal/shardberr"
	"github.com/nkrause/shardb/internal/storage"
)

// maxPrefixRetry bounds how many times allocateID bumps the 8-bit prefix
// before giving up on the current 24-bit hash and re-hashing a perturbed
// device id.
const maxPrefixRetry = 128

// Info is one shard's registration record, persisted as a document of the
// ShardInfo1:1 built-in kind.
type Info struct {
	ID             uint32
	DeviceID       string
	DeviceURI      string
	MountPath      string
	DeviceName     string
	ParentDeviceID string
	Active         bool
	Transient      bool
	DatabasePath   string
}

func (i Info) toDoc(docID dbid.ID) doc.Doc {
	return doc.Doc{
		doc.KeyID:        docID.String(),
		"id":             int64(i.ID),
		"deviceId":       i.DeviceID,
		"deviceUri":      i.DeviceURI,
		"mountPath":      i.MountPath,
		"deviceName":     i.DeviceName,
		"parentDeviceId": i.ParentDeviceID,
		"active":         i.Active,
		"transient":      i.Transient,
		"databasePath":   i.DatabasePath,
	}
}

func infoFromDoc(d doc.Doc) Info {
	id, _ := d["id"].(float64)
	deviceID, _ := d["deviceId"].(string)
	deviceURI, _ := d["deviceUri"].(string)
	mountPath, _ := d["mountPath"].(string)
	deviceName, _ := d["deviceName"].(string)
	parent, _ := d["parentDeviceId"].(string)
	active, _ := d["active"].(bool)
	transient, _ := d["transient"].(bool)
	dbPath, _ := d["databasePath"].(string)
	return Info{
		ID: uint32(id), DeviceID: deviceID, DeviceURI: deviceURI, MountPath: mountPath,
		DeviceName: deviceName, ParentDeviceID: parent, Active: active, Transient: transient,
		DatabasePath: dbPath,
	}
}

// Mounter is the storage-side collaborator a Engine drives when a shard's
// active flag flips. Our badgerkv/memkv engines keep every shard's data in
// one physical store under a key prefix (see internal/storage's
// shard-header scheme), so mounting doesn't open a distinct sub-store —
// Mounter exists so a future engine that does segregate shards physically
// has a seam to plug into.
type Mounter interface {
	MountShard(id uint32, databasePath string) error
	UnmountShard(id uint32) error
}

// Engine allocates shard ids, mounts/unmounts shards, and drops documents a
// shard carries for a kind whose configuration has drifted since the shard
// was last seen active.
type Engine struct {
	kinds   *kind.Engine
	mounter Mounter
	space   SpacePolicy
	metrics metrics.Sink
	logger  *zap.Logger

	databasePrefix string
	onStatusChange []func(Info)
}

// New constructs an Engine. mounter may be nil when the concrete storage
// engine keeps every shard's data in one physical store (our default).
func New(kinds *kind.Engine, mounter Mounter, space SpacePolicy, m metrics.Sink, logger *zap.Logger) *Engine {
	if m == nil {
		m = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{kinds: kinds, mounter: mounter, space: space, metrics: m, logger: logger, databasePrefix: ".shardb"}
}

// OnStatusChange registers fn to be called, synchronously, every time
// ProcessShardInfo finishes applying a shard's new state — the Go analogue
// of the original engine's shardStatusChanged signal.
func (e *Engine) OnStatusChange(fn func(Info)) {
	e.onStatusChange = append(e.onStatusChange, fn)
}

func (e *Engine) primaryDB() (kv.Database, error) {
	return e.kinds.PrimaryDB(kind.KindShardInfo)
}

// allocateID derives a stable 32-bit shard id for deviceID: a 24-bit CRC32
// of the device id, OR'd with an 8-bit prefix starting at 1 and bumped on
// collision against already-registered shards; after maxPrefixRetry
// collisions the device id is perturbed and re-hashed. The result is never
// zero, since dbid.MainShard (0) always means "not sharded".
func (e *Engine) allocateID(txn *storage.Txn, deviceID string) (uint32, error) {
	candidate := deviceID
	for suffix := 1; ; suffix++ {
		hash := crc32.ChecksumIEEE([]byte(candidate)) & 0x00FFFFFF
		for prefix := uint32(1); prefix < maxPrefixRetry; prefix++ {
			id := hash | (prefix << 24)
			_, found, err := e.GetByID(txn, id)
			if err != nil {
				return 0, err
			}
			if !found {
				return id, nil
			}
			e.logger.Warn("shard: id collision, bumping prefix", zap.Uint32("id", id), zap.Uint32("prefix", prefix))
		}
		candidate = deviceID + string(rune('0'+(suffix%10)))
	}
}

// GetByID returns the currently registered shard record for id, via the
// "id" index on ShardInfo1:1.
func (e *Engine) GetByID(txn *storage.Txn, id uint32) (Info, bool, error) {
	return e.lookup(txn, "id", int64(id))
}

// GetByDeviceID returns the currently registered shard record for a device
// id, via the "deviceId" index on ShardInfo1:1.
func (e *Engine) GetByDeviceID(txn *storage.Txn, deviceID string) (Info, bool, error) {
	return e.lookup(txn, "deviceId", deviceID)
}

func (e *Engine) lookup(txn *storage.Txn, path string, value interface{}) (Info, bool, error) {
	k, ok := e.kinds.Lookup(kind.KindShardInfo)
	if !ok {
		return Info{}, false, shardberr.Wrap(shardberr.CodeIntegrity, "shard: ShardInfo1:1 not installed", shardberr.ErrUnknownKind)
	}
	q := &query.Query{KindID: kind.KindShardInfo, Where: []query.Predicate{{Path: path, Op: query.OpEq, Value: value}}, Limit: 1}
	plan, ok, err := query.PlanQuery(k.Indexes, q, e.kinds.Collator())
	if err != nil {
		return Info{}, false, err
	}
	if !ok {
		return Info{}, false, nil
	}
	c, err := query.NewCursor(txn, e.kinds.IndexesDB(), e.kinds.PrimaryDB, kind.KindShardInfo, plan, nil, e.metrics)
	if err != nil {
		return Info{}, false, err
	}
	row, found, err := c.Next()
	if err != nil || !found {
		return Info{}, false, err
	}
	return infoFromDoc(row.Doc), true, nil
}

// ActiveShards returns every shard currently marked active — used by the
// facade's query path to build the default exclusion set when a Query
// doesn't opt into IncludeInactiveShards. ShardInfo1:1 carries no index
// over "active" (a boolean has no useful range-scan order), so this always
// falls back to a full-table search, matching the original engine's own
// full-scan implementation of the same query.
func (e *Engine) ActiveShards(txn *storage.Txn) ([]Info, error) {
	if _, ok := e.kinds.Lookup(kind.KindShardInfo); !ok {
		return nil, shardberr.Wrap(shardberr.CodeIntegrity, "shard: ShardInfo1:1 not installed", shardberr.ErrUnknownKind)
	}
	pdb, err := e.primaryDB()
	if err != nil {
		return nil, err
	}
	q := &query.Query{KindID: kind.KindShardInfo, Where: []query.Predicate{{Path: "active", Op: query.OpEq, Value: true}}}
	docs, err := query.Search(context.Background(), txn, pdb, kind.KindShardInfo, q, query.SearchOptions{}, e.metrics)
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(docs))
	for i, d := range docs {
		out[i] = infoFromDoc(d)
	}
	return out, nil
}

func (e *Engine) putInfo(txn *storage.Txn, info Info, existingDocID *dbid.ID) error {
	var id dbid.ID
	if existingDocID != nil {
		id = *existingDocID
	} else {
		var err error
		id, err = dbid.New(dbid.MainShard)
		if err != nil {
			return err
		}
	}
	d := info.toDoc(id)
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pdb, err := e.primaryDB()
	if err != nil {
		return err
	}
	var oldDoc doc.Doc
	if existingDocID != nil {
		if existing, found, err := storage.GetShardAware(pdb, txn.KV(), dbid.MainShard, id.Bytes()); err == nil && found {
			var m map[string]interface{}
			if json.Unmarshal(existing, &m) == nil {
				oldDoc = doc.Doc(m)
			}
		}
	}
	if err := storage.PutShardAware(pdb, txn.KV(), dbid.MainShard, id.Bytes(), raw); err != nil {
		return err
	}
	op := kind.OpInsert
	if oldDoc != nil {
		op = kind.OpUpdate
	}
	_, err = e.kinds.Update(txn, kind.KindShardInfo, oldDoc, d, op)
	return err
}

// docIDFor resolves the _id a previously-persisted Info document carries,
// needed by putInfo to update in place instead of inserting a duplicate.
func (e *Engine) docIDFor(txn *storage.Txn, id uint32) (*dbid.ID, error) {
	k, ok := e.kinds.Lookup(kind.KindShardInfo)
	if !ok {
		return nil, nil
	}
	q := &query.Query{KindID: kind.KindShardInfo, Where: []query.Predicate{{Path: "id", Op: query.OpEq, Value: int64(id)}}, Limit: 1}
	plan, ok, err := query.PlanQuery(k.Indexes, q, e.kinds.Collator())
	if err != nil || !ok {
		return nil, err
	}
	c, err := query.NewCursor(txn, e.kinds.IndexesDB(), e.kinds.PrimaryDB, kind.KindShardInfo, plan, nil, e.metrics)
	if err != nil {
		return nil, err
	}
	row, found, err := c.Next()
	if err != nil || !found {
		return nil, err
	}
	s, _ := row.Doc[doc.KeyID].(string)
	docID, err := dbid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &docID, nil
}

// ProcessShardInfo is the single entry point every mount/unmount event from
// the host's media-mount notifier (or a manual admin call) funnels through:
// it looks the device up (allocating a fresh id the first time it's ever
// seen), mounts or unmounts it, persists the updated record, drops garbage
// left behind by a kind whose hash has drifted, and fires every registered
// status-change callback.
func (e *Engine) ProcessShardInfo(txn *storage.Txn, in Info) (Info, error) {
	if in.DeviceID == "" {
		// A mount with no stable hardware-assigned id (a loopback or network
		// mount, say) still needs a distinct device id, or every such mount
		// would collide on the empty string at lookup.
		in.DeviceID = uuid.NewString()
	}
	existing, found, err := e.GetByDeviceID(txn, in.DeviceID)
	if err != nil {
		return Info{}, err
	}

	result := existing
	result.DeviceURI = in.DeviceURI
	result.DeviceName = in.DeviceName
	result.MountPath = in.MountPath
	result.Active = in.Active
	result.Transient = result.Transient || in.Transient
	result.ParentDeviceID = in.ParentDeviceID

	var docID *dbid.ID
	if !found {
		id, err := e.allocateID(txn, in.DeviceID)
		if err != nil {
			return Info{}, err
		}
		result.ID = id
		result.DeviceID = in.DeviceID
		result.Transient = in.Transient
		e.logger.Info("shard: allocated new shard id", zap.String("deviceId", in.DeviceID), zap.Uint32("id", id))
	} else {
		docID, err = e.docIDFor(txn, existing.ID)
		if err != nil {
			return Info{}, err
		}
	}

	if result.Active {
		path, err := e.databasePath(result)
		if err != nil {
			return Info{}, err
		}
		result.DatabasePath = path
		if e.mounter != nil {
			if err := e.mounter.MountShard(result.ID, result.DatabasePath); err != nil {
				return Info{}, err
			}
		}
		e.metrics.IncShardMount()
	} else if e.mounter != nil {
		if err := e.mounter.UnmountShard(result.ID); err != nil {
			e.logger.Warn("shard: unmount failed", zap.Uint32("id", result.ID), zap.Error(err))
		}
		e.metrics.IncShardUnmount()
	}

	if found && !result.Active && result.Transient {
		if err := e.removeTransientShard(txn, result); err != nil {
			return Info{}, err
		}
	} else if err := e.putInfo(txn, result, docID); err != nil {
		return Info{}, err
	}

	if result.Active {
		if err := e.dropGarbage(txn, result.ID); err != nil {
			return Info{}, err
		}
		if err := e.putKindHashes(txn, result.ID); err != nil {
			return Info{}, err
		}
	}

	for _, fn := range e.onStatusChange {
		fn(result)
	}
	return result, nil
}

// removeTransientShard wipes every key a now-deactivated transient shard
// left behind across every kind's primary store and every secondary index,
// then deletes its ShardInfo1:1 record entirely rather than leaving behind
// a permanently-inactive tombstone record.
func (e *Engine) removeTransientShard(txn *storage.Txn, info Info) error {
	for _, k := range e.kinds.Kinds() {
		pdb, err := e.kinds.PrimaryDB(k.ID)
		if err != nil {
			return err
		}
		if err := storage.DropShard(pdb, txn.KV(), info.ID); err != nil {
			return err
		}
	}
	if err := storage.DropShard(e.kinds.IndexesDB(), txn.KV(), info.ID); err != nil {
		return err
	}
	docID, err := e.docIDFor(txn, info.ID)
	if err != nil || docID == nil {
		return err
	}
	pdb, err := e.primaryDB()
	if err != nil {
		return err
	}
	return storage.DeleteShardAware(pdb, txn.KV(), dbid.MainShard, docID.Bytes())
}

// databasePath derives the filesystem path a shard's data would live under
// if the storage engine physically segregated shards, and runs the
// free-space policy against it before returning. Our key-prefix-based
// engines never actually open a sub-store at this path, but the health
// check and the path computation itself are still meaningful bookkeeping.
// If info.MountPath fails the policy's check and a FallbackPath is
// configured, the fallback is tried once before giving up.
func (e *Engine) databasePath(info Info) (string, error) {
	path := info.MountPath + "/" + e.databasePrefix
	if e.space.Check == nil {
		return path, nil
	}
	if err := e.space.Check(path); err == nil {
		return path, nil
	} else if e.space.FallbackPath == "" {
		return "", shardberr.Wrap(shardberr.CodeCapacity, "shard: insufficient free space", err)
	}
	fallback := e.space.FallbackPath + "/" + e.databasePrefix
	if err := e.space.Check(fallback); err != nil {
		return "", shardberr.Wrap(shardberr.CodeCapacity, "shard: insufficient free space on mount and fallback path", err)
	}
	e.logger.Warn("shard: mount path failed free-space check, using fallback path",
		zap.String("deviceId", info.DeviceID), zap.String("mountPath", info.MountPath), zap.String("fallbackPath", e.space.FallbackPath))
	return fallback, nil
}
