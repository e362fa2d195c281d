package storage

import (
	"encoding/binary"

	"github.com/nkrause/shardb/internal/kv"
)

// These helpers route a kv.Database operation through its shard-aware
// variant when the concrete Database supports it (kv.ShardDatabase),
// falling back to the plain Database methods only for engines that hand
// back a plain Database; shard 0 (the main shard) is header-prefixed like
// any other shard. Every primary
// and index write in shardb goes through these instead of calling the
// kv.Database methods directly, so shard containment (invariant I3) is
// enforced uniformly regardless of which engine is mounted.

func GetShardAware(db kv.Database, t kv.Txn, shard uint32, key []byte) ([]byte, bool, error) {
	if sd, ok := db.(kv.ShardDatabase); ok {
		return sd.GetShard(t, shard, key)
	}
	return db.Get(t, key)
}

func PutShardAware(db kv.Database, t kv.Txn, shard uint32, key, val []byte) error {
	if sd, ok := db.(kv.ShardDatabase); ok {
		return sd.PutShard(t, shard, key, val)
	}
	return db.Put(t, key, val)
}

func DeleteShardAware(db kv.Database, t kv.Txn, shard uint32, key []byte) error {
	if sd, ok := db.(kv.ShardDatabase); ok {
		return sd.DeleteShard(t, shard, key)
	}
	return db.Delete(t, key)
}

func CursorShardAware(db kv.Database, t kv.Txn, shard uint32) (kv.Cursor, error) {
	if sd, ok := db.(kv.ShardDatabase); ok {
		return sd.CursorShard(t, shard)
	}
	return db.Cursor(t)
}

// DropShard removes every entry written under shard in db, if db supports
// shard-aware storage; it is a no-op on a plain Database (nothing to drop —
// all its data belongs to the main shard).
func DropShard(db kv.Database, t kv.Txn, shard uint32) error {
	if sd, ok := db.(kv.ShardDatabase); ok {
		return sd.DropShard(t, shard)
	}
	return nil
}

// shardHeaderLen is the byte length of the shard-id-plus-separator header
// every shard-aware Database implementation prepends to the logical key (see
// kv/badgerkv and kv/memkv's shardLogicalKey) — 4 bytes big-endian shard id
// plus the 0x1F separator.
const shardHeaderLen = 5

// shardSeparatorByte is the byte following the 4-byte big-endian shard id in
// a physical shard-scoped key (kv/badgerkv's shardHeader, kv/memkv's
// shardLogicalPrefix).
const shardSeparatorByte = 0x1F

// ShardPrefix builds the 5-byte physical header a shard-aware Database
// prepends to every logical key belonging to shard — the same bytes
// SplitShardKey strips back off. Callers that need a range bound scoped to
// one shard's slice of a Database (e.g. deleting one kind's index entries
// for a single shard without touching every other shard's entries) build it
// with this and pass it straight to Database.DeleteRange.
func ShardPrefix(shard uint32) []byte {
	var out [shardHeaderLen]byte
	binary.BigEndian.PutUint32(out[:4], shard)
	out[4] = shardSeparatorByte
	return out[:]
}

// SplitShardKey recovers the shard id and the original logical key from a
// raw key read back via a plain (non-shard-aware) Cursor scan over a
// ShardDatabase — i.e. when a caller iterates every shard's entries at once
// instead of going through CursorShardAware for a single shard. ok is false
// if raw is too short to carry a header.
func SplitShardKey(raw []byte) (shard uint32, logical []byte, ok bool) {
	if len(raw) < shardHeaderLen {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(raw[:4]), raw[shardHeaderLen:], true
}
