// Package dbid implements the document _id layout: a 32-bit shard prefix
// followed by a random tail, chosen so that all documents of one shard sort
// into a contiguous lexicographic run.
package dbid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// rawLen is the total byte length of an _id: 4 bytes of shard prefix plus a
// 12-byte random tail, hex-encoded for the string form used on the wire.
const (
	prefixLen = 4
	tailLen   = 12
	rawLen    = prefixLen + tailLen
)

// MainShard is the reserved prefix meaning "not sharded".
const MainShard uint32 = 0

// ID is the opaque, shard-prefixed document identifier.
type ID [rawLen]byte

// New allocates a fresh random ID for the given shard prefix.
func New(shardPrefix uint32) (ID, error) {
	var id ID
	binary.BigEndian.PutUint32(id[:prefixLen], shardPrefix)
	if _, err := rand.Read(id[prefixLen:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

// ShardPrefix recovers the shard prefix embedded in id, in O(1).
func (id ID) ShardPrefix() uint32 {
	return binary.BigEndian.Uint32(id[:prefixLen])
}

// String renders the id as lowercase hex, safe for use as a map key or in
// JSON responses.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw key-space representation of id (used directly as the
// primary-entry key and as the trailing component of index-entry keys).
func (id ID) Bytes() []byte {
	out := make([]byte, rawLen)
	copy(out, id[:])
	return out
}

// Parse decodes the hex string form produced by String.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	if len(b) != rawLen {
		return ID{}, errors.New("dbid: invalid id length")
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// FromBytes wraps a raw rawLen-byte slice (e.g. the trailing component of an
// index-entry key) back into an ID without re-copying more than necessary.
func FromBytes(b []byte) (ID, error) {
	if len(b) != rawLen {
		return ID{}, errors.New("dbid: invalid id length")
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// RawLen exposes rawLen for callers that need to size index-entry key
// buffers (internal/index) without importing encoding details.
const RawLen = rawLen

// Deterministic derives a stable ID for shardPrefix from seed, instead of a
// random tail — used by single-row-per-key built-ins (the per-owner Quota:1
// ledger) that need to find their own prior document again without a lookup
// index.
func Deterministic(shardPrefix uint32, seed []byte) ID {
	var id ID
	binary.BigEndian.PutUint32(id[:prefixLen], shardPrefix)
	sum := sha256.Sum256(seed)
	copy(id[prefixLen:], sum[:tailLen])
	return id
}
