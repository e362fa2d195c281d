// Package index implements secondary index extraction and index-entry key
// encoding: turning a document into the set of sort keys an index should
// carry for it, and encoding those sort keys into an order-preserving byte
// string usable as a kv range-scan key.
package index

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
)

// Tokenization controls how a string-valued property fans out into multiple
// index entries.
type Tokenization int

const (
	TokenNone Tokenization = iota
	TokenAll               // one key per whitespace-separated token
	TokenWords             // one key per unicode word-boundary token
)

// PropertySpec is one property of a compound index: its path, the collation
// strength string values at this position compare at, how (if at all) a
// string value tokenizes into multiple keys, and the default value used when
// the property is absent from a document (nil means "don't index this
// document at all" when the property is missing).
type PropertySpec struct {
	Path         string
	Collation    Collation
	Tokenization Tokenization
	Default      interface{}
}

// Index is one secondary index: an ordered list of properties, an
// engine-assigned id unique within its kind, and whether tombstones
// (_del=true documents) are still indexed (the `_sync`+`_rev` backup path
// needs this; ordinary indexes don't).
type Index struct {
	ID     uint32
	Name   string
	Props  []PropertySpec
	IncDel bool
}

// PropertyPaths returns the ordered property path list, used by the planner
// to test whether this index's property list is a prefix of a query's
// predicate/order requirement.
func (ix *Index) PropertyPaths() []string {
	out := make([]string, len(ix.Props))
	for i, p := range ix.Props {
		out[i] = p.Path
	}
	return out
}

// Extract computes the set of compound index-key prefixes (one per
// combination produced by array/tokenization fan-out across properties) this
// document contributes to the index, not yet combined with the trailing _id.
// A nil, nil result means the document is not indexed here at all (tombstone
// excluded, or a required property missing with no default).
func (ix *Index) Extract(d doc.Doc, collator Collator) ([][]byte, error) {
	if doc.IsTombstone(d) && !ix.IncDel {
		return nil, nil
	}

	candidates := [][]byte{{}}
	for _, prop := range ix.Props {
		segs, err := propertySegments(d, prop, collator)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			if prop.Default == nil {
				return nil, nil
			}
			seg, err := encodeScalar(prop.Default, prop.Collation, collator)
			if err != nil {
				return nil, err
			}
			segs = [][]byte{seg}
		}
		next := make([][]byte, 0, len(candidates)*len(segs))
		for _, c := range candidates {
			for _, s := range segs {
				next = append(next, appendComponent(c, s))
			}
		}
		candidates = next
	}
	return candidates, nil
}

// propertySegments returns the raw (unescaped) encoded candidate values for
// one property of one document — more than one when the value is an array
// or a tokenized string.
func propertySegments(d doc.Doc, prop PropertySpec, collator Collator) ([][]byte, error) {
	v, ok := doc.GetPath(d, prop.Path)
	if !ok {
		return nil, nil
	}
	if arr, ok := v.([]interface{}); ok {
		var out [][]byte
		for _, elem := range arr {
			segs, err := scalarSegments(elem, prop, collator)
			if err != nil {
				return nil, err
			}
			out = append(out, segs...)
		}
		return out, nil
	}
	return scalarSegments(v, prop, collator)
}

func scalarSegments(v interface{}, prop PropertySpec, collator Collator) ([][]byte, error) {
	s, isString := v.(string)
	if isString && prop.Tokenization != TokenNone {
		tokens := tokenize(s, prop.Tokenization)
		out := make([][]byte, 0, len(tokens))
		for _, tok := range tokens {
			seg, err := encodeScalar(tok, prop.Collation, collator)
			if err != nil {
				return nil, err
			}
			out = append(out, seg)
		}
		return out, nil
	}
	seg, err := encodeScalar(v, prop.Collation, collator)
	if err != nil {
		return nil, err
	}
	return [][]byte{seg}, nil
}

func tokenize(s string, mode Tokenization) []string {
	switch mode {
	case TokenAll:
		return strings.Fields(s)
	case TokenWords:
		var words []string
		var cur strings.Builder
		for _, r := range s {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				cur.WriteRune(r)
				continue
			}
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		}
		if cur.Len() > 0 {
			words = append(words, cur.String())
		}
		return words
	default:
		return []string{s}
	}
}

// Type tags, ordered so that byte-comparing tagged components sorts
// heterogeneous values at the same property path by type first.
const (
	tagNull   byte = 0
	tagFalse  byte = 1
	tagTrue   byte = 2
	tagNumber byte = 3
	tagString byte = 4
	tagBytes  byte = 5
)

// encodeScalar produces the order-preserving, untagged-boundary component
// for one scalar value: a leading type tag byte followed by a fixed or
// collator-produced value encoding. The result still needs escaping (see
// appendComponent) before it's safe to concatenate with other components.
func encodeScalar(v interface{}, level Collation, collator Collator) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{tagNull}, nil
	case bool:
		if t {
			return []byte{tagTrue}, nil
		}
		return []byte{tagFalse}, nil
	case int:
		return encodeInt(int64(t)), nil
	case int64:
		return encodeInt(t), nil
	case float64:
		return encodeFloat(t), nil
	case string:
		if collator == nil {
			return append([]byte{tagString}, []byte(t)...), nil
		}
		return append([]byte{tagString}, collator.Key(level, t)...), nil
	case []byte:
		return append([]byte{tagBytes}, t...), nil
	default:
		return nil, errors.New("index: unsupported value type for index key")
	}
}

func encodeInt(v int64) []byte {
	out := make([]byte, 9)
	out[0] = tagNumber
	binary.BigEndian.PutUint64(out[1:], uint64(v)^(1<<63))
	return out
}

// encodeFloat uses the standard order-preserving transform for IEEE-754
// doubles: flip the sign bit for non-negatives, flip every bit for
// negatives, so big-endian byte comparison matches numeric order (NaN
// excluded — callers must reject NaN before indexing).
func encodeFloat(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 9)
	out[0] = tagNumber
	binary.BigEndian.PutUint64(out[1:], bits)
	return out
}

// appendComponent appends comp to buf, escaping any 0x00 byte within comp as
// 0x00 0xFF and terminating the component with 0x00 0x00 — the classic
// escaped-terminator trick that makes concatenated, variable-length
// components byte-comparable in the same order as the component sequence.
func appendComponent(buf, comp []byte) []byte {
	out := append([]byte(nil), buf...)
	for _, b := range comp {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, b)
		}
	}
	return append(out, 0x00, 0x00)
}

// EntryKey builds the full index-entry key for a compound value (as
// produced by Extract) in this index, trailed by the document id so entries
// are unique and a cursor can recover the document without a second lookup.
func EntryKey(indexID uint32, compound []byte, id dbid.ID) []byte {
	out := make([]byte, 0, 4+len(compound)+dbid.RawLen)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], indexID)
	out = append(out, idBuf[:]...)
	out = append(out, compound...)
	out = append(out, id.Bytes()...)
	return out
}

// BoundValue encodes a single predicate value at the property's collation
// for use in a query planner range boundary — the escaped-and-terminated
// form, ready to be concatenated after any fixed prefix components.
func BoundValue(prop PropertySpec, v interface{}, collator Collator) ([]byte, error) {
	seg, err := encodeScalar(v, prop.Collation, collator)
	if err != nil {
		return nil, err
	}
	return appendComponent(nil, seg), nil
}

// IndexIDPrefix returns the 4-byte big-endian prefix identifying every entry
// of index id within its sub-database.
func IndexIDPrefix(indexID uint32) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], indexID)
	return out[:]
}
