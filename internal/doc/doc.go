// Package doc defines the JSON-document value type every other package
// operates on, plus the handful of reserved top-level keys and the merge law
// the facade's merge operation implements.
package doc

import "strings"

// Doc is a document: a tree of string-keyed objects, arrays, and scalars
// (nil, bool, int64, float64, string, []byte).
type Doc map[string]interface{}

// Reserved top-level keys.
const (
	KeyID   = "_id"
	KeyKind = "_kind"
	KeyRev  = "_rev"
	KeyDel  = "_del"
	KeySync = "_sync"
)

// Clone returns a deep copy of d, recursing through nested Doc and []any
// values (scalars are copied by value already).
func Clone(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Doc:
		return Clone(t)
	case map[string]interface{}:
		return Clone(Doc(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// IsTombstone reports whether d carries _del=true.
func IsTombstone(d Doc) bool {
	v, ok := d[KeyDel]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetPath resolves a dot-separated property path against d, descending
// through nested objects. It does not descend into arrays — array-valued
// groupBy and index extraction handle array fan-out themselves.
func GetPath(d Doc, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = d
	for _, p := range parts {
		m, ok := asDoc(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func asDoc(v interface{}) (Doc, bool) {
	switch t := v.(type) {
	case Doc:
		return t, true
	case map[string]interface{}:
		return Doc(t), true
	default:
		return nil, false
	}
}

// Merge implements the recursive merge law (P6): scalars and arrays from src
// overwrite dst's value at the same key; nested objects union key-wise.
// merge(x, {}) is a no-op; merge(x, merge(x, y)) == merge(x, y) because
// overwriting with the same src twice is idempotent.
func Merge(dst, src Doc) Doc {
	if len(src) == 0 {
		return Clone(dst)
	}
	out := Clone(dst)
	for k, sv := range src {
		dm, dOk := asDoc(out[k])
		sm, sOk := asDoc(sv)
		if dOk && sOk {
			out[k] = Merge(dm, sm)
			continue
		}
		out[k] = cloneValue(sv)
	}
	return out
}
