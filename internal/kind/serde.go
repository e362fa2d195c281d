package kind

import (
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/token"
)

// ToDoc renders the kind as a document suitable for persisting in the
// Kind:1 built-in (and for returning from a getKind-style read).
func (ix *Kind) ToDoc() doc.Doc {
	idxs := make([]interface{}, len(ix.Indexes))
	for i, ixx := range ix.Indexes {
		idxs[i] = indexToDoc(ixx)
	}
	extends := make([]interface{}, len(ix.Extends))
	for i, e := range ix.Extends {
		extends[i] = e
	}
	names := ix.Tokens.Names()
	toks := make([]interface{}, len(names))
	for i, n := range names {
		toks[i] = n
	}
	return doc.Doc{
		doc.KeyID:  ix.ID,
		"owner":    ix.Owner,
		"extends":  extends,
		"indexes":  idxs,
		"syncRoot": ix.SyncRoot,
		"incDel":   ix.IncDel,
		"hash":     ix.Hash,
		"tokens":   toks,
	}
}

func indexToDoc(ixx *index.Index) doc.Doc {
	props := make([]interface{}, len(ixx.Props))
	for i, p := range ixx.Props {
		props[i] = doc.Doc{
			"path":         p.Path,
			"collation":    int64(p.Collation),
			"tokenization": int64(p.Tokenization),
			"default":      p.Default,
		}
	}
	return doc.Doc{"id": int64(ixx.ID), "name": ixx.Name, "props": props, "incDel": ixx.IncDel}
}

// FromDoc reconstructs a Kind from a document previously produced by ToDoc
// (possibly after a JSON round-trip, where nested objects arrive as
// map[string]interface{} and numbers as float64).
func FromDoc(d doc.Doc) *Kind {
	id, _ := d[doc.KeyID].(string)
	owner, _ := d["owner"].(string)
	extends := stringSlice(d["extends"])

	var indexes []*index.Index
	if arr, ok := d["indexes"].([]interface{}); ok {
		for _, e := range arr {
			if m, ok := asMap(e); ok {
				indexes = append(indexes, indexFromDoc(m))
			}
		}
	}
	syncRoot, _ := d["syncRoot"].(bool)
	incDel, _ := d["incDel"].(bool)
	hash, _ := d["hash"].(string)
	tokNames := stringSlice(d["tokens"])

	return &Kind{
		ID:       id,
		Owner:    owner,
		Extends:  extends,
		Indexes:  indexes,
		SyncRoot: syncRoot,
		IncDel:   incDel,
		Hash:     hash,
		Tokens:   token.Load(tokNames),
	}
}

func indexFromDoc(m map[string]interface{}) *index.Index {
	name, _ := m["name"].(string)
	id := toUint32(m["id"])
	incDel, _ := m["incDel"].(bool)

	var props []index.PropertySpec
	if arr, ok := m["props"].([]interface{}); ok {
		for _, pe := range arr {
			pm, ok := asMap(pe)
			if !ok {
				continue
			}
			path, _ := pm["path"].(string)
			props = append(props, index.PropertySpec{
				Path:         path,
				Collation:    index.Collation(toInt(pm["collation"])),
				Tokenization: index.Tokenization(toInt(pm["tokenization"])),
				Default:      pm["default"],
			})
		}
	}
	return &index.Index{ID: id, Name: name, Props: props, IncDel: incDel}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case doc.Doc:
		return t, true
	case map[string]interface{}:
		return t, true
	default:
		return nil, false
	}
}

func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

func toUint32(v interface{}) uint32 { return uint32(toInt(v)) }
