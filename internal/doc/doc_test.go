package doc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/doc"
)

func Test_Clone_Is_Deep(t *testing.T) {
	src := doc.Doc{
		"name":   "widget",
		"nested": doc.Doc{"a": int64(1)},
		"list":   []interface{}{doc.Doc{"b": int64(2)}},
	}
	out := doc.Clone(src)

	nested := out["nested"].(doc.Doc)
	nested["a"] = int64(99)
	require.Equal(t, int64(1), src["nested"].(doc.Doc)["a"])

	list := out["list"].([]interface{})
	list[0].(doc.Doc)["b"] = int64(99)
	require.Equal(t, int64(2), src["list"].([]interface{})[0].(doc.Doc)["b"])
}

func Test_IsTombstone(t *testing.T) {
	require.True(t, doc.IsTombstone(doc.Doc{doc.KeyDel: true}))
	require.False(t, doc.IsTombstone(doc.Doc{doc.KeyDel: false}))
	require.False(t, doc.IsTombstone(doc.Doc{}))
}

func Test_GetPath_Descends_Nested_Objects(t *testing.T) {
	d := doc.Doc{"a": doc.Doc{"b": doc.Doc{"c": "leaf"}}}
	v, ok := doc.GetPath(d, "a.b.c")
	require.True(t, ok)
	require.Equal(t, "leaf", v)

	_, ok = doc.GetPath(d, "a.b.missing")
	require.False(t, ok)

	_, ok = doc.GetPath(d, "a.b.c.too-deep")
	require.False(t, ok)
}

func Test_GetPath_Accepts_Plain_Map_Nodes(t *testing.T) {
	d := doc.Doc{"a": map[string]interface{}{"b": "leaf"}}
	v, ok := doc.GetPath(d, "a.b")
	require.True(t, ok)
	require.Equal(t, "leaf", v)
}

func Test_Merge_Overwrites_Scalars_And_Unions_Nested_Objects(t *testing.T) {
	dst := doc.Doc{"name": "old", "meta": doc.Doc{"a": int64(1), "b": int64(2)}}
	src := doc.Doc{"name": "new", "meta": doc.Doc{"b": int64(20), "c": int64(3)}}

	out := doc.Merge(dst, src)
	require.Equal(t, "new", out["name"])

	meta := out["meta"].(doc.Doc)
	require.Equal(t, int64(1), meta["a"])
	require.Equal(t, int64(20), meta["b"])
	require.Equal(t, int64(3), meta["c"])

	// dst untouched
	require.Equal(t, "old", dst["name"])
}

func Test_Merge_With_Empty_Src_Is_A_Noop_Clone(t *testing.T) {
	dst := doc.Doc{"name": "old"}
	out := doc.Merge(dst, doc.Doc{})
	require.Equal(t, dst, out)

	out["name"] = "mutated"
	require.Equal(t, "old", dst["name"])
}

func Test_Merge_Is_Idempotent(t *testing.T) {
	dst := doc.Doc{"name": "old", "tags": []interface{}{"a"}}
	src := doc.Doc{"name": "new", "tags": []interface{}{"b"}}

	once := doc.Merge(dst, src)
	twice := doc.Merge(once, src)
	require.Equal(t, once, twice)
}
