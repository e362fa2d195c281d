package index_test

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
)

func Test_Extract_Single_Property(t *testing.T) {
	ix := &index.Index{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}}
	out, err := ix.Extract(doc.Doc{"name": "widget"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func Test_Extract_Array_Fans_Out_One_Entry_Per_Element(t *testing.T) {
	ix := &index.Index{Name: "by_tag", Props: []index.PropertySpec{{Path: "tags"}}}
	out, err := ix.Extract(doc.Doc{"tags": []interface{}{"a", "b", "c"}}, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func Test_Extract_Compound_Properties_Cross_Product(t *testing.T) {
	ix := &index.Index{Name: "by_tag_and_color", Props: []index.PropertySpec{
		{Path: "tags"}, {Path: "colors"},
	}}
	out, err := ix.Extract(doc.Doc{
		"tags":   []interface{}{"a", "b"},
		"colors": []interface{}{"red", "blue"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, out, 4)
}

func Test_Extract_Returns_Nil_When_Required_Property_Missing(t *testing.T) {
	ix := &index.Index{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}}
	out, err := ix.Extract(doc.Doc{}, nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func Test_Extract_Uses_Default_When_Property_Missing(t *testing.T) {
	ix := &index.Index{Name: "by_status", Props: []index.PropertySpec{{Path: "status", Default: "pending"}}}
	out, err := ix.Extract(doc.Doc{}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func Test_Extract_Skips_Tombstones_Unless_IncDel(t *testing.T) {
	tombstone := doc.Doc{doc.KeyDel: true, "name": "widget"}

	plain := &index.Index{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}}
	out, err := plain.Extract(tombstone, nil)
	require.NoError(t, err)
	require.Nil(t, out)

	syncIdx := &index.Index{Name: "sync", IncDel: true, Props: []index.PropertySpec{{Path: "name"}}}
	out, err = syncIdx.Extract(tombstone, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func Test_Extract_Tokenizes_Strings_When_Requested(t *testing.T) {
	ix := &index.Index{Name: "by_words", Props: []index.PropertySpec{
		{Path: "text", Tokenization: index.TokenAll},
	}}
	out, err := ix.Extract(doc.Doc{"text": "hello world foo"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func Test_EntryKey_Orders_Numbers_Correctly_When_Byte_Compared(t *testing.T) {
	id, err := dbid.New(0)
	require.NoError(t, err)

	ix := &index.Index{ID: 1, Props: []index.PropertySpec{{Path: "n"}}}
	values := []int64{-5, -1, 0, 1, 5, 1000}

	var keys [][]byte
	for _, v := range values {
		compounds, err := ix.Extract(doc.Doc{"n": v}, nil)
		require.NoError(t, err)
		require.Len(t, compounds, 1)
		keys = append(keys, index.EntryKey(ix.ID, compounds[0], id))
	}

	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	require.Equal(t, keys, sorted, "entries must already be in ascending numeric order")
}

func Test_EntryKey_Orders_Floats_Correctly_When_Byte_Compared(t *testing.T) {
	id, err := dbid.New(0)
	require.NoError(t, err)

	ix := &index.Index{ID: 1, Props: []index.PropertySpec{{Path: "n"}}}
	values := []float64{-3.5, -0.1, 0, 0.1, 2.75}

	var keys [][]byte
	for _, v := range values {
		compounds, err := ix.Extract(doc.Doc{"n": v}, nil)
		require.NoError(t, err)
		keys = append(keys, index.EntryKey(ix.ID, compounds[0], id))
	}

	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	require.Equal(t, keys, sorted)
}

func Test_IndexIDPrefix_Is_Four_Bytes(t *testing.T) {
	require.Len(t, index.IndexIDPrefix(7), 4)
}

func Test_BoundValue_Matches_The_Component_Extract_Would_Produce(t *testing.T) {
	prop := index.PropertySpec{Path: "name"}
	ix := &index.Index{Props: []index.PropertySpec{prop}}

	compounds, err := ix.Extract(doc.Doc{"name": "abc"}, nil)
	require.NoError(t, err)

	bound, err := index.BoundValue(prop, "abc", nil)
	require.NoError(t, err)
	require.Equal(t, compounds[0], bound)
}
