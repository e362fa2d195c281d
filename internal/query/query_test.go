package query_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/query"
)

func Test_SelectIndex_Picks_The_Longest_Matching_Prefix(t *testing.T) {
	byName := &index.Index{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}}
	byNameAndAge := &index.Index{Name: "by_name_age", Props: []index.PropertySpec{{Path: "name"}, {Path: "age"}}}

	q := &query.Query{
		Where: []query.Predicate{
			{Path: "name", Op: query.OpEq, Value: "widget"},
			{Path: "age", Op: query.OpEq, Value: int64(5)},
		},
	}

	ix, ok := query.SelectIndex([]*index.Index{byName, byNameAndAge}, q)
	require.True(t, ok)
	require.Equal(t, "by_name_age", ix.Name)
}

func Test_SelectIndex_Returns_False_When_No_Index_Covers_Any_Prefix(t *testing.T) {
	byColor := &index.Index{Name: "by_color", Props: []index.PropertySpec{{Path: "color"}}}
	q := &query.Query{Where: []query.Predicate{{Path: "name", Op: query.OpEq, Value: "widget"}}}

	_, ok := query.SelectIndex([]*index.Index{byColor}, q)
	require.False(t, ok)
}

func Test_SelectIndex_Considers_OrderBy_Paths_Too(t *testing.T) {
	byName := &index.Index{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}}
	q := &query.Query{OrderBy: []query.OrderTerm{{Path: "name"}}}

	ix, ok := query.SelectIndex([]*index.Index{byName}, q)
	require.True(t, ok)
	require.Equal(t, "by_name", ix.Name)
}

func Test_SelectIndex_Ignores_Noncombinable_Predicates_For_Requirement_Order(t *testing.T) {
	// OpIn isn't combinable, so it doesn't contribute to the requirement path
	// list — an index on "name" still wins even though the where-clause
	// leads with an IN predicate on a different path.
	byName := &index.Index{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}}
	q := &query.Query{Where: []query.Predicate{
		{Path: "tags", Op: query.OpIn, Values: []interface{}{"a"}},
		{Path: "name", Op: query.OpEq, Value: "widget"},
	}}

	ix, ok := query.SelectIndex([]*index.Index{byName}, q)
	require.True(t, ok)
	require.Equal(t, "by_name", ix.Name)
}

func Test_Residual_Drops_Covered_Combinable_Predicates(t *testing.T) {
	ix := &index.Index{Props: []index.PropertySpec{{Path: "name"}, {Path: "age"}}}
	q := &query.Query{Where: []query.Predicate{
		{Path: "name", Op: query.OpEq, Value: "widget"},
		{Path: "age", Op: query.OpGt, Value: int64(1)},
		{Path: "color", Op: query.OpEq, Value: "red"},
	}}

	residual := query.Residual(ix, q, 2)
	require.Len(t, residual, 1)
	require.Equal(t, "color", residual[0].Path)
}

func Test_Residual_Keeps_Noncombinable_Predicates(t *testing.T) {
	ix := &index.Index{Props: []index.PropertySpec{{Path: "name"}}}
	q := &query.Query{Where: []query.Predicate{
		{Path: "name", Op: query.OpEq, Value: "widget"},
		{Path: "tags", Op: query.OpIn, Values: []interface{}{"a"}},
	}}

	residual := query.Residual(ix, q, 1)
	require.Len(t, residual, 1)
	require.Equal(t, "tags", residual[0].Path)
}

func getterFor(d doc.Doc) func(string) (interface{}, bool) {
	return func(path string) (interface{}, bool) { return doc.GetPath(d, path) }
}

func Test_MatchResidual_Eq_And_Ne(t *testing.T) {
	d := doc.Doc{"status": "open"}
	require.True(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "status", Op: query.OpEq, Value: "open"}}))
	require.False(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "status", Op: query.OpNe, Value: "open"}}))
}

func Test_MatchResidual_Ordered_Comparisons_Numeric(t *testing.T) {
	d := doc.Doc{"age": int64(10)}
	require.True(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "age", Op: query.OpGt, Value: int64(5)}}))
	require.False(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "age", Op: query.OpLt, Value: int64(5)}}))
	require.True(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "age", Op: query.OpGe, Value: int64(10)}}))
}

func Test_MatchResidual_Prefix(t *testing.T) {
	d := doc.Doc{"name": "widget-1"}
	require.True(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "name", Op: query.OpPrefix, Value: "widget"}}))
	require.False(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "name", Op: query.OpPrefix, Value: "gadget"}}))
}

func Test_MatchResidual_In(t *testing.T) {
	d := doc.Doc{"color": "red"}
	preds := []query.Predicate{{Path: "color", Op: query.OpIn, Values: []interface{}{"blue", "red"}}}
	require.True(t, query.MatchResidual(getterFor(d), preds))

	preds = []query.Predicate{{Path: "color", Op: query.OpIn, Values: []interface{}{"blue", "green"}}}
	require.False(t, query.MatchResidual(getterFor(d), preds))
}

func Test_MatchResidual_Intersects(t *testing.T) {
	d := doc.Doc{"tags": []interface{}{"red", "large"}}
	preds := []query.Predicate{{Path: "tags", Op: query.OpIntersects, Values: []interface{}{"small", "large"}}}
	require.True(t, query.MatchResidual(getterFor(d), preds))

	preds = []query.Predicate{{Path: "tags", Op: query.OpIntersects, Values: []interface{}{"blue", "small"}}}
	require.False(t, query.MatchResidual(getterFor(d), preds))
}

func Test_MatchResidual_Intersects_Fails_On_A_Non_Array_Property(t *testing.T) {
	d := doc.Doc{"tags": "red"}
	preds := []query.Predicate{{Path: "tags", Op: query.OpIntersects, Values: []interface{}{"red"}}}
	require.False(t, query.MatchResidual(getterFor(d), preds))
}

func Test_MatchResidual_Fails_When_Path_Missing(t *testing.T) {
	d := doc.Doc{}
	require.False(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "missing", Op: query.OpEq, Value: "x"}}))
}

func Test_MatchResidual_Mixed_Numeric_Types_Compare_Equal(t *testing.T) {
	d := doc.Doc{"count": float64(3)}
	require.True(t, query.MatchResidual(getterFor(d), []query.Predicate{{Path: "count", Op: query.OpEq, Value: int64(3)}}))
}
