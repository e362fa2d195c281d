package query_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/kv/memkv"
	"github.com/nkrause/shardb/internal/query"
	"github.com/nkrause/shardb/internal/storage"
)

// widgetFixture opens a fresh engine, installs a Widget:1 kind indexed by
// name, and inserts n widgets named "widget-0".."widget-(n-1)".
func widgetFixture(t *testing.T, n int) (kv.Engine, *kind.Engine) {
	t.Helper()
	kvEngine := memkv.New()
	require.NoError(t, kvEngine.Open(context.Background(), "", kv.Options{}))

	kinds := kind.New(kvEngine, nil)
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.Open(context.Background(), txn)
	})

	widget := (&kind.Kind{ID: "Widget:1", Owner: "admin", Indexes: []*index.Index{
		{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}},
	}}).ToDoc()
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.PutKind(txn, widget, &kind.Request{Caller: "admin"}, false)
	})

	for i := 0; i < n; i++ {
		id, err := dbid.New(0)
		require.NoError(t, err)
		name := "widget-" + string(rune('0'+i))
		d := doc.Doc{doc.KeyID: id.String(), "name": name}
		withTxn(t, kvEngine, func(txn *storage.Txn) error {
			pdb, err := kinds.PrimaryDB("Widget:1")
			if err != nil {
				return err
			}
			raw, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := storage.PutShardAware(pdb, txn.KV(), 0, id.Bytes(), raw); err != nil {
				return err
			}
			_, err = kinds.Update(txn, "Widget:1", nil, d, kind.OpInsert)
			return err
		})
	}
	return kvEngine, kinds
}

func withTxn(t *testing.T, kvEngine kv.Engine, fn func(*storage.Txn) error) {
	t.Helper()
	kvTxn, err := kvEngine.Begin(context.Background(), true)
	require.NoError(t, err)
	txn := storage.New(kvTxn, nil)
	require.NoError(t, fn(txn))
	require.NoError(t, txn.Commit())
}

func Test_PlanQuery_Builds_An_Equality_Prefix_Range(t *testing.T) {
	_, kinds := widgetFixture(t, 3)
	k, ok := kinds.Lookup("Widget:1")
	require.True(t, ok)

	q := &query.Query{Where: []query.Predicate{{Path: "name", Op: query.OpEq, Value: "widget-1"}}}
	plan, ok, err := query.PlanQuery(k.Indexes, q, kinds.Collator())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, plan.Residual)
	require.Equal(t, k.Indexes[0].ID, plan.Index.ID)
}

func Test_PlanQuery_Returns_Not_Ok_Without_A_Covering_Index(t *testing.T) {
	_, kinds := widgetFixture(t, 1)
	k, ok := kinds.Lookup("Widget:1")
	require.True(t, ok)

	q := &query.Query{Where: []query.Predicate{{Path: "color", Op: query.OpEq, Value: "red"}}}
	_, ok, err := query.PlanQuery(k.Indexes, q, kinds.Collator())
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Cursor_Finds_The_Matching_Row_By_Equality(t *testing.T) {
	kvEngine, kinds := widgetFixture(t, 3)
	k, _ := kinds.Lookup("Widget:1")

	q := &query.Query{Where: []query.Predicate{{Path: "name", Op: query.OpEq, Value: "widget-1"}}}
	plan, ok, err := query.PlanQuery(k.Indexes, q, kinds.Collator())
	require.NoError(t, err)
	require.True(t, ok)

	var rows []*query.Row
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		cur, err := query.NewCursor(txn, kinds.IndexesDB(), kinds.PrimaryDB, "Widget:1", plan, nil, nil)
		if err != nil {
			return err
		}
		for {
			row, ok, err := cur.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			rows = append(rows, row)
		}
		return nil
	})
	require.Len(t, rows, 1)
	require.Equal(t, "widget-1", rows[0].Doc["name"])
}

func Test_Cursor_Pagination_Resumes_From_The_Last_Page_Token(t *testing.T) {
	kvEngine, kinds := widgetFixture(t, 3)
	k, _ := kinds.Lookup("Widget:1")

	q := &query.Query{OrderBy: []query.OrderTerm{{Path: "name"}}}
	plan, ok, err := query.PlanQuery(k.Indexes, q, kinds.Collator())
	require.NoError(t, err)
	require.True(t, ok)

	var all []*query.Row
	var page []byte
	for {
		var row *query.Row
		var more bool
		withTxn(t, kvEngine, func(txn *storage.Txn) error {
			cur, err := query.NewCursor(txn, kinds.IndexesDB(), kinds.PrimaryDB, "Widget:1", plan, page, nil)
			if err != nil {
				return err
			}
			row, more, err = cur.Next()
			return err
		})
		if !more {
			break
		}
		all = append(all, row)
		page = row.PageToken
	}
	require.Len(t, all, 3)
	require.Equal(t, "widget-0", all[0].Doc["name"])
	require.Equal(t, "widget-1", all[1].Doc["name"])
	require.Equal(t, "widget-2", all[2].Doc["name"])
}
