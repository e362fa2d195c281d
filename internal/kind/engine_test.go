package kind_test

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
	"github.com/nkrause/shardb/internal/storage"
)

func openEngine(t *testing.T) (kv.Engine, *kind.Engine) {
	t.Helper()
	kvEngine := memkv.New()
	require.NoError(t, kvEngine.Open(context.Background(), "", kv.Options{}))

	kinds := kind.New(kvEngine, nil)
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.Open(context.Background(), txn)
	})
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

func Test_Open_Installs_Every_Builtin_Kind(t *testing.T) {
	_, kinds := openEngine(t)
	for _, id := range []string{
		kind.KindKind, kind.KindRevTimestamp, kind.KindDbState,
		kind.KindPermission, kind.KindQuota, kind.KindShardInfo, kind.KindKindHashMap,
	} {
		_, ok := kinds.Lookup(id)
		require.True(t, ok, "missing builtin kind %s", id)
	}
}

func Test_PutKind_Requires_An_Owner_For_Nonbuiltin_Kinds(t *testing.T) {
	_, kinds := openEngine(t)
	// the owner check runs before parsed's indexes are ever built, so this
	// fails before touching the (nil) txn at all.
	err := kinds.PutKind(nil, doc.Doc{doc.KeyID: "Widget:1"}, &kind.Request{}, false)
	require.Error(t, err)
}

func Test_PutKind_Installs_A_New_Kind_And_Lookup_Finds_It(t *testing.T) {
	kvEngine, kinds := openEngine(t)
	widget := (&kind.Kind{ID: "Widget:1", Owner: "admin", Indexes: []*index.Index{
		{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}},
	}}).ToDoc()

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.PutKind(txn, widget, &kind.Request{Caller: "admin"}, false)
	})

	k, ok := kinds.Lookup("Widget:1")
	require.True(t, ok)
	require.Len(t, k.Indexes, 1)
	require.NotZero(t, k.Indexes[0].ID)
}

func Test_Update_Builds_Index_Entries_On_Insert(t *testing.T) {
	kvEngine, kinds := openEngine(t)
	widget := (&kind.Kind{ID: "Widget:1", Owner: "admin", Indexes: []*index.Index{
		{Name: "by_name", Props: []index.PropertySpec{{Path: "name"}}},
	}}).ToDoc()
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.PutKind(txn, widget, &kind.Request{Caller: "admin"}, false)
	})

	id, err := dbid.New(0)
	require.NoError(t, err)
	d := doc.Doc{doc.KeyID: id.String(), "name": "foo"}

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

	var count int
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		c, err := kinds.IndexesDB().Cursor(txn.KV())
		if err != nil {
			return err
		}
		defer c.Close()
		for _, _, ok, err := c.First(); ; _, _, ok, err = c.Next() {
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			count++
		}
		return nil
	})
	require.Equal(t, 1, count)
}

func Test_DelKind_Removes_The_Kind_And_Its_Documents(t *testing.T) {
	kvEngine, kinds := openEngine(t)
	widget := (&kind.Kind{ID: "Widget:1", Owner: "admin"}).ToDoc()
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.PutKind(txn, widget, &kind.Request{Caller: "admin"}, false)
	})

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.DelKind(txn, "Widget:1", &kind.Request{Caller: "admin"})
	})

	_, ok := kinds.Lookup("Widget:1")
	require.False(t, ok)
}

func Test_UpdateLocale_Changes_Locale_And_Rebuilds_Indexes(t *testing.T) {
	kvEngine, kinds := openEngine(t)
	require.Equal(t, "en_US", kinds.Locale())

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.UpdateLocale(txn, "fr_CA", &kind.Request{Caller: "admin"})
	})

	require.Equal(t, "fr_CA", kinds.Locale())
	require.Equal(t, "fr_CA", kinds.Collator().Locale())
}
