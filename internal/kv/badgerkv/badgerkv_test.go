package badgerkv_test

import (
	"context"
	"path/filepath"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/kv/badgerkv"
)

func openEngine(t *testing.T) kv.Engine {
	t.Helper()
	e, err := kv.New("badger")
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background(), filepath.Join(t.TempDir(), "db"), kv.Options{}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func Test_Put_Then_Get_After_Commit(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("k1"), []byte("v1")))
	require.NoError(t, txn.Commit())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	v, ok, err := db.Get(readTxn, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func Test_Databases_Are_Partitioned_By_Name(t *testing.T) {
	e := openEngine(t)
	widgets, err := e.Database("widgets")
	require.NoError(t, err)
	gadgets, err := e.Database("gadgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, widgets.Put(txn, []byte("k"), []byte("widget-value")))
	require.NoError(t, txn.Commit())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	_, ok, err := gadgets.Get(readTxn, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok, "a key put in one sub-database must not leak into another")
}

func Test_BeginNested_Overlays_Writes_Onto_The_Root_Txn(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	parent, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, db.Put(parent, []byte("k1"), []byte("parent")))

	child, err := e.BeginNested(parent)
	require.NoError(t, err)
	require.NoError(t, db.Put(child, []byte("k1"), []byte("child")))

	v, ok, err := db.Get(parent, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "parent", string(v))

	require.NoError(t, child.Commit())
	v, ok, err = db.Get(parent, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "child", string(v))
	require.NoError(t, parent.Commit())
}

func Test_Sequence_Hands_Out_Monotone_Increasing_Values(t *testing.T) {
	e := openEngine(t)
	seq, err := e.Sequence("rev", 10)
	require.NoError(t, err)

	a, err := seq.Next()
	require.NoError(t, err)
	b, err := seq.Next()
	require.NoError(t, err)
	require.Less(t, a, b)
}

func Test_Wrap_Reuses_An_Already_Open_Badger_Handle(t *testing.T) {
	opts := badger.DefaultOptions(filepath.Join(t.TempDir(), "db")).WithLogger(nil)
	bdb, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	e := badgerkv.Wrap(bdb, kv.Options{}, nil)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	v, ok, err := db.Get(readTxn, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}
