package memkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/kv/memkv"
)

func openEngine(t *testing.T) kv.Engine {
	t.Helper()
	e := memkv.New()
	require.NoError(t, e.Open(context.Background(), "", kv.Options{}))
	return e
}

func Test_Put_Then_Get_Within_The_Same_Transaction(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)

	require.NoError(t, db.Put(txn, []byte("k1"), []byte("v1")))
	v, ok, err := db.Get(txn, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func Test_Writes_Are_Invisible_Until_Commit(t *testing.T) {
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

func Test_Abort_Discards_Writes(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("k1"), []byte("v1")))
	require.NoError(t, txn.Abort())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	_, ok, err := db.Get(readTxn, []byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Delete_Removes_A_Committed_Key(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, db.Put(txn, []byte("k1"), []byte("v1")))
	require.NoError(t, txn.Commit())

	delTxn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, db.Delete(delTxn, []byte("k1")))
	require.NoError(t, delTxn.Commit())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	_, ok, err := db.Get(readTxn, []byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Cursor_Iterates_In_Sorted_Key_Order(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, db.Put(txn, []byte(k), []byte(k)))
	}
	require.NoError(t, txn.Commit())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	c, err := db.Cursor(readTxn)
	require.NoError(t, err)
	defer c.Close()

	var order []string
	for k, _, ok, err := c.First(); ; k, _, ok, err = c.Next() {
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, string(k))
	}
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func Test_BeginNested_Shadows_Parent_Until_Commit(t *testing.T) {
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
	require.Equal(t, "parent", string(v), "parent must not see the child's uncommitted write")

	require.NoError(t, child.Commit())
	v, ok, err = db.Get(parent, []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "child", string(v))
}

func Test_Sequence_Hands_Out_Monotone_Increasing_Values(t *testing.T) {
	e := openEngine(t)
	seq, err := e.Sequence("rev", 1)
	require.NoError(t, err)

	a, err := seq.Next()
	require.NoError(t, err)
	b, err := seq.Next()
	require.NoError(t, err)
	require.Less(t, a, b)
}

func Test_ShardAware_Keys_Stay_Partitioned_By_Shard(t *testing.T) {
	e := openEngine(t)
	db, err := e.Database("widgets")
	require.NoError(t, err)
	sdb, ok := db.(kv.ShardDatabase)
	require.True(t, ok, "memkv databases must implement ShardDatabase")

	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, sdb.PutShard(txn, 1, []byte("k"), []byte("shard1")))
	require.NoError(t, sdb.PutShard(txn, 2, []byte("k"), []byte("shard2")))
	require.NoError(t, txn.Commit())

	readTxn, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	v1, ok, err := sdb.GetShard(readTxn, 1, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shard1", string(v1))

	v2, ok, err := sdb.GetShard(readTxn, 2, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shard2", string(v2))
}
