package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/kv/memkv"
	"github.com/nkrause/shardb/internal/storage"
)

func newKVTxn(t *testing.T) kv.Txn {
	t.Helper()
	e := memkv.New()
	require.NoError(t, e.Open(context.Background(), "", kv.Options{}))
	txn, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	return txn
}

type recordingMonitor struct {
	committed int
	destroyed int
}

func (m *recordingMonitor) Committed(*storage.Txn) { m.committed++ }
func (m *recordingMonitor) Destroy(*storage.Txn)   { m.destroyed++ }

type recordingApplier struct {
	deltas map[storage.QuotaKey]int64
	err    error
}

func (a *recordingApplier) ApplyQuota(deltas map[storage.QuotaKey]int64) error {
	a.deltas = deltas
	return a.err
}

func Test_Commit_Notifies_Monitors_Committed_Not_Destroy(t *testing.T) {
	txn := storage.New(newKVTxn(t), nil)
	mon := &recordingMonitor{}
	txn.AddMonitor(mon)

	require.NoError(t, txn.Commit())
	require.Equal(t, 1, mon.committed)
	require.Zero(t, mon.destroyed)
}

func Test_Abort_Notifies_Monitors_Destroy_Not_Committed(t *testing.T) {
	txn := storage.New(newKVTxn(t), nil)
	mon := &recordingMonitor{}
	txn.AddMonitor(mon)

	require.NoError(t, txn.Abort())
	require.Zero(t, mon.committed)
	require.Equal(t, 1, mon.destroyed)
}

func Test_Commit_Is_Idempotent(t *testing.T) {
	txn := storage.New(newKVTxn(t), nil)
	mon := &recordingMonitor{}
	txn.AddMonitor(mon)

	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Commit())
	require.Equal(t, 1, mon.committed, "a second Commit must not re-fire monitors")
}

func Test_OnPreCommit_Failure_Aborts_And_Skips_Quota_And_PostCommit(t *testing.T) {
	txn := storage.New(newKVTxn(t), nil)
	mon := &recordingMonitor{}
	txn.AddMonitor(mon)

	postRan := false
	txn.OnPostCommit(func() { postRan = true })
	txn.OnPreCommit(func() error { return errors.New("boom") })

	err := txn.Commit()
	require.Error(t, err)
	require.False(t, postRan)
	require.Zero(t, mon.committed)
	require.Equal(t, 1, mon.destroyed)
}

func Test_OnPostCommit_Runs_After_A_Successful_Commit(t *testing.T) {
	txn := storage.New(newKVTxn(t), nil)
	postRan := false
	txn.OnPostCommit(func() { postRan = true })

	require.NoError(t, txn.Commit())
	require.True(t, postRan)
}

func Test_OffsetQuota_Accumulates_And_Applies_On_Commit(t *testing.T) {
	applier := &recordingApplier{}
	txn := storage.New(newKVTxn(t), applier)

	txn.OffsetQuota("alice", "Widget:1", 100)
	txn.OffsetQuota("alice", "Widget:1", -20)
	txn.OffsetQuota("bob", "Widget:1", 5)

	require.NoError(t, txn.Commit())
	require.Equal(t, int64(80), applier.deltas[storage.QuotaKey{Owner: "alice", Kind: "Widget:1"}])
	require.Equal(t, int64(5), applier.deltas[storage.QuotaKey{Owner: "bob", Kind: "Widget:1"}])
}

func Test_Commit_Surfaces_A_Quota_Application_Error(t *testing.T) {
	applier := &recordingApplier{err: errors.New("quota store unavailable")}
	txn := storage.New(newKVTxn(t), applier)
	txn.OffsetQuota("alice", "Widget:1", 1)

	require.Error(t, txn.Commit())
}

func Test_Writable_Reflects_The_Underlying_KV_Txn(t *testing.T) {
	e := memkv.New()
	require.NoError(t, e.Open(context.Background(), "", kv.Options{}))
	ro, err := e.Begin(context.Background(), false)
	require.NoError(t, err)

	txn := storage.New(ro, nil)
	require.False(t, txn.Writable())
}

func Test_DecodeArena_AllocBytes_Returns_An_Independent_Copy(t *testing.T) {
	src := []byte("widget-1")
	arena := storage.NewDecodeArena()
	defer arena.Free()

	got := arena.AllocBytes(src)
	require.Equal(t, src, got)

	src[0] = 'X'
	require.Equal(t, byte('w'), got[0], "AllocBytes must copy, not alias, the input")
}
