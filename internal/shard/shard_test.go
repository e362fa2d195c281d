package shard_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/kv/memkv"
	"github.com/nkrause/shardb/internal/shard"
	"github.com/nkrause/shardb/internal/storage"
)

// newTestEngine opens a kind.Engine and shard.Engine over a fresh memkv
// store, committing the schema-install transaction before returning so
// callers always start from a clean, already-open database. It also returns
// the underlying kv.Engine so tests can open further transactions.
func newTestEngine(t *testing.T) (kv.Engine, *kind.Engine, *shard.Engine) {
	t.Helper()

	kvEngine := memkv.New()
	require.NoError(t, kvEngine.Open(context.Background(), "", kv.Options{}))

	kinds := kind.New(kvEngine, nil)
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.Open(context.Background(), txn)
	})

	shards := shard.New(kinds, nil, shard.SpacePolicy{}, nil, nil)
	return kvEngine, kinds, shards
}

func withTxn(t *testing.T, kvEngine kv.Engine, fn func(txn *storage.Txn) error) {
	t.Helper()
	kvTxn, err := kvEngine.Begin(context.Background(), true)
	require.NoError(t, err)
	txn := storage.New(kvTxn, nil)
	require.NoError(t, fn(txn))
	require.NoError(t, kvTxn.Commit())
}

func Test_ProcessShardInfo_Allocates_New_Id_For_Unknown_Device(t *testing.T) {
	kvEngine, _, shards := newTestEngine(t)

	var result shard.Info
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		var err error
		result, err = shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-001", Active: true, MountPath: "/media/usb1"})
		return err
	})

	require.NotZero(t, result.ID)
	require.True(t, result.Active)
	require.Equal(t, "usb-001", result.DeviceID)
}

func Test_ProcessShardInfo_Returns_Same_Id_On_Reactivation(t *testing.T) {
	kvEngine, _, shards := newTestEngine(t)

	var first shard.Info
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		var err error
		first, err = shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-002", Active: true, MountPath: "/media/usb2"})
		return err
	})

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-002", Active: false, MountPath: "/media/usb2"})
		return err
	})

	var second shard.Info
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		var err error
		second, err = shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-002", Active: true, MountPath: "/media/usb2"})
		return err
	})

	require.Equal(t, first.ID, second.ID)
}

func Test_ProcessShardInfo_Removes_Transient_Shard_Record_On_Deactivation(t *testing.T) {
	kvEngine, _, shards := newTestEngine(t)

	var info shard.Info
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		var err error
		info, err = shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-003", Active: true, Transient: true, MountPath: "/media/usb3"})
		return err
	})
	require.True(t, info.Active)

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-003", Active: false, Transient: true, MountPath: "/media/usb3"})
		return err
	})

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, found, err := shards.GetByDeviceID(txn, "usb-003")
		require.NoError(t, err)
		require.False(t, found, "transient shard record should be gone once deactivated")
		return nil
	})
}

func Test_ActiveShards_Excludes_Inactive_Devices(t *testing.T) {
	kvEngine, _, shards := newTestEngine(t)

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-active", Active: true, MountPath: "/media/a"})
		return err
	})
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-inactive", Active: false, MountPath: "/media/b"})
		return err
	})

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		active, err := shards.ActiveShards(txn)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, "usb-active", active[0].DeviceID)
		return nil
	})
}

func Test_ProcessShardInfo_Falls_Back_When_The_Mount_Path_Fails_The_Space_Check(t *testing.T) {
	kvEngine := memkv.New()
	require.NoError(t, kvEngine.Open(context.Background(), "", kv.Options{}))
	kinds := kind.New(kvEngine, nil)
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.Open(context.Background(), txn)
	})

	space := shard.SpacePolicy{
		FallbackPath: "/var/shardb-overflow",
		Check: func(path string) error {
			if path == "/media/usb1/.shardb" {
				return require.AnError
			}
			return nil
		},
	}
	shards := shard.New(kinds, nil, space, nil, nil)

	var result shard.Info
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		var err error
		result, err = shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-001", Active: true, MountPath: "/media/usb1"})
		return err
	})

	require.Equal(t, "/var/shardb-overflow/.shardb", result.DatabasePath)
}

func Test_ProcessShardInfo_Fails_When_Mount_And_Fallback_Both_Fail_The_Space_Check(t *testing.T) {
	kvEngine := memkv.New()
	require.NoError(t, kvEngine.Open(context.Background(), "", kv.Options{}))
	kinds := kind.New(kvEngine, nil)
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.Open(context.Background(), txn)
	})

	space := shard.SpacePolicy{
		FallbackPath: "/var/shardb-overflow",
		Check:        func(path string) error { return require.AnError },
	}
	shards := shard.New(kinds, nil, space, nil, nil)

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-002", Active: true, MountPath: "/media/usb2"})
		require.Error(t, err)
		return nil
	})
}
