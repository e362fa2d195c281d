package shard_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/shard"
	"github.com/nkrause/shardb/internal/storage"
	"github.com/nkrause/shardb/internal/token"
)

func Test_DropGarbage_Purges_Documents_When_Kind_Index_Configuration_Drifts(t *testing.T) {
	kvEngine, kinds, shards := newTestEngine(t)

	widget := func(indexName string) doc.Doc {
		return (&kind.Kind{
			ID:      "Widget:1",
			Owner:   "admin",
			Tokens:  token.New(),
			Indexes: []*index.Index{{Name: indexName, Props: []index.PropertySpec{{Path: indexName}}}},
		}).ToDoc()
	}

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.PutKind(txn, widget("name"), &kind.Request{Caller: "admin"}, false)
	})

	var shardID uint32
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		info, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-drift", Active: true, MountPath: "/media/drift"})
		shardID = info.ID
		return err
	})

	docID, err := dbid.New(shardID)
	require.NoError(t, err)

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		pdb, err := kinds.PrimaryDB("Widget:1")
		if err != nil {
			return err
		}
		d := doc.Doc{doc.KeyID: docID.String(), "name": "foo"}
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := storage.PutShardAware(pdb, txn.KV(), shardID, docID.Bytes(), raw); err != nil {
			return err
		}
		_, err = kinds.Update(txn, "Widget:1", nil, d, kind.OpInsert)
		return err
	})

	// Reconfigure Widget:1 with a different index, changing its structural
	// hash out from under the shard that's currently mounted.
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		return kinds.PutKind(txn, widget("color"), &kind.Request{Caller: "admin"}, false)
	})

	// Unmount then remount the device: activation re-checks every kind's
	// hash against what was recorded, and Widget:1's has drifted.
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-drift", Active: false, MountPath: "/media/drift"})
		return err
	})
	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		_, err := shards.ProcessShardInfo(txn, shard.Info{DeviceID: "usb-drift", Active: true, MountPath: "/media/drift"})
		return err
	})

	withTxn(t, kvEngine, func(txn *storage.Txn) error {
		pdb, err := kinds.PrimaryDB("Widget:1")
		require.NoError(t, err)
		_, found, err := storage.GetShardAware(pdb, txn.KV(), shardID, docID.Bytes())
		require.NoError(t, err)
		require.False(t, found, "drifted kind's document should be purged on shard reactivation")
		return nil
	})
}
