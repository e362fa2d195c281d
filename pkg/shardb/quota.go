package shardb

import (
	"context"
	"encoding/json"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/kind"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/storage"
)

// quotaLedger implements storage.Applier against the Quota:1 built-in kind:
// one document per owner, keyed by a deterministic id derived from the owner
// string, carrying a running "bytes" total. ApplyQuota is called by
// storage.Txn.Commit after the underlying kv.Txn has already committed
// durably, outside the transaction that produced the deltas — so it runs its
// own short-lived root transaction per flush.
type quotaLedger struct {
	kvEngine kv.Engine
	kinds    *kind.Engine
}

func newQuotaLedger(kvEngine kv.Engine, kinds *kind.Engine) *quotaLedger {
	return &quotaLedger{kvEngine: kvEngine, kinds: kinds}
}

func (q *quotaLedger) ApplyQuota(deltas map[storage.QuotaKey]int64) error {
	kvTxn, err := q.kvEngine.Begin(context.Background(), true)
	if err != nil {
		return err
	}
	txn := storage.New(kvTxn, nil)

	pdb, err := q.kinds.PrimaryDB(kind.KindQuota)
	if err != nil {
		_ = txn.Abort()
		return err
	}
	for key, delta := range deltas {
		if err := q.applyOne(txn, pdb, key, delta); err != nil {
			_ = txn.Abort()
			return err
		}
	}
	return txn.Commit()
}

func (q *quotaLedger) applyOne(txn *storage.Txn, pdb kv.Database, key storage.QuotaKey, delta int64) error {
	id, err := quotaDocID(key.Owner)
	if err != nil {
		return err
	}
	raw, found, err := storage.GetShardAware(pdb, txn.KV(), dbid.MainShard, id.Bytes())
	if err != nil {
		return err
	}
	var d doc.Doc
	if found {
		var m map[string]interface{}
		if json.Unmarshal(raw, &m) == nil {
			d = doc.Doc(m)
		}
	}
	var oldDoc doc.Doc
	if d == nil {
		d = doc.Doc{doc.KeyID: id.String(), "owner": key.Owner, "bytes": int64(0)}
	} else {
		oldDoc = doc.Clone(d)
	}
	cur, _ := d["bytes"].(float64)
	d["bytes"] = int64(cur) + delta

	out, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := storage.PutShardAware(pdb, txn.KV(), dbid.MainShard, id.Bytes(), out); err != nil {
		return err
	}
	op := kind.OpInsert
	if oldDoc != nil {
		op = kind.OpUpdate
	}
	_, err = q.kinds.Update(txn, kind.KindQuota, oldDoc, d, op)
	return err
}

// quotaDocID derives a stable id for owner's Quota:1 document so repeated
// ApplyQuota calls update the same row instead of inserting duplicates.
func quotaDocID(owner string) (dbid.ID, error) {
	return dbid.Deterministic(dbid.MainShard, []byte(owner)), nil
}
