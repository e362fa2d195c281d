package shardb

import (
	"bytes"
	"context"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/query"
	"github.com/nkrause/shardb/internal/shardberr"
	"github.com/nkrause/shardb/internal/storage"
	"github.com/nkrause/shardb/internal/watch"
)

// Find runs q against kindID's indexes, falling back to the unindexed
// in-memory search cursor (capped at searchRowCap rows) when no index
// covers the query's predicate/order requirement. The returned page token,
// when non-nil, is fed back as q.Page to resume an indexed query past the
// last emitted row; the search fallback has no native pagination and always
// returns a nil token.
func (d *Database) Find(ctx context.Context, q *query.Query) ([]doc.Doc, []byte, error) {
	k, ok := d.kinds.Lookup(q.KindID)
	if !ok {
		return nil, nil, shardberr.Wrap(shardberr.CodeValidation, "find: unknown kind "+q.KindID, shardberr.ErrUnknownKind)
	}
	plan, indexed, err := query.PlanQuery(k.Indexes, q, d.kinds.Collator())
	if err != nil {
		return nil, nil, err
	}

	var rows []doc.Doc
	var nextPage []byte
	err = d.runTxn(ctx, false, func(txn *storage.Txn) error {
		allow, err := d.shardFilter(txn, q.IncludeInactiveShards)
		if err != nil {
			return err
		}
		if indexed {
			rows, nextPage, err = d.findIndexed(txn, q, plan, allow)
			return err
		}
		rows, err = d.findScan(ctx, txn, q, allow)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, nextPage, nil
}

// shardFilter returns a predicate admitting a document's _id unless it
// belongs to an inactive, non-main shard and includeInactive wasn't
// requested. ShardInfo1:1's own documents (kind KindShardInfo) are always
// in the main shard, so this never recurses into itself.
func (d *Database) shardFilter(txn *storage.Txn, includeInactive bool) (func(id string) bool, error) {
	if includeInactive {
		return func(string) bool { return true }, nil
	}
	shards, err := d.shards.ActiveShards(txn)
	if err != nil {
		return nil, err
	}
	active := make(map[uint32]bool, len(shards))
	for _, s := range shards {
		active[s.ID] = true
	}
	return func(idStr string) bool {
		id, err := dbid.Parse(idStr)
		if err != nil {
			return false
		}
		if id.ShardPrefix() == dbid.MainShard {
			return true
		}
		return active[id.ShardPrefix()]
	}, nil
}

func (d *Database) findIndexed(txn *storage.Txn, q *query.Query, plan *query.Plan, allow func(string) bool) ([]doc.Doc, []byte, error) {
	c, err := query.NewCursor(txn, d.kinds.IndexesDB(), d.kinds.PrimaryDB, q.KindID, plan, q.Page, d.metrics)
	if err != nil {
		return nil, nil, err
	}
	var rows []doc.Doc
	var lastToken []byte
	for q.Limit <= 0 || len(rows) < q.Limit {
		row, found, err := c.Next()
		if err != nil {
			return nil, nil, err
		}
		if !found {
			lastToken = nil
			break
		}
		id, _ := row.Doc[doc.KeyID].(string)
		if !allow(id) || doc.IsTombstone(row.Doc) {
			continue
		}
		rows = append(rows, row.Doc)
		lastToken = row.PageToken
	}
	if q.Limit <= 0 || len(rows) < q.Limit {
		lastToken = nil
	}
	return rows, lastToken, nil
}

func (d *Database) findScan(ctx context.Context, txn *storage.Txn, q *query.Query, allow func(string) bool) ([]doc.Doc, error) {
	pdb, err := d.kinds.PrimaryDB(q.KindID)
	if err != nil {
		return nil, err
	}
	docs, err := query.Search(ctx, txn, pdb, q.KindID, q, query.SearchOptions{MaxRows: d.cfg.searchRowCap, FanOut: d.cfg.searchFanOut}, d.metrics)
	if err != nil {
		return nil, err
	}
	out := make([]doc.Doc, 0, len(docs))
	for _, dd := range docs {
		id, _ := dd[doc.KeyID].(string)
		if !allow(id) || doc.IsTombstone(dd) {
			continue
		}
		out = append(out, dd)
	}
	return out, nil
}

// Aggregate runs q's where-clause and index selection exactly as Find does,
// but folds every matched row through a streaming query.Pipeline instead of
// materializing the page, so a count/sum/group-by over a large result set
// never has to hold more than one bucket set in memory.
func (d *Database) Aggregate(ctx context.Context, q *query.Query, aggs []query.Aggregate, groupByPath string) ([]query.Bucket, error) {
	k, ok := d.kinds.Lookup(q.KindID)
	if !ok {
		return nil, shardberr.Wrap(shardberr.CodeValidation, "aggregate: unknown kind "+q.KindID, shardberr.ErrUnknownKind)
	}
	plan, indexed, err := query.PlanQuery(k.Indexes, q, d.kinds.Collator())
	if err != nil {
		return nil, err
	}

	pipeline := query.NewPipeline(aggs, groupByPath)
	err = d.runTxn(ctx, false, func(txn *storage.Txn) error {
		allow, err := d.shardFilter(txn, q.IncludeInactiveShards)
		if err != nil {
			return err
		}
		if indexed {
			return d.aggregateIndexed(txn, q, plan, allow, pipeline)
		}
		return d.aggregateScan(ctx, txn, q, allow, pipeline)
	})
	if err != nil {
		return nil, err
	}
	return pipeline.Result(), nil
}

func (d *Database) aggregateIndexed(txn *storage.Txn, q *query.Query, plan *query.Plan, allow func(string) bool, pipeline *query.Pipeline) error {
	c, err := query.NewCursor(txn, d.kinds.IndexesDB(), d.kinds.PrimaryDB, q.KindID, plan, nil, d.metrics)
	if err != nil {
		return err
	}
	for {
		row, found, err := c.Next()
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		id, _ := row.Doc[doc.KeyID].(string)
		if !allow(id) || doc.IsTombstone(row.Doc) {
			continue
		}
		pipeline.Feed(row.Doc)
	}
}

func (d *Database) aggregateScan(ctx context.Context, txn *storage.Txn, q *query.Query, allow func(string) bool, pipeline *query.Pipeline) error {
	pdb, err := d.kinds.PrimaryDB(q.KindID)
	if err != nil {
		return err
	}
	docs, err := query.Search(ctx, txn, pdb, q.KindID, q, query.SearchOptions{MaxRows: d.cfg.searchRowCap, FanOut: d.cfg.searchFanOut}, d.metrics)
	if err != nil {
		return err
	}
	for _, dd := range docs {
		id, _ := dd[doc.KeyID].(string)
		if !allow(id) || doc.IsTombstone(dd) {
			continue
		}
		pipeline.Feed(dd)
	}
	return nil
}

// kindMatcher fires a watch on every committed write to its kind. It's the
// fallback for a watched query with no covering index: there's no index
// range to test a changed key against, so any write to the kind is treated
// as a possible membership change.
type kindMatcher struct{}

func (kindMatcher) Matches(string, [][]byte) bool { return true }

// rangeMatcher fires only when a commit's changed index-entry keys overlap
// the watched query's resolved index range — the same [start, endKey] bound
// Find would scan to answer the query. A changed key outside the index this
// watch cares about, or outside the range within that index, doesn't move
// the query's result set, so no fire is warranted.
type rangeMatcher struct {
	prefix []byte
	lo, hi []byte
}

func newRangeMatcher(plan *query.Plan) rangeMatcher {
	return rangeMatcher{prefix: index.IndexIDPrefix(plan.Index.ID), lo: plan.RangeLo, hi: plan.RangeHi}
}

func (m rangeMatcher) Matches(_ string, changedKeys [][]byte) bool {
	for _, key := range changedKeys {
		if !bytes.HasPrefix(key, m.prefix) {
			continue
		}
		if bytes.Compare(key, m.lo) >= 0 && bytes.Compare(key, m.hi) < 0 {
			return true
		}
	}
	return false
}

// watchConsumer bridges a watch.Entry's one-shot Fire callback to a
// buffered channel a caller can select on.
type watchConsumer struct {
	ch chan struct{}
}

func (c *watchConsumer) Fire() bool {
	select {
	case c.ch <- struct{}{}:
	default:
	}
	return true
}

// WatchHandle is the caller's handle on an attached watch; Cancel detaches
// it before it ever fires (a no-op if it already has).
type WatchHandle struct {
	entry    *watch.Entry
	registry *watch.Registry
}

// Cancel detaches the watch. Safe to call more than once.
func (w *WatchHandle) Cancel() {
	w.registry.Detach(w.entry)
}

// Watch attaches a one-shot watch against q: the returned channel receives a
// single value the first time a commit after Watch was called moves a
// document into or out of q's result set, then the watch self-detaches. When
// q's where-clause is covered by one of its kind's indexes, the watch only
// fires for a commit whose changed index keys fall within that index's
// range for q; otherwise (including an empty where-clause, which watches
// the whole kind) it conservatively fires on any write to q.KindID.
func (d *Database) Watch(q *query.Query) (*WatchHandle, <-chan struct{}, error) {
	k, ok := d.kinds.Lookup(q.KindID)
	if !ok {
		return nil, nil, shardberr.Wrap(shardberr.CodeValidation, "watch: unknown kind "+q.KindID, shardberr.ErrUnknownKind)
	}
	plan, indexed, err := query.PlanQuery(k.Indexes, q, d.kinds.Collator())
	if err != nil {
		return nil, nil, err
	}

	var matcher watch.Matcher = kindMatcher{}
	if indexed {
		matcher = newRangeMatcher(plan)
	}

	ch := make(chan struct{}, 1)
	entry := d.watches.Attach(q.KindID, matcher, &watchConsumer{ch: ch})
	return &WatchHandle{entry: entry, registry: d.watches}, ch, nil
}
