package query

import (
	"context"
	"encoding/json"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/metrics"
	"github.com/nkrause/shardb/internal/storage"
)

// DefaultMaxSearchRows is the row cap a search cursor enforces when the
// caller doesn't configure one explicitly. Exceeding it returns a row-cap
// error (see IsCapExceeded) rather than silently truncating results, so a caller
// relying on completeness finds out instead of getting a quietly partial
// answer.
const DefaultMaxSearchRows = 10000

// defaultSearchFanOut is the decode-phase worker-pool width used when the
// caller doesn't configure one explicitly.
const defaultSearchFanOut = 4

// capExceededError is returned by Search when more than MaxRows documents
// match the query's where-predicates.
type capExceededError struct{ cap int }

func (e *capExceededError) Error() string {
	return "query: search cursor row cap exceeded"
}

// IsCapExceeded reports whether err is a row-cap violation.
func IsCapExceeded(err error) bool {
	_, ok := err.(*capExceededError)
	return ok
}

// SearchOptions configures a Search call beyond the Query itself.
type SearchOptions struct {
	MaxRows int // 0 means DefaultMaxSearchRows
	FanOut  int // 0 means defaultSearchFanOut
}

// Search performs the unindexed fallback path: scan every primary entry of
// kindID, apply every where-predicate as a post-filter, decode every
// matching document concurrently via a bounded worker pool, then sort
// in-memory by q.OrderBy, fold duplicates when q.Distinct, and apply q.Limit.
func Search(ctx context.Context, txn *storage.Txn, primaryDB kv.Database, kindID string, q *Query, opts SearchOptions, m metrics.Sink) ([]doc.Doc, error) {
	if m == nil {
		m = metrics.Noop()
	}
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxSearchRows
	}
	fanOut := opts.FanOut
	if fanOut <= 0 {
		fanOut = defaultSearchFanOut
	}

	cur, err := primaryDB.Cursor(txn.KV())
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	// The cursor's key slices aren't guaranteed to stay valid past the next
	// Next() call, so every matched id needs its own copy; staging those
	// copies in one scan-scoped arena instead of one heap allocation per row
	// keeps a wide scan's id list off the regular GC heap until Search
	// returns, when the whole arena is freed in one call.
	arena := storage.NewDecodeArena()
	defer arena.Free()

	var matched [][]byte // logical (header-stripped) ids of matching documents, in scan order
	for k, v, ok, err := cur.First(); ; k, v, ok, err = cur.Next() {
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		m.AddCursorRowsScanned(1)
		_, logical, ok := storage.SplitShardKey(k)
		if !ok {
			continue
		}
		var d map[string]interface{}
		if json.Unmarshal(v, &d) != nil {
			continue
		}
		get := func(path string) (interface{}, bool) { return doc.GetPath(doc.Doc(d), path) }
		if !MatchResidual(get, q.Where) {
			continue
		}
		matched = append(matched, arena.AllocBytes(logical))
		if len(matched) > maxRows {
			return nil, &capExceededError{cap: maxRows}
		}
	}

	docs := make([]doc.Doc, len(matched))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, fanOut)
	for i, rawID := range matched {
		i, rawID := i, rawID
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			id, err := dbid.FromBytes(rawID)
			if err != nil {
				return nil
			}
			raw, found, err := storage.GetShardAware(primaryDB, txn.KV(), id.ShardPrefix(), id.Bytes())
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			var d map[string]interface{}
			if json.Unmarshal(raw, &d) != nil {
				return nil
			}
			docs[i] = doc.Doc(d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]doc.Doc, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, d)
		}
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool { return lessByOrder(out[i], out[j], q.OrderBy) })
	}
	if q.Distinct {
		out = dedupeDocs(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func lessByOrder(a, b doc.Doc, order []OrderTerm) bool {
	for _, term := range order {
		av, _ := doc.GetPath(a, term.Path)
		bv, _ := doc.GetPath(b, term.Path)
		c, ok := compareOrdered(av, bv)
		if !ok {
			continue
		}
		if c == 0 {
			continue
		}
		if term.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

func dedupeDocs(in []doc.Doc) []doc.Doc {
	seen := map[string]bool{}
	out := make([]doc.Doc, 0, len(in))
	for _, d := range in {
		id, _ := d[doc.KeyID].(string)
		if id == "" || !seen[id] {
			if id != "" {
				seen[id] = true
			}
			out = append(out, d)
		}
	}
	return out
}
