package query

import (
	"bytes"
	"encoding/json"

	"github.com/nkrause/shardb/internal/dbid"
	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/kv"
	"github.com/nkrause/shardb/internal/metrics"
	"github.com/nkrause/shardb/internal/storage"
)

// Plan is the outcome of planning one Query: the chosen index (nil means a
// full scan / search cursor is needed), its range bound, and the residual
// predicates a Cursor must still apply per row.
type Plan struct {
	Index    *index.Index
	RangeLo  []byte
	RangeHi  []byte
	Residual []Predicate
	Desc     bool
}

// PlanQuery chooses an index from candidates for q, building the prefix
// range bound from q's leading combinable Eq predicates over the index's
// properties (the common, cheap case); anything beyond a straight equality
// prefix becomes residual. When no candidate index covers any requirement
// prefix, ok is false and the caller should fall back to a search cursor.
func PlanQuery(candidates []*index.Index, q *Query, collator index.Collator) (*Plan, bool, error) {
	ix, ok := SelectIndex(candidates, q)
	if !ok {
		return nil, false, nil
	}

	eqByPath := map[string]interface{}{}
	for _, p := range q.Where {
		if p.Op == OpEq {
			eqByPath[p.Path] = p.Value
		}
	}

	prefix := index.IndexIDPrefix(ix.ID)
	lo := append([]byte(nil), prefix...)
	covered := 0
	for _, prop := range ix.Props {
		v, ok := eqByPath[prop.Path]
		if !ok {
			break
		}
		bound, err := index.BoundValue(prop, v, collator)
		if err != nil {
			return nil, false, err
		}
		lo = append(lo, bound...)
		covered++
	}
	hi := append([]byte(nil), lo...)
	hi = append(hi, 0xFF)

	desc := false
	if len(q.OrderBy) > 0 {
		desc = q.OrderBy[0].Desc
	}

	return &Plan{
		Index:    ix,
		RangeLo:  lo,
		RangeHi:  hi,
		Residual: Residual(ix, q, covered),
		Desc:     desc,
	}, true, nil
}

// Cursor iterates an index range, joining each matched entry back to its
// primary document and applying the plan's residual predicates. Pagination
// resumes from the last emitted index-entry key.
type Cursor struct {
	txn       *storage.Txn
	indexesDB kv.Database
	primaryOf func(kindID string) (kv.Database, error)
	kindID    string
	plan      *Plan
	metrics   metrics.Sink

	cur       kv.Cursor
	started   bool
	resuming  bool
	resumeKey []byte
	done      bool
}

// NewCursor opens a Cursor for plan against kindID, resuming just past page
// if page is non-empty (page is the key of the last row a previous call to
// Next emitted).
func NewCursor(txn *storage.Txn, indexesDB kv.Database, primaryOf func(string) (kv.Database, error), kindID string, plan *Plan, page []byte, m metrics.Sink) (*Cursor, error) {
	if m == nil {
		m = metrics.Noop()
	}
	cur, err := indexesDB.Cursor(txn.KV())
	if err != nil {
		return nil, err
	}
	c := &Cursor{txn: txn, indexesDB: indexesDB, primaryOf: primaryOf, kindID: kindID, plan: plan, metrics: m, cur: cur}
	if len(page) > 0 {
		c.resuming = true
		c.resumeKey = page
	} else if plan.Desc {
		c.resumeKey = plan.RangeHi
	} else {
		c.resumeKey = plan.RangeLo
	}
	return c, nil
}

// Row is one matched document plus the token to resume pagination after it.
type Row struct {
	Doc       doc.Doc
	PageToken []byte
}

// Next advances the cursor and returns the next matching, residual-filtered
// row, or ok=false once the index range is exhausted.
func (c *Cursor) Next() (*Row, bool, error) {
	for {
		key, _, ok, err := c.advance()
		if err != nil {
			return nil, false, err
		}
		if !ok || !bytes.HasPrefix(key, index.IndexIDPrefix(c.plan.Index.ID)) {
			c.done = true
			return nil, false, nil
		}
		if c.outOfRange(key) {
			c.done = true
			return nil, false, nil
		}
		c.metrics.AddCursorRowsScanned(1)

		id, err := dbid.FromBytes(key[len(key)-dbid.RawLen:])
		if err != nil {
			continue
		}
		pdb, err := c.primaryOf(c.kindID)
		if err != nil {
			return nil, false, err
		}
		raw, found, err := storage.GetShardAware(pdb, c.txn.KV(), id.ShardPrefix(), id.Bytes())
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		var d map[string]interface{}
		if json.Unmarshal(raw, &d) != nil {
			continue
		}
		if len(c.plan.Residual) > 0 {
			get := func(path string) (interface{}, bool) { return doc.GetPath(doc.Doc(d), path) }
			if !MatchResidual(get, c.plan.Residual) {
				continue
			}
		}
		return &Row{Doc: doc.Doc(d), PageToken: append([]byte(nil), key...)}, true, nil
	}
}

// outOfRange reports whether key has stepped outside the plan's
// [RangeLo, RangeHi) bound in the direction of travel: below RangeLo when
// descending, at or past RangeHi when ascending.
func (c *Cursor) outOfRange(key []byte) bool {
	if c.plan.Desc {
		return bytes.Compare(key, c.plan.RangeLo) < 0
	}
	return bytes.Compare(key, c.plan.RangeHi) >= 0
}

// advance positions the cursor for the next Next() call: the first call
// seeks to the resume point (stepping past it if resuming a page, or
// stepping back once if seeking the exclusive RangeHi sentinel for
// descending iteration); every later call is a plain Next/Prev.
func (c *Cursor) advance() ([]byte, []byte, bool, error) {
	if c.done {
		return nil, nil, false, nil
	}
	if !c.started {
		c.started = true
		k, v, ok, err := c.cur.Seek(c.resumeKey)
		if err != nil {
			return nil, nil, false, err
		}
		switch {
		case c.resuming:
			if !ok {
				return nil, nil, false, nil
			}
			if c.plan.Desc {
				return c.cur.Prev()
			}
			return c.cur.Next()
		case c.plan.Desc:
			if !ok {
				return c.cur.Last()
			}
			return c.cur.Prev()
		default:
			return k, v, ok, nil
		}
	}
	if c.plan.Desc {
		return c.cur.Prev()
	}
	return c.cur.Next()
}
