// Package query implements predicate/order planning against a kind's
// indexes, the two cursor flavors (index-backed and in-memory search), and
// the streaming aggregate pipeline.
package query

import (
	"github.com/nkrause/shardb/internal/index"
)

// Op is a predicate operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpPrefix
	OpIn
	OpIntersects // '%' array-contains-any
)

// Predicate is one `where`-clause term: propertyPath Op value(s).
type Predicate struct {
	Path   string
	Op     Op
	Value  interface{}   // scalar operand for Eq/Ne/Lt/Le/Gt/Ge/Prefix
	Values []interface{} // candidate set for In/Intersects
}

// OrderTerm is one `orderBy` clause term.
type OrderTerm struct {
	Path string
	Desc bool
}

// Query is the caller-facing description of a find operation.
type Query struct {
	KindID                string
	Where                 []Predicate
	OrderBy               []OrderTerm
	Limit                 int
	Page                  []byte // pagination token: last emitted index/primary key
	IncludeInactiveShards bool
	Distinct              bool
}

// combinable reports whether a predicate can collapse into a contiguous
// index-range bound (equality, the ordered comparisons and prefix), as
// opposed to every other operator (IN among them), which always becomes a
// residual post-filter in this planner.
func combinable(op Op) bool {
	switch op {
	case OpEq, OpLt, OpLe, OpGt, OpGe, OpPrefix:
		return true
	default:
		return false
	}
}

// requirementPaths returns the ordered list of property paths a query
// needs satisfied by index order: every combinable where-predicate's path
// (in where order) followed by every orderBy path not already present.
func requirementPaths(q *Query) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range q.Where {
		if !combinable(p.Op) {
			continue
		}
		if !seen[p.Path] {
			seen[p.Path] = true
			out = append(out, p.Path)
		}
	}
	for _, o := range q.OrderBy {
		if !seen[o.Path] {
			seen[o.Path] = true
			out = append(out, o.Path)
		}
	}
	return out
}

// SelectIndex picks, among candidates, the index whose property path list is
// the longest prefix of the query's combined predicate/order requirement.
// A nil result (with ok=false) means no index covers any prefix at all and
// the caller must fall back to a full scan / search cursor.
func SelectIndex(candidates []*index.Index, q *Query) (*index.Index, bool) {
	req := requirementPaths(q)
	var best *index.Index
	bestLen := -1
	for _, ix := range candidates {
		paths := ix.PropertyPaths()
		n := 0
		for n < len(paths) && n < len(req) && paths[n] == req[n] {
			n++
		}
		if n == 0 {
			continue
		}
		if n > bestLen {
			best = ix
			bestLen = n
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Residual returns the where-predicates SelectIndex's chosen index does not
// already fold into its range bound: every non-combinable predicate, plus
// every combinable predicate whose path lies beyond how many leading
// properties of ix the range covers.
func Residual(ix *index.Index, q *Query, coveredPrefixLen int) []Predicate {
	covered := map[string]bool{}
	for i, p := range ix.PropertyPaths() {
		if i >= coveredPrefixLen {
			break
		}
		covered[p] = true
	}
	var out []Predicate
	for _, p := range q.Where {
		if combinable(p.Op) && covered[p.Path] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MatchResidual reports whether a document satisfies every residual
// predicate. get returns the document's value at a property path (e.g. a
// closure over doc.GetPath); a path get cannot resolve fails the match.
func MatchResidual(get func(path string) (interface{}, bool), preds []Predicate) bool {
	for _, p := range preds {
		v, ok := get(p.Path)
		if !ok {
			return false
		}
		if !matchOne(v, p) {
			return false
		}
	}
	return true
}

func matchOne(v interface{}, p Predicate) bool {
	switch p.Op {
	case OpEq:
		return compareEqual(v, p.Value)
	case OpNe:
		return !compareEqual(v, p.Value)
	case OpLt, OpLe, OpGt, OpGe:
		c, ok := compareOrdered(v, p.Value)
		if !ok {
			return false
		}
		switch p.Op {
		case OpLt:
			return c < 0
		case OpLe:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpPrefix:
		s, ok1 := v.(string)
		pre, ok2 := p.Value.(string)
		return ok1 && ok2 && len(s) >= len(pre) && s[:len(pre)] == pre
	case OpIn:
		for _, cand := range p.Values {
			if compareEqual(v, cand) {
				return true
			}
		}
		return false
	case OpIntersects:
		arr, ok := v.([]interface{})
		if !ok {
			return false
		}
		for _, elem := range arr {
			for _, cand := range p.Values {
				if compareEqual(elem, cand) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func compareEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareOrdered(a, b interface{}) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

