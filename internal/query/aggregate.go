package query

import (
	"strconv"

	"github.com/nkrause/shardb/internal/doc"
)

// AggFunc names one of the streaming aggregate operators.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggMin
	AggMax
	AggSum
	AggAvg
	AggFirst
	AggLast
)

// Aggregate is one aggregate-pipeline term: a function over the value at
// Path (ignored for AggCount). Grouping is set per Pipeline (NewPipeline's
// groupByPath), not per term.
type Aggregate struct {
	Func AggFunc
	Path string
}

// bucketState accumulates one (groupKey -> per-aggregate state) row across a
// single streaming pass.
type bucketState struct {
	count int64
	sum   float64
	min   interface{}
	max   interface{}
	first interface{}
	last  interface{}
	seen  bool
}

// Pipeline runs one or more Aggregates over a stream of documents, optionally
// grouped by the value(s) at groupByPath. An array-valued groupBy property
// fans a single document out into one bucket contribution per element.
type Pipeline struct {
	aggs        []Aggregate
	groupByPath string
	buckets     map[string]*bucketState
	order       []string // first-seen bucket-key order, for deterministic output
}

// NewPipeline constructs a Pipeline for aggs, optionally grouped by
// groupByPath (empty string means one ungrouped bucket).
func NewPipeline(aggs []Aggregate, groupByPath string) *Pipeline {
	return &Pipeline{aggs: aggs, groupByPath: groupByPath, buckets: map[string]*bucketState{}}
}

// Feed folds one document into the pipeline's running state. Call it once
// per matched row during a single streaming pass over a query's results.
func (p *Pipeline) Feed(d doc.Doc) {
	if p.groupByPath == "" {
		p.fold("", d)
		return
	}
	v, ok := doc.GetPath(d, p.groupByPath)
	if !ok {
		return
	}
	if arr, ok := v.([]interface{}); ok {
		for _, elem := range arr {
			p.fold(groupKey(elem), d)
		}
		return
	}
	p.fold(groupKey(v), d)
}

func groupKey(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case float64:
		return "n:" + formatFloat(t)
	case int64:
		return "n:" + formatFloat(float64(t))
	case bool:
		if t {
			return "b:1"
		}
		return "b:0"
	default:
		return "n:null"
	}
}

func (p *Pipeline) fold(key string, d doc.Doc) {
	b, ok := p.buckets[key]
	if !ok {
		b = &bucketState{}
		p.buckets[key] = b
		p.order = append(p.order, key)
	}
	b.count++
	for _, a := range p.aggs {
		if a.Func == AggCount {
			continue
		}
		v, ok := doc.GetPath(d, a.Path)
		if !ok {
			continue
		}
		switch a.Func {
		case AggSum, AggAvg:
			if f, ok := toFloat(v); ok {
				b.sum += f
			}
		case AggMin:
			if b.min == nil {
				b.min = v
			} else if c, ok := compareOrdered(v, b.min); ok && c < 0 {
				b.min = v
			}
		case AggMax:
			if b.max == nil {
				b.max = v
			} else if c, ok := compareOrdered(v, b.max); ok && c > 0 {
				b.max = v
			}
		case AggFirst:
			if !b.seen {
				b.first = v
			}
		case AggLast:
			b.last = v
		}
	}
	b.seen = true
}

// Bucket is one group's final aggregate results, keyed by aggregate function.
type Bucket struct {
	GroupKey string
	Values   map[AggFunc]interface{}
}

// Result returns every bucket's final values, in first-seen order.
func (p *Pipeline) Result() []Bucket {
	out := make([]Bucket, 0, len(p.order))
	for _, key := range p.order {
		b := p.buckets[key]
		vals := map[AggFunc]interface{}{}
		for _, a := range p.aggs {
			switch a.Func {
			case AggCount:
				vals[AggCount] = b.count
			case AggSum:
				vals[AggSum] = b.sum
			case AggAvg:
				if b.count > 0 {
					vals[AggAvg] = b.sum / float64(b.count)
				} else {
					vals[AggAvg] = 0.0
				}
			case AggMin:
				vals[AggMin] = b.min
			case AggMax:
				vals[AggMax] = b.max
			case AggFirst:
				vals[AggFirst] = b.first
			case AggLast:
				vals[AggLast] = b.last
			}
		}
		out = append(out, Bucket{GroupKey: key, Values: vals})
	}
	return out
}

func formatFloat(f float64) string {
	// Cheap, stable stringification for use only as a map key, not for display.
	return strconv.FormatFloat(f, 'g', -1, 64)
}
