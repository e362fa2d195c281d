// Package metrics is a thin abstraction over Prometheus so shardb can be run
// with or without metrics. Passing a *prometheus.Registry to WithMetrics
// creates labeled collectors and registers them; otherwise a no-op sink is
// used and the hot path does not pay for metric updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the internal interface abstracting the concrete backend (Prometheus
// vs noop). Only core components depend on it; nothing outside shardb sees
// this interface.
type Sink interface {
	IncCommit()
	IncAbort()
	IncRetry()
	IncWatchFire()
	IncWatchEvaluate()
	IncShardMount()
	IncShardUnmount()
	IncQuotaReject()
	AddCursorRowsScanned(n int)
}

type noopSink struct{}

func (noopSink) IncCommit()                 {}
func (noopSink) IncAbort()                  {}
func (noopSink) IncRetry()                  {}
func (noopSink) IncWatchFire()              {}
func (noopSink) IncWatchEvaluate()          {}
func (noopSink) IncShardMount()             {}
func (noopSink) IncShardUnmount()           {}
func (noopSink) IncQuotaReject()            {}
func (noopSink) AddCursorRowsScanned(int)   {}

// Noop returns the zero-overhead Sink used when metrics aren't configured.
func Noop() Sink { return noopSink{} }

type promSink struct {
	commits           prometheus.Counter
	aborts            prometheus.Counter
	retries           prometheus.Counter
	watchFires        prometheus.Counter
	watchEvaluations  prometheus.Counter
	shardMounts       prometheus.Counter
	shardUnmounts     prometheus.Counter
	quotaRejects      prometheus.Counter
	cursorRowsScanned prometheus.Counter
}

// NewProm builds a Sink backed by reg. Caller must not pass a nil registry;
// use Noop() instead when metrics are disabled.
func NewProm(reg *prometheus.Registry) Sink {
	p := &promSink{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "commits_total", Help: "Number of committed transactions.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "aborts_total", Help: "Number of aborted transactions.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "retries_total", Help: "Number of requests retried after a deadlock.",
		}),
		watchFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "watch_fires_total", Help: "Number of watches that fired.",
		}),
		watchEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "watch_evaluations_total", Help: "Number of watch re-evaluations on commit.",
		}),
		shardMounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "shard_mounts_total", Help: "Number of shards mounted.",
		}),
		shardUnmounts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "shard_unmounts_total", Help: "Number of shards unmounted.",
		}),
		quotaRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "quota_rejections_total", Help: "Number of writes rejected by quota enforcement.",
		}),
		cursorRowsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardb", Name: "cursor_rows_scanned_total", Help: "Number of rows scanned by query cursors.",
		}),
	}
	reg.MustRegister(p.commits, p.aborts, p.retries, p.watchFires, p.watchEvaluations,
		p.shardMounts, p.shardUnmounts, p.quotaRejects, p.cursorRowsScanned)
	return p
}

func (p *promSink) IncCommit()               { p.commits.Inc() }
func (p *promSink) IncAbort()                { p.aborts.Inc() }
func (p *promSink) IncRetry()                { p.retries.Inc() }
func (p *promSink) IncWatchFire()            { p.watchFires.Inc() }
func (p *promSink) IncWatchEvaluate()        { p.watchEvaluations.Inc() }
func (p *promSink) IncShardMount()           { p.shardMounts.Inc() }
func (p *promSink) IncShardUnmount()         { p.shardUnmounts.Inc() }
func (p *promSink) IncQuotaReject()          { p.quotaRejects.Inc() }
func (p *promSink) AddCursorRowsScanned(n int) {
	p.cursorRowsScanned.Add(float64(n))
}

// New picks the Prometheus implementation when reg is non-nil, the no-op
// implementation otherwise.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return Noop()
	}
	return NewProm(reg)
}
