// Package watch implements the watcher registry: entries attached by find/
// watch that are re-evaluated on every commit against the kind they're
// watching and fire at most once.
package watch

import (
	"sync"

	"github.com/nkrause/shardb/internal/metrics"
	"github.com/nkrause/shardb/internal/storage"
)

// Matcher decides whether a commit against a kind should cause this watch to
// fire. Implementations hold whatever end-key/predicate state the original
// query resolved to; the registry itself is match-logic agnostic.
type Matcher interface {
	// Matches reports whether the given kind/commit touches the watched
	// range. changedKeys is the set of index or primary keys the commit
	// touched within kindID.
	Matches(kindID string, changedKeys [][]byte) bool
}

// Consumer receives the fire notification. It's held weakly in spirit —
// Registry never blocks delivery and drops a watch whose consumer reports
// it's gone.
type Consumer interface {
	// Fire is called at most once, the first time the watch matches a
	// commit. A false return means the consumer has gone away and the watch
	// should detach without counting as a successful fire.
	Fire() bool
}

// Entry is one attached watch.
type Entry struct {
	ID       uint64
	KindID   string
	Matcher  Matcher
	Consumer Consumer

	mu      sync.Mutex
	fired   bool
	detached bool
}

// Registry tracks every outstanding watch, grouped by kind for cheap
// commit-time lookup.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	byKind  map[string]map[uint64]*Entry
	metrics metrics.Sink
}

// New constructs an empty Registry. m may be nil, in which case metrics.Noop()
// is used.
func New(m metrics.Sink) *Registry {
	if m == nil {
		m = metrics.Noop()
	}
	return &Registry{byKind: map[string]map[uint64]*Entry{}, metrics: m}
}

// Attach registers a new watch against kindID and returns its Entry. Callers
// detach it explicitly via Detach, or it self-detaches the first time it
// fires.
func (r *Registry) Attach(kindID string, matcher Matcher, consumer Consumer) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := &Entry{ID: r.nextID, KindID: kindID, Matcher: matcher, Consumer: consumer}
	m, ok := r.byKind[kindID]
	if !ok {
		m = map[uint64]*Entry{}
		r.byKind[kindID] = m
	}
	m[e.ID] = e
	return e
}

// Detach removes e from the registry; safe to call more than once.
func (r *Registry) Detach(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byKind[e.KindID]; ok {
		delete(m, e.ID)
		if len(m) == 0 {
			delete(r.byKind, e.KindID)
		}
	}
}

// NotifyCommit evaluates every watch on the kinds present in changedKeys,
// firing and detaching matches. It is the moment-of-commit hook; callers
// invoke it from a storage.Monitor.Committed implementation (or directly,
// since shardb's write path already knows which kinds a transaction touched).
func (r *Registry) NotifyCommit(changedKeys map[string][][]byte) {
	for kindID, keys := range changedKeys {
		r.mu.Lock()
		entries := make([]*Entry, 0, len(r.byKind[kindID]))
		for _, e := range r.byKind[kindID] {
			entries = append(entries, e)
		}
		r.mu.Unlock()

		for _, e := range entries {
			r.metrics.IncWatchEvaluate()
			if !e.Matcher.Matches(kindID, keys) {
				continue
			}
			e.mu.Lock()
			already := e.fired || e.detached
			if !already {
				e.fired = true
			}
			e.mu.Unlock()
			if already {
				continue
			}
			if e.Consumer.Fire() {
				r.metrics.IncWatchFire()
			}
			r.Detach(e)
		}
	}
}

var _ storage.Monitor = (*engineMonitor)(nil)

// engineMonitor adapts a Registry into a storage.Monitor so it can be
// registered directly on a write's storage.Txn via AddMonitor, given the set
// of kinds/keys that transaction is about to touch.
type engineMonitor struct {
	reg         *Registry
	changedKeys map[string][][]byte
}

// NewMonitor builds a storage.Monitor that notifies reg's watches on commit
// for the given per-kind changed-key set, and does nothing on abort/destroy.
func NewMonitor(reg *Registry, changedKeys map[string][][]byte) storage.Monitor {
	return &engineMonitor{reg: reg, changedKeys: changedKeys}
}

func (m *engineMonitor) Committed(*storage.Txn) { m.reg.NotifyCommit(m.changedKeys) }
func (m *engineMonitor) Destroy(*storage.Txn)   {}
