// Package storage wraps a kv.Txn with the bookkeeping every write path in
// shardb needs on top of a bare transaction: a monitor set that's told about
// commit or destroy, one-shot pre/post-commit signal lists, and an
// accumulated per-(owner,kind) quota delta that's only applied once the
// underlying kv.Txn actually commits.
package storage

import (
	"sync"

	"github.com/nkrause/shardb/internal/kv"
)

// Monitor is notified when the owning Txn finishes. Destroy fires whenever
// the Txn goes away without a prior Commit (i.e. it implicitly signals
// abort); Committed only fires after a successful Commit.
type Monitor interface {
	Committed(t *Txn)
	Destroy(t *Txn)
}

// QuotaKey identifies the (owner, kind) pair a storage delta accrues
// against.
type QuotaKey struct {
	Owner string
	Kind  string
}

// Applier persists accumulated quota deltas; it is supplied by whatever
// keeps the Quota:1 built-in kind up to date.
type Applier interface {
	ApplyQuota(deltas map[QuotaKey]int64) error
}

// Txn wraps one kv.Txn (which may itself be nested) with monitors, signals,
// and quota accounting. A Txn is not safe for concurrent use.
type Txn struct {
	mu sync.Mutex

	kvTxn   kv.Txn
	applier Applier

	monitors []Monitor
	preFns   []func() error
	postFns  []func()

	deltas map[QuotaKey]int64

	committed bool
	done      bool
}

// New wraps kvTxn. applier may be nil when quota accounting isn't wired
// (tests, the `mem` engine in isolation).
func New(kvTxn kv.Txn, applier Applier) *Txn {
	return &Txn{kvTxn: kvTxn, applier: applier, deltas: map[QuotaKey]int64{}}
}

// KV returns the underlying kv.Txn, for callers (kind/index/query) that need
// to hand it to a kv.Database method directly.
func (t *Txn) KV() kv.Txn { return t.kvTxn }

// Writable reports whether the underlying kv.Txn permits writes.
func (t *Txn) Writable() bool { return t.kvTxn.Writable() }

// AddMonitor registers m to be told about this Txn's outcome.
func (t *Txn) AddMonitor(m Monitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.monitors = append(t.monitors, m)
}

// OnPreCommit registers fn to run, in registration order, before the
// underlying kv.Txn commits. The first error aborts the commit.
func (t *Txn) OnPreCommit(fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preFns = append(t.preFns, fn)
}

// OnPostCommit registers fn to run, in registration order, after the
// underlying kv.Txn has durably committed, before any monitor's Committed
// callback returns.
func (t *Txn) OnPostCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postFns = append(t.postFns, fn)
}

// OffsetQuota accumulates a signed byte delta against (owner, kind). Every
// write that grows or shrinks a persistent record calls this with the exact
// byte footprint change; a cursor-level delete negates the deleted record's
// footprint.
func (t *Txn) OffsetQuota(owner, kind string, deltaBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deltas[QuotaKey{Owner: owner, Kind: kind}] += deltaBytes
}

// Commit runs pre-commit signals, commits the underlying kv.Txn, applies the
// accumulated quota deltas, then runs post-commit signals and notifies
// monitors. If any pre-commit signal fails the underlying txn is aborted and
// the error returned; quota deltas and post-commit signals never run in that
// case.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	pre := append([]func() error(nil), t.preFns...)
	t.mu.Unlock()

	for _, fn := range pre {
		if err := fn(); err != nil {
			_ = t.Abort()
			return err
		}
	}

	if err := t.kvTxn.Commit(); err != nil {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		t.notifyDestroy()
		return err
	}

	t.mu.Lock()
	t.done = true
	t.committed = true
	deltas := t.deltas
	post := append([]func(){}, t.postFns...)
	mons := append([]Monitor(nil), t.monitors...)
	t.mu.Unlock()

	if t.applier != nil && len(deltas) > 0 {
		if err := t.applier.ApplyQuota(deltas); err != nil {
			// Quota application failing after a durable commit is an
			// accounting problem, not a reason to pretend the write failed.
			// The caller already has a committed record; surface nothing
			// here beyond returning the error so it can be logged upstream.
			return err
		}
	}

	for _, fn := range post {
		fn()
	}
	for _, m := range mons {
		m.Committed(t)
	}
	return nil
}

// Abort discards the underlying kv.Txn and every accumulated quota delta,
// then notifies monitors via Destroy. Safe to call more than once and after
// Commit (both are no-ops in that case).
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.mu.Unlock()

	err := t.kvTxn.Abort()
	t.notifyDestroy()
	return err
}

func (t *Txn) notifyDestroy() {
	if t.committed {
		return
	}
	t.mu.Lock()
	mons := append([]Monitor(nil), t.monitors...)
	t.mu.Unlock()
	for _, m := range mons {
		m.Destroy(t)
	}
}
