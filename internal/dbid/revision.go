package dbid

import "sync"

// SeqSource is the subset of the KV engine's sequence primitive the revision
// counter needs: a page-allocated monotone uint64 generator (grounded on
// badger.DB.GetSequence, which hands out a contiguous "bandwidth" of ids per
// refill — see internal/kv.Sequence).
type SeqSource interface {
	Next() (uint64, error)
	Release() error
}

// RevisionCounter is an in-memory front-end for a monotone revision
// sequence. It allocates ids from
// SeqSource in pages of pageSize so a crash between refills costs at most one
// page of burned revisions, and serves individual Next() calls with a fast
// atomic-free path guarded by a mutex (the hot path is one commit at a time
// under a single-writer-per-directory guarantee, so a mutex is simpler than
// CAS-retry here).
type RevisionCounter struct {
	mu       sync.Mutex
	seq      SeqSource
	next     uint64
	pageEnd  uint64 // exclusive upper bound of the currently leased page
	pageSize uint64
}

// NewRevisionCounter wraps seq, leasing pageSize ids at a time (100 by
// default).
func NewRevisionCounter(seq SeqSource, pageSize uint64) *RevisionCounter {
	if pageSize == 0 {
		pageSize = 100
	}
	return &RevisionCounter{seq: seq, pageSize: pageSize}
}

// Next returns the next strictly-increasing revision number, refilling the
// page from the underlying sequence when exhausted.
func (r *RevisionCounter) Next() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= r.pageEnd {
		start, err := r.seq.Next()
		if err != nil {
			return 0, err
		}
		// Each value drawn from seq names one whole page, so consecutive
		// draws never hand out overlapping ranges.
		r.next = start * r.pageSize
		r.pageEnd = r.next + r.pageSize
	}
	rev := r.next
	r.next++
	return rev, nil
}

// Close releases the underlying sequence handle.
func (r *RevisionCounter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq.Release()
}
