//go:build goexperiment.arenas

// DecodeArena wraps the experimental arena package into a scratch-buffer
// pool scoped to one scan's worth of short-lived byte copies — the search
// cursor's id-materialization phase is the current caller. Handing those
// copies out of an arena means they never hit the regular GC heap, and
// freeing the whole arena at scan end is one O(1) call instead of N
// individual frees.
package storage

import (
	"arena"
)

// DecodeArena is a thin wrapper around the experimental arena package, scoped
// to the lifetime of one scan's byte copies.
type DecodeArena struct{ ar arena.Arena }

// NewDecodeArena constructs an empty arena ready for allocations.
func NewDecodeArena() *DecodeArena {
	return &DecodeArena{}
}

// Free releases all memory allocated in the arena. After the call, any slice
// previously returned from AllocBytes is invalid.
func (a *DecodeArena) Free() {
	a.ar = arena.Arena{}
}

// AllocBytes copies buf into the arena and returns the arena-owned copy —
// used by Search to stage each matched row's id copy, so the scan never
// allocates on the regular heap per matched row.
func (a *DecodeArena) AllocBytes(buf []byte) []byte {
	dst := arena.MakeSlice[byte](&a.ar, len(buf), len(buf))
	copy(dst, buf)
	return dst
}
