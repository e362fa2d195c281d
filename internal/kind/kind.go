// Package kind implements the schema registry: Kind documents, their index
// lists, per-kind property tokenization, and the engine that loads, updates,
// and drops them and fans write notifications out to each kind's indexes.
package kind

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/nkrause/shardb/internal/doc"
	"github.com/nkrause/shardb/internal/index"
	"github.com/nkrause/shardb/internal/token"
)

// Op identifies which write path triggered a kind's per-write hook.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// Kind is a named, versioned schema: its index set, owner, optional parent
// kinds (`extends`), and the append-only token dictionary assigning small
// integers to the property names this kind has ever seen.
type Kind struct {
	ID       string // "Name:Version"
	Owner    string
	Extends  []string
	Indexes  []*index.Index
	SyncRoot bool // true when this kind is the union target for its extends tree
	IncDel   bool // whether a sync index on this kind carries tombstones

	Tokens *token.Map
	Hash   string // structural hash over the index list, drift-detected by the shard engine
}

// IndexChange records how Kind diffs against a successor during a putKind
// reconfiguration.
type IndexChange struct {
	Added   []*index.Index
	Dropped []*index.Index
}

// Diff compares ix against next's index list by name, returning which
// indexes were newly added (need a build-from-scan) and which were dropped
// (need their entry range deleted).
func (ix *Kind) Diff(next []*index.Index) IndexChange {
	oldByName := map[string]*index.Index{}
	for _, i := range ix.Indexes {
		oldByName[i.Name] = i
	}
	newByName := map[string]*index.Index{}
	for _, i := range next {
		newByName[i.Name] = i
	}

	var change IndexChange
	for name, i := range newByName {
		if _, ok := oldByName[name]; !ok {
			change.Added = append(change.Added, i)
		}
	}
	for name, i := range oldByName {
		if _, ok := newByName[name]; !ok {
			change.Dropped = append(change.Dropped, i)
		}
	}
	sort.Slice(change.Added, func(a, b int) bool { return change.Added[a].Name < change.Added[b].Name })
	sort.Slice(change.Dropped, func(a, b int) bool { return change.Dropped[a].Name < change.Dropped[b].Name })
	return change
}

// ComputeHash derives the structural hash the shard engine compares to
// detect schema drift between the version a shard last saw and the kind as
// currently configured.
func ComputeHash(id string, indexes []*index.Index) string {
	h := sha256.New()
	h.Write([]byte(id))
	names := make([]string, len(indexes))
	for i, ix := range indexes {
		names[i] = fmt.Sprintf("%s:%v:%v", ix.Name, ix.PropertyPaths(), ix.IncDel)
	}
	sort.Strings(names)
	for _, n := range names {
		h.Write([]byte(n))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IndexKeys is the result of Kind.IndexDiff for one write: per index, the
// compound candidate keys to remove and to add.
type IndexKeys struct {
	Index   *index.Index
	Added   [][]byte
	Removed [][]byte
}

// IndexDiff computes, for every index on this kind, the added/removed
// compound keys between oldObj and newObj (oldObj nil on insert, newObj nil
// on delete) — step 1-3 of index maintenance.
func (ix *Kind) IndexDiff(oldObj, newObj doc.Doc, collator index.Collator) ([]IndexKeys, error) {
	out := make([]IndexKeys, 0, len(ix.Indexes))
	for _, i := range ix.Indexes {
		var oldKeys, newKeys [][]byte
		var err error
		if oldObj != nil {
			oldKeys, err = i.Extract(oldObj, collator)
			if err != nil {
				return nil, err
			}
		}
		if newObj != nil {
			newKeys, err = i.Extract(newObj, collator)
			if err != nil {
				return nil, err
			}
		}
		added, removed := diffKeySets(oldKeys, newKeys)
		out = append(out, IndexKeys{Index: i, Added: added, Removed: removed})
	}
	return out, nil
}

func diffKeySets(oldKeys, newKeys [][]byte) (added, removed [][]byte) {
	oldSet := map[string]bool{}
	for _, k := range oldKeys {
		oldSet[string(k)] = true
	}
	newSet := map[string]bool{}
	for _, k := range newKeys {
		newSet[string(k)] = true
	}
	for k := range newSet {
		if !oldSet[k] {
			added = append(added, []byte(k))
		}
	}
	for k := range oldSet {
		if !newSet[k] {
			removed = append(removed, []byte(k))
		}
	}
	return added, removed
}
