package lsmtree

// snapshot.go implements snapshot management: a Snapshot pins a Version
// so concurrent compaction can't reclaim table files a reader still needs
// (spec.md §4.7).
//
// Grounded on the teacher's snapshot.go (the refcounted doubly-linked
// list of live snapshots, and Release notifying the owning DB to sweep
// deferred cleanup) — generalized from a bare sequence number to pinning
// a whole Version, since this engine's tables are reclaimed per-Version
// rather than via a single global sequence watermark.

import (
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/version"
)

// Snapshot pins a Version and a seqno so a reader can iterate or repeat
// point lookups against a consistent, unchanging view of the tree even as
// later writes and compactions proceed. It must be released with Release
// once the caller is done with it; an unreleased Snapshot holds its
// Version's table files (and any blob files they reference) back from
// physical reclamation.
type Snapshot struct {
	tree    *Tree
	id      uint64
	seq     ikey.SeqNo
	version *version.Version

	prev, next *Snapshot
}

// Snapshot pins the tree's current Version at seq and returns a handle to
// it. Passing ikey.SeqNoMax pins everything visible right now.
func (t *Tree) Snapshot(seq ikey.SeqNo) *Snapshot {
	v := t.manifest.Set().Current()
	s := &Snapshot{tree: t, id: t.nextSnapID.Add(1) - 1, seq: seq, version: v}

	t.snapMu.Lock()
	s.next = t.snapHead
	if t.snapHead != nil {
		t.snapHead.prev = s
	}
	t.snapHead = s
	t.snapMu.Unlock()
	return s
}

// Seq returns the seqno this Snapshot reads at.
func (s *Snapshot) Seq() ikey.SeqNo { return s.seq }

// Release unpins the Snapshot's Version, letting any table file it alone
// was holding back be physically reclaimed.
func (s *Snapshot) Release() {
	t := s.tree
	t.snapMu.Lock()
	if s.prev != nil {
		s.prev.next = s.next
	} else if t.snapHead == s {
		t.snapHead = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	t.snapMu.Unlock()

	s.version.Unref()
	t.recheckDeferred()
}
