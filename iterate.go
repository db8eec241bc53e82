package lsmtree

// iterate.go implements Range and Prefix: spec.md §4.6/§4.7's read-path
// composition (memtable + per-level table iterators -> merge iterator
// resolves visibility -> range-tombstone filter) wired up behind the
// public Tree facade.
//
// Scope gap: internal/block, internal/table, and internal/memtable's
// iterators are all forward-only (no SeekToLast/Prev), so this engine
// does not implement reverse iteration even though spec.md describes a
// double-ended contract. Range and Prefix here are forward-only; see
// DESIGN.md.
//
// Grounded on the teacher's db_apis.go Range (bounds handling) and
// internal/iterator/merging_iterator.go (the composition order), with
// the per-key snapshot-visibility collapsing step modeled on
// original_source/src/compaction/worker.rs's evict_old_versions gate,
// generalized from a compaction-only concept into an ordinary read-time
// filter via a stateful iterator.StreamFilter closure.

import (
	"bytes"

	"github.com/kvforge/lsmtree/internal/blob"
	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/cache"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/iterator"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/rangetombstone"
	"github.com/kvforge/lsmtree/internal/version"
)

// visibilityFilter collapses a merged internal-key stream (sorted by
// user_key asc, then seqno desc) down to at most one entry per user key:
// the newest version at or below readSeq. Tombstoned winners are dropped
// entirely, and every other version of that key — whether shadowed by
// the winner or simply never visible at readSeq — is dropped too.
type visibilityFilter struct {
	readSeq ikey.SeqNo
	lastKey []byte
	seen    bool
}

func (f *visibilityFilter) filter(item block.Item) (block.Item, bool) {
	if f.lastKey == nil || !bytes.Equal(item.UserKey, f.lastKey) {
		f.lastKey = append(f.lastKey[:0], item.UserKey...)
		f.seen = false
	}
	if f.seen {
		return item, false
	}
	if item.Seq > f.readSeq {
		return item, false
	}
	f.seen = true
	if item.Kind == ikey.KindTombstone || item.Kind == ikey.KindWeakTombstone {
		return item, false
	}
	return item, true
}

// Iterator yields (key, value) pairs in ascending user-key order, with
// range-tombstone suppression and KV-separation already resolved.
type Iterator struct {
	tree    *Tree
	src     iterator.Source
	end     []byte // exclusive upper bound, nil = unbounded
	ownSnap *Snapshot

	item block.Item
	val  []byte
	err  error
	done bool
}

// Next advances the iterator. It returns false once the range is
// exhausted or an error occurred; check Err to distinguish the two.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	item, ok, err := it.src.Next()
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	if it.end != nil && bytes.Compare(item.UserKey, it.end) >= 0 {
		it.done = true
		return false
	}

	val := item.Value
	if item.Kind == ikey.KindIndirection {
		ind, derr := blob.DecodeIndirection(item.Value)
		if derr != nil {
			it.err = derr
			it.done = true
			return false
		}
		v, gerr := it.tree.blobs.Get(ind)
		if gerr != nil {
			it.err = gerr
			it.done = true
			return false
		}
		val = v
	}

	it.item = item
	it.val = val
	return true
}

// Key returns the current entry's user key. Valid only after a Next that
// returned true.
func (it *Iterator) Key() []byte { return it.item.UserKey }

// Value returns the current entry's value, with any blob indirection
// already resolved.
func (it *Iterator) Value() []byte { return it.val }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the snapshot this iterator pinned internally, if Range
// or Prefix was called without a caller-supplied one. It is a no-op
// otherwise.
func (it *Iterator) Close() {
	if it.ownSnap != nil {
		it.ownSnap.Release()
		it.ownSnap = nil
	}
}

// buildIterator is the shared composition step behind Range and Prefix:
// it gathers every source overlapping [start, end), merges them, resolves
// snapshot visibility, and applies range-tombstone suppression.
func (t *Tree) buildIterator(start, end []byte, seq ikey.SeqNo, snap *Snapshot) (*Iterator, error) {
	var ownSnap *Snapshot
	if snap == nil {
		snap = t.Snapshot(seq)
		ownSnap = snap
	}

	t.sealedMu.Lock()
	sealed := append([]sealedMemTable(nil), t.sealed...)
	t.sealedMu.Unlock()

	t.activeMu.RLock()
	active := t.active
	t.activeMu.RUnlock()

	v := snap.version

	var sources []iterator.Source
	var tombstones []rangetombstone.RangeTombstone

	sources = append(sources, iterator.FromMemTable(active.Iterator(start)))
	for _, rt := range active.RangeTombstones() {
		tombstones = append(tombstones, rangetombstone.RangeTombstone{Start: rt.Start, End: rt.End, Seq: rt.Seq})
	}
	for _, entry := range sealed {
		sources = append(sources, iterator.FromMemTable(entry.mt.Iterator(start)))
		for _, rt := range entry.mt.RangeTombstones() {
			tombstones = append(tombstones, rangetombstone.RangeTombstone{Start: rt.Start, End: rt.End, Seq: rt.Seq})
		}
	}

	for lvl := 0; lvl < version.NumLevels; lvl++ {
		for _, run := range v.Level(lvl).Runs {
			for _, tm := range run.Tables {
				outside := (end != nil && bytes.Compare(tm.KeyMin, end) >= 0) ||
					(len(tm.KeyMax) > 0 && bytes.Compare(tm.KeyMax, start) < 0)
				r, err := t.openTable(tm.ID)
				if err != nil {
					if ownSnap != nil {
						ownSnap.Release()
					}
					return nil, err
				}
				for _, rt := range r.RangeTombstones() {
					tombstones = append(tombstones, rangetombstone.RangeTombstone{Start: rt.Start, End: rt.End, Seq: rt.Seq})
				}
				if outside {
					continue
				}
				it, err := r.Range(start, cache.ReadThrough)
				if err != nil {
					if ownSnap != nil {
						ownSnap.Release()
					}
					return nil, err
				}
				sources = append(sources, iterator.FromTable(it))
			}
		}
	}

	sortTombstonesForward(tombstones)

	vf := &visibilityFilter{readSeq: seq}
	merged, err := iterator.New(sources, iterator.Options{Filter: vf.filter})
	if err != nil {
		if ownSnap != nil {
			ownSnap.Release()
		}
		return nil, err
	}

	var src iterator.Source = merged
	if len(tombstones) > 0 {
		src = iterator.NewRangeTombstoneFilter(merged, tombstones, seq)
	}

	return &Iterator{tree: t, src: src, end: end, ownSnap: ownSnap}, nil
}

// sortTombstonesForward sorts ts by (Start asc, Seq desc), the order
// NewRangeTombstoneFilter requires.
func sortTombstonesForward(ts []rangetombstone.RangeTombstone) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0; j-- {
			a, b := ts[j-1], ts[j]
			if bytes.Compare(a.Start, b.Start) < 0 || (bytes.Equal(a.Start, b.Start) && a.Seq >= b.Seq) {
				break
			}
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

// Range returns an Iterator over [start, end). A nil end means unbounded.
// A nil snap reads against a fresh internally-owned snapshot at seq,
// released when the Iterator is Closed; a caller-supplied snap is left
// for the caller to release.
func (t *Tree) Range(start, end []byte, seq ikey.SeqNo, snap *Snapshot) (*Iterator, error) {
	if t.closed.Load() {
		return nil, lsmerr.ErrClosed
	}
	if end != nil && bytes.Compare(start, end) >= 0 {
		return nil, lsmerr.ErrInvalidRange
	}
	return t.buildIterator(start, end, seq, snap)
}

// nextPrefixUpperBound returns the least key greater than every key
// having prefix p, or nil if p is unbounded (all 0xFF bytes, or empty).
func nextPrefixUpperBound(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// Prefix returns an Iterator over every key having prefix p (spec.md
// §6.4: sugar for range(p, next(p))).
func (t *Tree) Prefix(p []byte, seq ikey.SeqNo, snap *Snapshot) (*Iterator, error) {
	if t.closed.Load() {
		return nil, lsmerr.ErrClosed
	}
	end := nextPrefixUpperBound(p)
	return t.buildIterator(p, end, seq, snap)
}
