package iterator

import (
	"container/heap"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/ikey"
)

// headEntry is one source's current head item, parked on the merge heap
// until it is popped and the source is asked for its next item.
type headEntry struct {
	item   block.Item
	srcIdx int
}

// mergeHeap is a min-heap over headEntry ordered by internal-key order,
// with source index breaking ties at equal (user_key, seqno) — the
// teacher's container/heap.Interface idiom from merging_iterator.go,
// reshaped around pull-style Source instead of push-style Iterator.
type mergeHeap []headEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := compareBytes(a.item.UserKey, b.item.UserKey); c != 0 {
		return c < 0
	}
	if a.item.Seq != b.item.Seq {
		return a.item.Seq > b.item.Seq
	}
	return a.srcIdx < b.srcIdx
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(headEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator merges k sorted Sources into one internal-key-ordered
// stream (spec.md §4.6). By default it forwards every entry, including
// older versions shadowed by a newer one at the same user key — a
// compaction writer needs those to satisfy reads from a snapshot that
// predates the newer version. Set EvictOldVersions to drop shadowed
// entries instead of forwarding them, valid only once no open snapshot
// can still need them.
type MergeIterator struct {
	sources []Source
	h       mergeHeap
	pending []headEntry

	evictOldVersions bool
	filter           StreamFilter
	onEvict          EvictFunc
}

// EvictFunc is called with every shadowed entry that EvictOldVersions
// causes nextWinner to drop instead of forward (spec.md §4.6 step 3's
// evict path throws the entry away outright, independent of its kind —
// a caller that needs to know what was discarded, e.g. to mark a blob
// indirection's bytes dead, hooks in here).
type EvictFunc func(item block.Item)

// Options configures a MergeIterator.
type Options struct {
	// EvictOldVersions drops shadowed entries instead of forwarding them
	// (spec.md §4.6 step 3): valid only for a deep compaction with no
	// open snapshot at or below the watermark.
	EvictOldVersions bool
	// Filter is the optional compaction-filter hook (spec.md §4.6 step 4).
	Filter StreamFilter
	// OnEvict, if set, is invoked for every entry EvictOldVersions drops.
	OnEvict EvictFunc
}

// New builds a MergeIterator over sources, each already positioned at its
// first relevant entry.
func New(sources []Source, opts Options) (*MergeIterator, error) {
	mi := &MergeIterator{sources: sources, evictOldVersions: opts.EvictOldVersions, filter: opts.Filter, onEvict: opts.OnEvict}
	for i, s := range sources {
		if err := mi.refill(i, s); err != nil {
			return nil, err
		}
	}
	heap.Init(&mi.h)
	return mi, nil
}

func (mi *MergeIterator) refill(idx int, s Source) error {
	item, ok, err := s.Next()
	if err != nil {
		return err
	}
	if ok {
		heap.Push(&mi.h, headEntry{item: item, srcIdx: idx})
	}
	return nil
}

// Next returns the next entry in the merged stream, or ok=false once
// every source is exhausted.
func (mi *MergeIterator) Next() (block.Item, bool, error) {
	for {
		winner, err := mi.nextWinner()
		if err != nil {
			return block.Item{}, false, err
		}
		if winner == nil {
			return block.Item{}, false, nil
		}

		// A WeakTombstone only exists to mask strictly-older versions of
		// its key (spec.md §9 open question): once evictOldVersions says
		// those older versions may finally be dropped, the WeakTombstone
		// itself has nothing left to do and is dropped too, resurrecting
		// whichever shadowed entry is next instead of propagating a
		// delete marker forever the way a real Tombstone does.
		if mi.evictOldVersions && winner.item.Kind == ikey.KindWeakTombstone {
			continue
		}

		item := winner.item
		if mi.filter != nil {
			out, keep := mi.filter(item)
			if !keep {
				continue
			}
			item = out
		}
		return item, true, nil
	}
}

// nextWinner returns the next entry to hand to the caller (or to the
// filter), draining and — unless evictOldVersions is set — queuing up
// every entry it shadows along the way.
func (mi *MergeIterator) nextWinner() (*headEntry, error) {
	if len(mi.pending) > 0 {
		w := mi.pending[0]
		mi.pending = mi.pending[1:]
		return &w, nil
	}
	if mi.h.Len() == 0 {
		return nil, nil
	}
	winner := mi.h[0]
	heap.Pop(&mi.h)
	if err := mi.refill(winner.srcIdx, mi.sources[winner.srcIdx]); err != nil {
		return nil, err
	}

	// Drain every subsequent entry sharing the winner's user key: by
	// heap order they are all shadowed versions (spec.md §4.6 step 2).
	var shadowed []headEntry
	for mi.h.Len() > 0 && compareBytes(mi.h[0].item.UserKey, winner.item.UserKey) == 0 {
		next := mi.h[0]
		heap.Pop(&mi.h)
		shadowed = append(shadowed, next)
		if err := mi.refill(next.srcIdx, mi.sources[next.srcIdx]); err != nil {
			return nil, err
		}
	}
	// A WeakTombstone winner's shadowed entries must survive eviction even
	// when evictOldVersions is set: they were only ever masked "weakly"
	// (spec.md §9 open question on WeakTombstone resurrection).
	if !mi.evictOldVersions || winner.item.Kind == ikey.KindWeakTombstone {
		if len(shadowed) > 0 {
			mi.pending = shadowed
		}
	} else if mi.onEvict != nil {
		for _, s := range shadowed {
			mi.onEvict(s.item)
		}
	}
	return &winner, nil
}
