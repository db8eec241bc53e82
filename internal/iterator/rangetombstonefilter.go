package iterator

import (
	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/rangetombstone"
)

// RangeTombstoneFilter wraps a Source (typically a MergeIterator) with a
// pre-sorted tombstone list and suppresses entries it covers (spec.md
// §4.7). Tombstones must be sorted (start asc, seqno desc) for forward
// iteration.
type RangeTombstoneFilter struct {
	src        Source
	tombstones []rangetombstone.RangeTombstone
	next       int
	active     *rangetombstone.ActiveSet
}

// NewRangeTombstoneFilter wraps src. tombstones must be sorted by
// (Start asc, Seq desc); readSeq is the cutoff below which a tombstone
// is visible.
func NewRangeTombstoneFilter(src Source, tombstones []rangetombstone.RangeTombstone, readSeq ikey.SeqNo) *RangeTombstoneFilter {
	return &RangeTombstoneFilter{
		src:        src,
		tombstones: tombstones,
		active:     rangetombstone.NewActiveSet(readSeq),
	}
}

// Next implements Source, skipping entries covered by an active tombstone.
func (f *RangeTombstoneFilter) Next() (block.Item, bool, error) {
	for {
		item, ok, err := f.src.Next()
		if err != nil || !ok {
			return block.Item{}, false, err
		}

		for f.next < len(f.tombstones) && compareBytes(f.tombstones[f.next].Start, item.UserKey) <= 0 {
			f.active.Activate(f.tombstones[f.next])
			f.next++
		}
		f.active.ExpireUntil(item.UserKey)

		if f.active.IsSuppressed(item.Seq) {
			continue
		}
		return item, true, nil
	}
}
