// Package iterator implements the k-way merge iterator of spec.md §4.6
// and the range-tombstone-filtering wrapper of spec.md §4.7.
//
// Grounded on the teacher's internal/iterator/merging_iterator.go for the
// heap-based k-way merge mechanics (container/heap over a slice of
// per-source head entries), generalized from its push-style Seek/Next/
// Valid interface to a pull-style Source so table.Iterator and
// memtable.Iterator — which already differ in shape — can be adapted
// with a thin wrapper instead of reimplementing Seek/Prev/SeekToLast for
// both. The range-tombstone suppression itself is grounded on
// `original_source/src/range_tombstone_filter.rs`, layered on top of
// internal/rangetombstone's active sets.
package iterator

import (
	"github.com/kvforge/lsmtree/internal/block"
)

// Source is a forward cursor already positioned at its first relevant
// entry: Next returns the entries it has left in internal-key order,
// pulling one at a time instead of exposing a separate Valid/Item/Next
// triad.
type Source interface {
	// Next returns the next item, or ok=false once exhausted. err is
	// non-nil only on an I/O or decode failure, never on ordinary
	// exhaustion.
	Next() (item block.Item, ok bool, err error)
}

// StreamFilter is the compaction-filter hook of spec.md §4.6 step 4: it
// may replace an entry's value, drop it outright, or convert it to a
// tombstone (by returning an item with a tombstone Kind). A dropped entry
// is simply not yielded; it does not itself shadow anything (shadowing is
// governed purely by internal-key order, which the filter does not see).
type StreamFilter func(item block.Item) (out block.Item, keep bool)

func compareBytes(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// SliceSource adapts a pre-sorted, in-memory slice of items into a
// Source. Useful for tests and for feeding a small, already-materialized
// set of entries (e.g. a memtable's range tombstones, reshaped as point
// items) into a merge.
type SliceSource struct {
	items []block.Item
	pos   int
}

// NewSliceSource wraps items, which must already be in internal-key order.
func NewSliceSource(items []block.Item) *SliceSource { return &SliceSource{items: items} }

// Next implements Source.
func (s *SliceSource) Next() (block.Item, bool, error) {
	if s.pos >= len(s.items) {
		return block.Item{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}
