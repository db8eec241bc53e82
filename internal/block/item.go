// Package block implements the block codec described in spec.md §4.1: a
// restart-interval prefix-compressed list of items with an optional hash
// bucket index and a fixed trailer, plus the on-disk block framing of
// spec.md §6.2.
//
// Grounded on the teacher's internal/block/builder.go (restart-interval
// encoding) and internal/block/block.go (packed index-type/restart-count
// footer, the direct ancestor of this spec's hash index).
package block

import (
	"github.com/kvforge/lsmtree/internal/ikey"
)

// Item is one entry of a block. Data blocks use UserKey/Seq/Kind/Value
// directly; index blocks reuse the same shape with UserKey set to the end
// key of the referenced block and Value set to the varint-encoded
// (file_offset, on_disk_size) pair (spec.md §4.1 "Index-block entries use
// an analogous layout").
type Item struct {
	UserKey []byte
	Seq     ikey.SeqNo
	Kind    ikey.Kind
	Value   []byte
}

// Less orders items the way a data block must be written in: internal-key
// order (user_key asc, seqno desc).
func Less(a, b Item) bool {
	c := compareBytes(a.UserKey, b.UserKey)
	if c != 0 {
		return c < 0
	}
	return a.Seq > b.Seq
}

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
