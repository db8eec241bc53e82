// Package table implements the table (on-disk sorted file) writer and
// reader described in spec.md §4.2/4.3 and the byte layout of spec.md §6.2:
// data blocks, optional partitioned index blocks + top-level index, a
// filter block, a range-tombstone block, a metadata block, and a trailer.
//
// Grounded on the teacher's internal/table/builder.go (streaming write
// protocol with block rotation on size threshold) and internal/table/
// reader.go (trailer-first recovery, cache-backed block reads).
package table

import "github.com/kvforge/lsmtree/internal/varint"

// Handle locates an on-disk block frame: its header start offset and the
// total frame length (header + compressed payload).
type Handle struct {
	Offset uint64
	Length uint32
}

// AppendHandle appends a handle's fixed 12-byte encoding.
func AppendHandle(dst []byte, h Handle) []byte {
	dst = varint.AppendFixed64(dst, h.Offset)
	dst = varint.AppendFixed32(dst, h.Length)
	return dst
}

// DecodeHandle reads a 12-byte handle from the front of data.
func DecodeHandle(data []byte) Handle {
	return Handle{Offset: varint.Fixed64(data[0:8]), Length: varint.Fixed32(data[8:12])}
}

// HandleSize is the fixed wire size of a Handle.
const HandleSize = 12
