// Package slice provides an immutable, cheaply-cloneable byte container
// with an optional "fused" representation: a virtual concatenation of two
// backing buffers (a restart-head prefix and a truncated-entry suffix) that
// avoids copying when block decoding reconstructs a key.
//
// Reference: original_source/src/slice (fjall's Slice / fused byte views).
package slice

import "bytes"

// Slice is an immutable view over one or two byte buffers. The zero value
// is an empty slice.
type Slice struct {
	head []byte
	tail []byte // non-nil only for fused slices
}

// Of wraps a single buffer. The caller must not mutate b afterwards.
func Of(b []byte) Slice {
	return Slice{head: b}
}

// Fuse builds a slice that behaves as the virtual concatenation of prefix
// and suffix without copying either. Len/At/Bytes all operate across the
// logical boundary transparently.
func Fuse(prefix, suffix []byte) Slice {
	if len(prefix) == 0 {
		return Slice{head: suffix}
	}
	if len(suffix) == 0 {
		return Slice{head: prefix}
	}
	return Slice{head: prefix, tail: suffix}
}

// Len returns the total logical length.
func (s Slice) Len() int { return len(s.head) + len(s.tail) }

// Empty reports whether the slice has zero length.
func (s Slice) Empty() bool { return s.Len() == 0 }

// Fused reports whether this slice is a two-part virtual concatenation.
func (s Slice) Fused() bool { return s.tail != nil }

// At returns the byte at logical offset i. Panics if i is out of range.
func (s Slice) At(i int) byte {
	if i < len(s.head) {
		return s.head[i]
	}
	return s.tail[i-len(s.head)]
}

// Bytes materializes the slice into a single contiguous buffer. For a
// non-fused slice this returns the backing buffer directly (no copy); for a
// fused slice it allocates.
func (s Slice) Bytes() []byte {
	if s.tail == nil {
		return s.head
	}
	out := make([]byte, 0, s.Len())
	out = append(out, s.head...)
	out = append(out, s.tail...)
	return out
}

// Clone returns a Slice backed by freshly-allocated, owned memory.
func (s Slice) Clone() Slice {
	return Slice{head: append([]byte(nil), s.Bytes()...)}
}

// Compare orders two slices lexicographically, matching bytes.Compare
// semantics without necessarily materializing either one.
func Compare(a, b Slice) int {
	if a.tail == nil && b.tail == nil {
		return bytes.Compare(a.head, b.head)
	}
	n := a.Len()
	if m := b.Len(); m < n {
		n = m
	}
	for i := range n {
		ai, bi := a.At(i), b.At(i)
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.Len() < b.Len():
		return -1
	case a.Len() > b.Len():
		return 1
	default:
		return 0
	}
}

// SharedPrefixLen returns the length of the common prefix of a and b.
func SharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
