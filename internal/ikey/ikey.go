// Package ikey implements the internal-key format described in spec.md §3:
// a user key paired with a sequence number and a value kind, ordered so
// that within one user key, higher sequence numbers sort first.
//
// Grounded on internal/dbformat's trailer-packing idiom from the teacher
// repo, generalized from RocksDB's twenty-odd value types down to this
// spec's four value kinds.
package ikey

import (
	"encoding/binary"
	"fmt"

	"github.com/kvforge/lsmtree/internal/lsmerr"
)

// SeqNo is a 64-bit, externally-assigned, monotonically non-decreasing
// sequence number.
type SeqNo uint64

// SeqNoMax is the reserved read-snapshot sentinel meaning "latest".
const SeqNoMax SeqNo = ^SeqNo(0)

// MaxUserKeyLen is the largest permitted user key length (spec.md §3).
const MaxUserKeyLen = 65535

// Kind is the value kind carried alongside every internal key.
type Kind uint8

const (
	// KindValue is a normal put.
	KindValue Kind = 0
	// KindTombstone deletes all strictly-older versions of the key.
	KindTombstone Kind = 1
	// KindWeakTombstone deletes only older versions with strictly lower
	// seqno; used by compaction filters to mask a single version.
	KindWeakTombstone Kind = 2
	// KindIndirection marks that the encoded value is a BlobIndirection,
	// not the payload itself (KV separation).
	KindIndirection Kind = 3
)

// HasPayload reports whether entries of this kind carry a value buffer on
// disk (tombstones never do).
func (k Kind) HasPayload() bool {
	return k == KindValue || k == KindIndirection
}

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "Value"
	case KindTombstone:
		return "Tombstone"
	case KindWeakTombstone:
		return "WeakTombstone"
	case KindIndirection:
		return "Indirection"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four defined kinds.
func (k Kind) Valid() bool {
	return k <= KindIndirection
}

// Key is a parsed internal key: (user_key, seqno, kind).
type Key struct {
	UserKey []byte
	Seq     SeqNo
	Kind    Kind
}

// New builds a Key.
func New(userKey []byte, seq SeqNo, kind Kind) Key {
	return Key{UserKey: userKey, Seq: seq, Kind: kind}
}

// Compare implements the total order from spec.md §3: user_key ascending,
// then seqno descending, then kind ascending (kind only matters to break
// ties when both user_key and seqno are equal, which happens only for
// same-seqno entries from different sources during a merge).
func Compare(a, b Key) int {
	if c := compareBytes(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	switch {
	case a.Kind < b.Kind:
		return -1
	case a.Kind > b.Kind:
		return 1
	default:
		return 0
	}
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

// trailer packs (seq, kind) into 64 bits: upper 56 bits seqno, low 8 bits
// kind. Internal-key encoding appends this trailer after the user key.
const NumTrailerBytes = 8

func packTrailer(seq SeqNo, kind Kind) uint64 {
	return (uint64(seq) << 8) | uint64(kind)
}

func unpackTrailer(v uint64) (SeqNo, Kind) {
	return SeqNo(v >> 8), Kind(v & 0xFF)
}

// Encode appends the serialized form of k to dst: user_key followed by the
// 8-byte trailer.
func Encode(dst []byte, k Key) []byte {
	dst = append(dst, k.UserKey...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], packTrailer(k.Seq, k.Kind))
	return append(dst, buf[:]...)
}

// EncodedLen returns the length Encode would produce for k.
func EncodedLen(k Key) int { return len(k.UserKey) + NumTrailerBytes }

// Decode parses an encoded internal key.
func Decode(data []byte) (Key, error) {
	n := len(data)
	if n < NumTrailerBytes {
		return Key{}, fmt.Errorf("%w: internal key shorter than trailer", lsmerr.ErrCorruptedKey)
	}
	packed := binary.BigEndian.Uint64(data[n-NumTrailerBytes:])
	seq, kind := unpackTrailer(packed)
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: invalid value kind %d", lsmerr.ErrCorruptedKey, kind)
	}
	return Key{UserKey: data[:n-NumTrailerBytes], Seq: seq, Kind: kind}, nil
}

// ExtractUserKey returns the user-key portion of an encoded internal key
// without a full parse.
func ExtractUserKey(encoded []byte) []byte {
	if len(encoded) < NumTrailerBytes {
		return nil
	}
	return encoded[:len(encoded)-NumTrailerBytes]
}

// ExtractSeq returns the sequence number portion.
func ExtractSeq(encoded []byte) SeqNo {
	if len(encoded) < NumTrailerBytes {
		return 0
	}
	n := len(encoded)
	packed := binary.BigEndian.Uint64(encoded[n-NumTrailerBytes:])
	seq, _ := unpackTrailer(packed)
	return seq
}
