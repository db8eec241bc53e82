package block

import (
	"fmt"

	"github.com/kvforge/lsmtree/internal/checksum"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/varint"
)

// TrailerSize is the fixed size of the block trailer (spec.md §4.1).
const TrailerSize = 24

// terminator marks the byte immediately preceding the binary index.
const terminator = 0xFF

// reservedCollision and reservedEmpty are the two reserved hash-bucket
// marker values (spec.md §4.1: "values 254, 255 are reserved").
const (
	reservedCollision = 254
	reservedEmpty     = 255
	maxHashBuckets    = 254 // hash index only emitted when B <= 254
)

// Encode builds a block from items, which MUST already be sorted per
// Less. restartInterval must be >= 1. hashRatio <= 0 disables the hash
// index.
func Encode(items []Item, restartInterval int, hashRatio float64) ([]byte, error) {
	if restartInterval < 1 {
		return nil, fmt.Errorf("%w: restart interval must be >= 1", lsmerr.ErrSerialize)
	}
	for i := 1; i < len(items); i++ {
		if !Less(items[i-1], items[i]) {
			return nil, fmt.Errorf("%w: items not sorted at index %d", lsmerr.ErrSerialize, i)
		}
	}
	for _, it := range items {
		if len(it.UserKey) > 65535 {
			return nil, fmt.Errorf("%w: key length %d exceeds 65535", lsmerr.ErrSerialize, len(it.UserKey))
		}
	}

	var buf []byte
	restartOffsets := make([]uint32, 0, (len(items)+restartInterval-1)/restartInterval)
	var restartHeadKey []byte

	for i, it := range items {
		isRestart := i%restartInterval == 0
		if isRestart {
			restartOffsets = append(restartOffsets, uint32(len(buf)))
			restartHeadKey = it.UserKey
		}
		// Truncated entries share a prefix with the restart head's key,
		// not with the immediately preceding entry (spec.md §4.1), which
		// lets point_read jump straight from a restart head to any entry
		// in its interval without replaying the entries between them.
		buf = appendEntry(buf, it, restartHeadKey, isRestart)
	}

	n := len(items)
	step := 2
	// The binary index stores offsets into the entry region only, so the
	// step is fixed once from the entries' length; the hash index appended
	// later does not change it.
	entriesLen := len(buf)
	if entriesLen+1 > 65535 {
		step = 4
	}

	buf = append(buf, terminator)
	binaryIndexOffset := uint32(len(buf))
	for _, off := range restartOffsets {
		if step == 2 {
			buf = varint.AppendFixed16(buf, uint16(off))
		} else {
			buf = varint.AppendFixed32(buf, off)
		}
	}
	binaryIndexLen := uint32(len(buf)) - binaryIndexOffset

	var hashIndexOffset uint32
	var hashBucketCount uint32
	if hashRatio > 0 && n > 0 {
		buckets := buildHashIndex(items, restartInterval, len(restartOffsets), hashRatio)
		if buckets != nil {
			hashIndexOffset = uint32(len(buf))
			hashBucketCount = uint32(len(buckets))
			buf = append(buf, buckets...)
		}
	}

	buf = appendTrailer(buf, trailer{
		itemCount:       uint32(n),
		restartInterval: uint8(restartInterval),
		binaryIndexStep: uint8(step),
		binaryIdxOffset: binaryIndexOffset,
		binaryIdxLen:    binaryIndexLen,
		hashIdxOffset:   hashIndexOffset,
		hashBucketCount: hashBucketCount,
	})
	return buf, nil
}

func appendEntry(buf []byte, it Item, prevKey []byte, isRestart bool) []byte {
	buf = append(buf, byte(it.Kind))
	buf = varint.AppendUvarint(buf, uint64(it.Seq))
	if isRestart {
		buf = varint.AppendUvarint(buf, uint64(len(it.UserKey)))
		buf = append(buf, it.UserKey...)
	} else {
		shared := sharedPrefixLen(prevKey, it.UserKey)
		rest := it.UserKey[shared:]
		buf = varint.AppendUvarint(buf, uint64(shared))
		buf = varint.AppendUvarint(buf, uint64(len(rest)))
		buf = append(buf, rest...)
	}
	if it.Kind.HasPayload() {
		buf = varint.AppendUvarint(buf, uint64(len(it.Value)))
		buf = append(buf, it.Value...)
	}
	return buf
}

func sharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// buildHashIndex returns nil if the bucket count would exceed 254.
func buildHashIndex(items []Item, restartInterval, numRestarts int, hashRatio float64) []byte {
	numBuckets := int(float64(len(items)) * hashRatio)
	if numBuckets <= 0 || numBuckets > maxHashBuckets {
		return nil
	}
	buckets := make([]byte, numBuckets)
	for i := range buckets {
		buckets[i] = reservedEmpty
	}
	for i, it := range items {
		restartIdx := i / restartInterval
		b := int(checksum.Hash64(it.UserKey) % uint64(numBuckets))
		switch buckets[b] {
		case reservedEmpty:
			buckets[b] = byte(restartIdx)
		case byte(restartIdx):
			// already points here, fine
		default:
			buckets[b] = reservedCollision
		}
	}
	_ = numRestarts
	return buckets
}

type trailer struct {
	itemCount       uint32
	restartInterval uint8
	binaryIndexStep uint8
	binaryIdxOffset uint32
	binaryIdxLen    uint32
	hashIdxOffset   uint32
	hashBucketCount uint32
}

func appendTrailer(buf []byte, t trailer) []byte {
	buf = varint.AppendFixed32(buf, t.itemCount)
	buf = append(buf, t.restartInterval, t.binaryIndexStep)
	buf = varint.AppendFixed32(buf, t.binaryIdxOffset)
	buf = varint.AppendFixed32(buf, t.binaryIdxLen)
	buf = varint.AppendFixed32(buf, t.hashIdxOffset)
	buf = varint.AppendFixed32(buf, t.hashBucketCount)
	// 2 reserved bytes pad the trailer to TrailerSize (24).
	buf = append(buf, 0, 0)
	return buf
}

func parseTrailer(data []byte) (trailer, error) {
	if len(data) < TrailerSize {
		return trailer{}, fmt.Errorf("%w: block shorter than trailer", lsmerr.ErrDeserialize)
	}
	t := data[len(data)-TrailerSize:]
	var out trailer
	out.itemCount = varint.Fixed32(t[0:4])
	out.restartInterval = t[4]
	out.binaryIndexStep = t[5]
	out.binaryIdxOffset = varint.Fixed32(t[6:10])
	out.binaryIdxLen = varint.Fixed32(t[10:14])
	out.hashIdxOffset = varint.Fixed32(t[14:18])
	out.hashBucketCount = varint.Fixed32(t[18:22])
	if out.restartInterval < 1 {
		return trailer{}, fmt.Errorf("%w: restart interval 0 in trailer", lsmerr.ErrDeserialize)
	}
	if out.binaryIndexStep != 2 && out.binaryIndexStep != 4 {
		return trailer{}, fmt.Errorf("%w: invalid binary index step %d", lsmerr.ErrDeserialize, out.binaryIndexStep)
	}
	if out.binaryIdxOffset == 0 || int(out.binaryIdxOffset) > len(data)-TrailerSize {
		return trailer{}, fmt.Errorf("%w: binary index offset out of range", lsmerr.ErrDeserialize)
	}
	if data[out.binaryIdxOffset-1] != terminator {
		return trailer{}, fmt.Errorf("%w: missing block terminator marker", lsmerr.ErrDeserialize)
	}
	return out, nil
}
