package block

import (
	"encoding/binary"
	"fmt"

	"github.com/kvforge/lsmtree/internal/checksum"
	"github.com/kvforge/lsmtree/internal/compression"
	"github.com/kvforge/lsmtree/internal/lsmerr"
)

// frameMagic identifies a block header on disk (spec.md §6.2).
var frameMagic = [8]byte{'L', 'S', 'M', 'B', 'L', 'K', '0', '1'}

// Type identifies what a block on disk contains.
type Type uint8

const (
	TypeData          Type = 0
	TypeIndex         Type = 1
	TypeFilter        Type = 2
	TypeRangeTombstone Type = 3
	TypeMetadata      Type = 4
)

// HeaderSize is the fixed size of a block's on-disk header: magic(8) +
// type(1) + checksum(16) + data_length(4) + uncompressed_length(4) +
// header_checksum(4).
const HeaderSize = 8 + 1 + 16 + 4 + 4 + 4

// Frame writes a block header + (optionally compressed) payload to dst.
func Frame(dst []byte, typ Type, policy compression.Policy, rawPayload []byte) ([]byte, error) {
	compressed, err := compression.Compress(policy, rawPayload)
	if err != nil {
		return nil, err
	}
	sum := checksum.Sum128(compressed)

	start := len(dst)
	dst = append(dst, frameMagic[:]...)
	dst = append(dst, byte(typ))
	dst = appendU128(dst, sum)
	dst = appendU32(dst, uint32(len(compressed)))
	dst = appendU32(dst, uint32(len(rawPayload)))

	headerSoFar := dst[start : start+HeaderSize-4]
	hc := uint32(checksum.Hash64(headerSoFar))
	dst = appendU32(dst, hc)

	dst = append(dst, compressed...)
	return dst, nil
}

// Unframe validates a block frame starting at the front of src. Returns the
// payload as stored (not decompressed; UnframeWithPolicy decompresses) and
// the number of bytes consumed from src (header + compressed payload).
func Unframe(src []byte, wantType Type) ([]byte, int, error) {
	if len(src) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: truncated block header", lsmerr.ErrInvalidHeader)
	}
	if string(src[:8]) != string(frameMagic[:]) {
		return nil, 0, fmt.Errorf("%w: bad block magic", lsmerr.ErrInvalidHeader)
	}
	typ := Type(src[8])
	if typ != wantType {
		return nil, 0, fmt.Errorf("%w: block type mismatch: want %d got %d", lsmerr.ErrInvalidHeader, wantType, typ)
	}
	sum := readU128(src[9:25])
	dataLen := readU32(src[25:29])
	headerChecksum := readU32(src[33:37])

	computedHC := uint32(checksum.Hash64(src[:HeaderSize-4]))
	if computedHC != headerChecksum {
		return nil, 0, fmt.Errorf("%w: header checksum: expected %d got %d", lsmerr.ErrChecksumMismatch, headerChecksum, computedHC)
	}

	total := HeaderSize + int(dataLen)
	if len(src) < total {
		return nil, 0, fmt.Errorf("%w: truncated block payload", lsmerr.ErrInvalidHeader)
	}
	compressed := src[HeaderSize:total]
	gotSum := checksum.Sum128(compressed)
	if !gotSum.Equal(sum) {
		return nil, 0, fmt.Errorf("%w: payload checksum: expected %v got %v", lsmerr.ErrChecksumMismatch, sum, gotSum)
	}

	// The compression type isn't stored per-frame; callers that need
	// codec-specific decompression pass it out of band via policy. For the
	// common case of None compression this is a no-op; Table wires the
	// configured policy through UnframeWithPolicy below.
	return compressed, total, nil
}

// UnframeWithPolicy behaves like Unframe but also decompresses the payload
// using the given compression type.
func UnframeWithPolicy(src []byte, wantType Type, ctype compression.Type) ([]byte, int, error) {
	compressed, n, err := Unframe(src, wantType)
	if err != nil {
		return nil, 0, err
	}
	uncompressedLen := readU32(src[29:33])
	raw, err := compression.Decompress(ctype, compressed, int(uncompressedLen))
	if err != nil {
		return nil, 0, err
	}
	return raw, n, nil
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func appendU128(dst []byte, v checksum.U128) []byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], v.Lo)
	binary.LittleEndian.PutUint64(b[8:16], v.Hi)
	return append(dst, b[:]...)
}

func readU128(b []byte) checksum.U128 {
	return checksum.U128{Lo: binary.LittleEndian.Uint64(b[0:8]), Hi: binary.LittleEndian.Uint64(b[8:16])}
}
