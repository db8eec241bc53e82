// Package compression implements the closed compression-type enum from
// spec.md §6.5: {None, Lz4, Miniz(level)}. Each codec is a byte-in/byte-out
// primitive; compression itself is explicitly excluded from this spec's
// core and treated as a collaborator (spec.md §1).
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"

	"github.com/kvforge/lsmtree/internal/lsmerr"
)

// Type is the compression algorithm tag, encoded as a single byte per
// spec.md §6.5.
type Type uint8

const (
	// None applies no compression.
	None Type = 0
	// Lz4 compresses with LZ4.
	Lz4 Type = 1
	// Miniz compresses with a DEFLATE-compatible codec (standing in for
	// the original engine's miniz_oxide, spec.md §1).
	Miniz Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Lz4:
		return "Lz4"
	case Miniz:
		return "Miniz"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Policy selects a compression type and, for Miniz, a level in [0,10].
type Policy struct {
	Type  Type
	Level int // only meaningful for Miniz; 0 = klauspost/compress default
}

// NonePolicy is the default "no compression" policy.
var NonePolicy = Policy{Type: None}

// EncodeTag returns the byte tag `tag:u8 [· level:u8]` per spec.md §6.5.
func (p Policy) EncodeTag() []byte {
	if p.Type == Miniz {
		return []byte{byte(p.Type), byte(p.Level)}
	}
	return []byte{byte(p.Type)}
}

// DecodePolicy parses the compression tag written by EncodeTag.
func DecodePolicy(tag []byte) (Policy, int, error) {
	if len(tag) < 1 {
		return Policy{}, 0, fmt.Errorf("%w: empty compression tag", lsmerr.ErrDeserialize)
	}
	t := Type(tag[0])
	switch t {
	case None, Lz4:
		return Policy{Type: t}, 1, nil
	case Miniz:
		if len(tag) < 2 {
			return Policy{}, 0, fmt.Errorf("%w: truncated miniz level", lsmerr.ErrDeserialize)
		}
		return Policy{Type: t, Level: int(tag[1])}, 2, nil
	default:
		return Policy{}, 0, fmt.Errorf("%w: unknown compression type %d", lsmerr.ErrInvalidHeader, t)
	}
}

// flateLevel maps a miniz level 0..10 onto compress/flate's -2..9 range.
func flateLevel(level int) int {
	if level <= 0 {
		return flate.DefaultCompression
	}
	if level > 9 {
		return flate.BestCompression
	}
	return level
}

// Compress encodes data per policy.
func Compress(p Policy, data []byte) ([]byte, error) {
	switch p.Type {
	case None:
		return data, nil

	case Lz4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 compress: %v", lsmerr.ErrSerialize, err)
		}
		if n == 0 {
			// Incompressible input per lz4 semantics: store raw with a
			// sentinel length prefix of 0 so Decompress can tell stored
			// data apart from an empty compressed block.
			return append([]byte{0}, data...), nil
		}
		return append([]byte{1}, buf[:n]...), nil

	case Miniz:
		var out bytes.Buffer
		w, err := flate.NewWriter(&out, flateLevel(p.Level))
		if err != nil {
			return nil, fmt.Errorf("%w: miniz writer: %v", lsmerr.ErrSerialize, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("%w: miniz write: %v", lsmerr.ErrSerialize, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("%w: miniz close: %v", lsmerr.ErrSerialize, err)
		}
		return out.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: unknown compression type %d", lsmerr.ErrInvalidHeader, p.Type)
	}
}

// Decompress reverses Compress, given the uncompressed length recorded in
// the block header (0 means "unknown/unused", only required for Lz4's
// block format).
func Decompress(t Type, data []byte, uncompressedLen int) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Lz4:
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty lz4 frame", lsmerr.ErrDecompress)
		}
		stored, payload := data[0], data[1:]
		if stored == 0 {
			return payload, nil
		}
		dst := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", lsmerr.ErrDecompress, err)
		}
		return dst[:n], nil

	case Miniz:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: miniz decompress: %v", lsmerr.ErrDecompress, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression type %d", lsmerr.ErrInvalidHeader, t)
	}
}
