// Package lsmerr defines the error taxonomy shared by every layer of the
// storage engine, matching spec.md §7.
package lsmerr

import "errors"

// Sentinel error kinds. Concrete errors are produced with fmt.Errorf and
// %w so callers can use errors.Is/errors.As against these.
var (
	// ErrIO wraps an underlying OS error during read/write/fsync/open/
	// rename/unlink.
	ErrIO = errors.New("lsmtree: io error")

	// ErrSerialize is returned when an invariant is violated while
	// encoding a block, table, or manifest record.
	ErrSerialize = errors.New("lsmtree: serialize error")

	// ErrDeserialize is returned when a parsed byte stream is malformed
	// (bad varint, length overrun, unknown tag).
	ErrDeserialize = errors.New("lsmtree: deserialize error")

	// ErrInvalidHeader is returned when a magic number mismatches or a
	// format version is newer than this build supports.
	ErrInvalidHeader = errors.New("lsmtree: invalid header")

	// ErrChecksumMismatch is returned when a block or header checksum
	// does not match the stored value.
	ErrChecksumMismatch = errors.New("lsmtree: checksum mismatch")

	// ErrDecompress is returned when a compression codec rejects its
	// input.
	ErrDecompress = errors.New("lsmtree: decompress error")

	// ErrUnrecoverable indicates a logical invariant was broken (e.g. a
	// dangling blob indirection). The engine should be closed.
	ErrUnrecoverable = errors.New("lsmtree: unrecoverable error")

	// ErrCorruptedKey is returned when an internal key is malformed.
	ErrCorruptedKey = errors.New("lsmtree: corrupted internal key")

	// ErrInvalidRange is returned when a caller supplies start >= end to
	// an operation that requires a non-empty half-open range.
	ErrInvalidRange = errors.New("lsmtree: invalid range")

	// ErrKeyTooLarge is returned when a user key exceeds 65535 bytes.
	ErrKeyTooLarge = errors.New("lsmtree: key too large")

	// ErrClosed is returned by operations on a Tree that has been closed.
	ErrClosed = errors.New("lsmtree: tree closed")
)
