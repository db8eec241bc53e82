package blob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/lsmerr"
)

// Writer appends entries to one blob file until it reaches its target
// size, at which point Manager seals it and rotates to a new one
// (spec.md §4.10 "blob files are append-only and rotated on a target
// size").
type Writer struct {
	id         uint64
	path       string
	f          *os.File
	offset     uint64
	targetSize uint64
	itemCount  uint64
	logger     logging.Logger
}

// NewWriter creates path as a new blob file with the given id.
func NewWriter(path string, id uint64, targetSize uint64, logger logging.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	if logger == nil {
		logger = logging.Discard
	}
	return &Writer{id: id, path: path, f: f, targetSize: targetSize, logger: logger}, nil
}

// Write appends one entry and returns an Indirection locating it.
func (w *Writer) Write(userKey []byte, seq ikey.SeqNo, value []byte) (Indirection, error) {
	entry := encodeEntry(userKey, seq, value)
	offset := w.offset
	if _, err := w.f.Write(entry); err != nil {
		return Indirection{}, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(entry))
	w.itemCount++
	return Indirection{FileID: w.id, Offset: offset, Size: uint32(len(entry))}, nil
}

// Full reports whether the file has reached its rotation target.
func (w *Writer) Full() bool { return w.offset >= w.targetSize }

// Size returns the number of bytes written so far.
func (w *Writer) Size() uint64 { return w.offset }

// Finish syncs and closes the file, sealing it for reading.
func (w *Writer) Finish() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	dir, err := os.Open(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.logger.Debugf("blob file %d: sealed %d items, %d bytes", w.id, w.itemCount, w.offset)
	return nil
}
