package blob

import (
	"fmt"
	"os"

	"github.com/kvforge/lsmtree/internal/lsmerr"
)

// Reader serves random-access reads against one sealed blob file.
type Reader struct {
	id uint64
	f  *os.File
}

// Open opens the sealed blob file at path.
func Open(path string, id uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	return &Reader{id: id, f: f}, nil
}

// ID returns the blob file's id.
func (r *Reader) ID() uint64 { return r.id }

// Get reads and validates the entry located by ind, which must name this
// file (ind.FileID == r.ID()).
func (r *Reader) Get(ind Indirection) ([]byte, error) {
	if ind.FileID != r.id {
		return nil, fmt.Errorf("%w: indirection names blob file %d, reader is %d", lsmerr.ErrUnrecoverable, ind.FileID, r.id)
	}
	buf := make([]byte, ind.Size)
	if _, err := r.f.ReadAt(buf, int64(ind.Offset)); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	_, _, value, err := decodeEntry(buf)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }
