package table

import (
	"fmt"
	"path/filepath"
)

// FileName returns the on-disk file name for table id, a fixed-width
// decimal so a directory listing sorts by id.
//
// Grounded on the teacher's dbImpl.sstFilePath (flush.go).
func FileName(id uint64) string {
	return fmt.Sprintf("%06d.tbl", id)
}

// FilePath joins dir and id's FileName.
func FilePath(dir string, id uint64) string {
	return filepath.Join(dir, FileName(id))
}
