package version

import (
	"fmt"

	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/varint"
)

// EditKind names which Version constructor an Edit replays.
type EditKind uint8

const (
	EditNewL0Run EditKind = iota
	EditMerge
	EditMoved
	EditDropped
)

// AddedBlob records a newly-sealed blob file's id and size.
type AddedBlob struct {
	ID   uint64
	Size uint64
}

// Edit is one append-only manifest record: the change one flush or
// compaction makes to the table/blob layout (spec.md §4.8). Added tables
// are recorded by id only; recovery re-derives their full table.Metadata
// by opening the table file itself, rather than duplicating the table
// trailer's content into the manifest where it could drift out of sync.
type Edit struct {
	VersionID       uint64
	Kind            EditKind
	RunID           uint64
	DestLevel       int
	AddedTableIDs   []uint64
	RemovedTableIDs []uint64
	AddedBlobs      []AddedBlob
	RemovedBlobIDs  []uint64
	FragDeltas      []FragmentationDelta
}

const (
	tagVersionID    = 1
	tagKind         = 2
	tagRunID        = 3
	tagDestLevel    = 4
	tagAddedTable   = 5
	tagRemovedTable = 6
	tagAddedBlob    = 7
	tagRemovedBlob  = 8
	tagFragDelta    = 9
)

// Encode serializes e as a sequence of tag-prefixed fields.
func (e *Edit) Encode() []byte {
	var dst []byte
	dst = appendTag(dst, tagVersionID)
	dst = varint.AppendUvarint(dst, e.VersionID)
	dst = appendTag(dst, tagKind)
	dst = varint.AppendUvarint(dst, uint64(e.Kind))
	dst = appendTag(dst, tagRunID)
	dst = varint.AppendUvarint(dst, e.RunID)
	dst = appendTag(dst, tagDestLevel)
	dst = varint.AppendUvarint(dst, uint64(e.DestLevel))
	for _, id := range e.AddedTableIDs {
		dst = appendTag(dst, tagAddedTable)
		dst = varint.AppendUvarint(dst, id)
	}
	for _, id := range e.RemovedTableIDs {
		dst = appendTag(dst, tagRemovedTable)
		dst = varint.AppendUvarint(dst, id)
	}
	for _, b := range e.AddedBlobs {
		dst = appendTag(dst, tagAddedBlob)
		dst = varint.AppendUvarint(dst, b.ID)
		dst = varint.AppendUvarint(dst, b.Size)
	}
	for _, id := range e.RemovedBlobIDs {
		dst = appendTag(dst, tagRemovedBlob)
		dst = varint.AppendUvarint(dst, id)
	}
	for _, d := range e.FragDeltas {
		dst = appendTag(dst, tagFragDelta)
		dst = varint.AppendUvarint(dst, d.FileID)
		dst = varint.AppendUvarint(dst, d.DeadCount)
		dst = varint.AppendUvarint(dst, d.DeadBytes)
	}
	return dst
}

func appendTag(dst []byte, tag uint64) []byte { return varint.AppendUvarint(dst, tag) }

// DecodeEdit parses one Encode-d Edit.
func DecodeEdit(data []byte) (*Edit, error) {
	e := &Edit{}
	for len(data) > 0 {
		tag, n := varint.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: manifest edit: truncated tag", lsmerr.ErrDeserialize)
		}
		data = data[n:]
		switch tag {
		case tagVersionID:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.VersionID, data = v, data[n:]
		case tagKind:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.Kind, data = EditKind(v), data[n:]
		case tagRunID:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.RunID, data = v, data[n:]
		case tagDestLevel:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.DestLevel, data = int(v), data[n:]
		case tagAddedTable:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.AddedTableIDs, data = append(e.AddedTableIDs, v), data[n:]
		case tagRemovedTable:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.RemovedTableIDs, data = append(e.RemovedTableIDs, v), data[n:]
		case tagAddedBlob:
			id, n1, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			data = data[n1:]
			size, n2, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			data = data[n2:]
			e.AddedBlobs = append(e.AddedBlobs, AddedBlob{ID: id, Size: size})
		case tagRemovedBlob:
			v, n, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			e.RemovedBlobIDs, data = append(e.RemovedBlobIDs, v), data[n:]
		case tagFragDelta:
			id, n1, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			data = data[n1:]
			deadCount, n2, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			data = data[n2:]
			deadBytes, n3, err := readUvarint(data)
			if err != nil {
				return nil, err
			}
			data = data[n3:]
			e.FragDeltas = append(e.FragDeltas, FragmentationDelta{FileID: id, DeadCount: deadCount, DeadBytes: deadBytes})
		default:
			return nil, fmt.Errorf("%w: manifest edit: unknown tag %d", lsmerr.ErrDeserialize, tag)
		}
	}
	return e, nil
}

func readUvarint(data []byte) (uint64, int, error) {
	v, n := varint.Uvarint(data)
	if n <= 0 {
		return 0, 0, fmt.Errorf("%w: manifest edit: truncated field", lsmerr.ErrDeserialize)
	}
	return v, n, nil
}
