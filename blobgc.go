package lsmtree

// blobgc.go implements blob-file garbage collection (spec.md §4.10): once
// a blob file's dead-byte fraction crosses its configured threshold, its
// still-live entries are relocated into a fresh blob file and every table
// that pointed at the old file is rewritten to point at the new one, so
// the old file can finally be deleted.
//
// This does not reuse internal/compaction.Job: job.go's Filter hook
// (compaction.Filter) only carries (level, key, value), not the item's
// seqno, and a relocated blob entry's header must be re-encoded with its
// original seqno to stay byte-identical to what a fresh write would have
// produced. Each affected table is instead rewritten directly here, as
// its own single-table compaction.Job-shaped EditMerge, reusing
// version.Edit{Kind: EditMerge}'s existing remove+add+OptimizeRuns
// machinery one table at a time.
//
// Grounded on the teacher's internal/blob_gc (candidate selection by
// fragmentation ratio) and job.go's maybeSeparate/writeOutputs pattern
// for the table-rewrite shape.

import (
	"os"

	"github.com/kvforge/lsmtree/internal/blob"
	"github.com/kvforge/lsmtree/internal/cache"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/table"
	"github.com/kvforge/lsmtree/internal/version"
)

// ReclaimBlobs relocates every live entry out of at most one blob file
// whose dead-byte fraction has crossed BlobConfig.GCFragmentationPct,
// then deletes that file, and reports whether it found one to process.
// gcWatermark is accepted for symmetry with Compact; relocation rewrites
// each entry at its original seqno and kind, so it never changes what is
// visible to any snapshot and needs no watermark to gate it.
func (t *Tree) ReclaimBlobs(gcWatermark ikey.SeqNo) (bool, error) {
	_ = gcWatermark
	if t.closed.Load() {
		return false, lsmerr.ErrClosed
	}
	if !t.cfg.Blob.Enabled {
		return false, nil
	}

	v := t.manifest.Set().Current()
	sizes := make(map[uint64]uint64, len(v.BlobFiles()))
	for id, meta := range v.BlobFiles() {
		sizes[id] = meta.Size
	}
	v.Unref()

	candidates := t.blobs.GCCandidates(sizes)
	if len(candidates) == 0 {
		return false, nil
	}
	target := candidates[0]

	for {
		v := t.manifest.Set().Current()
		level, tm := findLinkedTable(v, target)
		if tm == nil {
			v.Unref()
			break
		}
		id := tm.ID
		v.Unref()

		if err := t.relocateTable(level, id, target); err != nil {
			return false, err
		}
	}

	if err := t.blobs.DropFile(target); err != nil {
		return false, err
	}
	edit := &version.Edit{Kind: version.EditDropped, RemovedBlobIDs: []uint64{target}}
	if _, err := t.manifest.Apply(edit, nil); err != nil {
		return false, err
	}
	return true, nil
}

// findLinkedTable returns the level and Metadata of the first table in v
// whose LinkedBlobs includes blobID, or (0, nil) if none remains.
func findLinkedTable(v *version.Version, blobID uint64) (int, *table.Metadata) {
	for lvl := 0; lvl < version.NumLevels; lvl++ {
		for _, run := range v.Level(lvl).Runs {
			for _, tm := range run.Tables {
				for _, id := range tm.LinkedBlobs {
					if id == blobID {
						return lvl, tm
					}
				}
			}
		}
	}
	return 0, nil
}

// relocateTable rewrites the table named by tableID, moving every entry
// that points into blobID's file to a freshly written blob location, and
// installs the rewrite as a single-table EditMerge at level.
func (t *Tree) relocateTable(level int, tableID, blobID uint64) error {
	r, err := t.openTable(tableID)
	if err != nil {
		return err
	}

	newID := t.allocTableID()
	path := table.FilePath(t.dir, newID)
	w, err := table.NewWriter(path, newID, t.cfg.Table, t.logger)
	if err != nil {
		return err
	}
	for _, rt := range r.RangeTombstones() {
		w.AddRangeTombstone(rt.Start, rt.End, rt.Seq)
	}

	var sealedBlobs []uint64
	it, err := r.NewIterator(cache.WriteAround)
	if err != nil {
		os.Remove(path)
		return err
	}
	for {
		item, ok := it.Next()
		if err := it.Err(); err != nil {
			os.Remove(path)
			return err
		}
		if !ok {
			break
		}
		if item.Kind == ikey.KindIndirection {
			ind, derr := blob.DecodeIndirection(item.Value)
			if derr != nil {
				os.Remove(path)
				return derr
			}
			if ind.FileID == blobID {
				val, gerr := t.blobs.Get(ind)
				if gerr != nil {
					os.Remove(path)
					return gerr
				}
				newInd, sealedID, werr := t.blobs.Write(item.UserKey, item.Seq, val)
				if werr != nil {
					os.Remove(path)
					return werr
				}
				item.Value = blob.EncodeIndirection(newInd)
				if sealedID != 0 {
					sealedBlobs = append(sealedBlobs, sealedID)
				}
			}
		}
		if err := w.Add(item); err != nil {
			os.Remove(path)
			return err
		}
	}

	meta, err := w.Finish()
	if err != nil {
		return err
	}

	edit := &version.Edit{Kind: version.EditMerge, DestLevel: level, RemovedTableIDs: []uint64{tableID}}
	var addedTables []*table.Metadata
	if meta != nil {
		edit.RunID = t.allocRunID()
		edit.AddedTableIDs = []uint64{meta.ID}
		addedTables = []*table.Metadata{meta}
		t.readersMu.Lock()
		if _, ok := t.readers[meta.ID]; !ok {
			if nr, oerr := table.Open(path, meta.ID, t.cfg.Table, t.blockCache); oerr == nil {
				t.readers[meta.ID] = nr
			}
		}
		t.readersMu.Unlock()
	}
	for _, id := range sealedBlobs {
		size, serr := t.blobs.FileSize(id)
		if serr != nil {
			return serr
		}
		edit.AddedBlobs = append(edit.AddedBlobs, version.AddedBlob{ID: id, Size: size})
	}

	if _, err := t.manifest.Apply(edit, addedTables); err != nil {
		return err
	}
	t.reclaimTables([]uint64{tableID}, []string{table.FilePath(t.dir, tableID)})
	return nil
}
