package compaction

import (
	"fmt"
	"sort"

	"github.com/kvforge/lsmtree/internal/blob"
	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/cache"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/iterator"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/options"
	"github.com/kvforge/lsmtree/internal/rangetombstone"
	"github.com/kvforge/lsmtree/internal/table"
	"github.com/kvforge/lsmtree/internal/version"
)

// FilterDecision is a compaction filter's verdict on one entry.
type FilterDecision int

const (
	// FilterKeep writes the entry unchanged.
	FilterKeep FilterDecision = iota
	// FilterDrop removes the entry from the output entirely.
	FilterDrop
	// FilterReplace writes the entry with a new value.
	FilterReplace
	// FilterTombstone converts the entry to a tombstone (still shadows
	// older versions of the same key at lower levels).
	FilterTombstone
)

// Filter is a user-supplied compaction-time hook (spec.md §4.6 step 4,
// §4.9 step 2-3): it may drop an entry, rewrite its value, or convert it
// to a tombstone as it passes through a compaction.
//
// Grounded on the teacher's compaction.Filter (job.go), trimmed from its
// RocksDB-shaped API down to the three outcomes spec.md describes.
type Filter interface {
	// Filter is called with the output level and the entry's user key and
	// value. FilterReplace must also return the new value.
	Filter(level int, key, value []byte) (decision FilterDecision, newValue []byte)
}

// Job executes Choices returned by a Picker: it reads source tables,
// merges and filters their contents, and writes new tables at a
// destination level (spec.md §4.9 step 2-4).
//
// Grounded on the teacher's CompactionJob (job.go), adapted from its
// push-style MergingIterator + TableBuilder pair to this spec's pull-style
// internal/iterator.Source chain feeding a table.Writer.
type Job struct {
	dir         string
	tableCfg    options.TableConfig
	blobCfg     options.BlobConfig
	blobs       *blob.Manager
	blockCache  *cache.BlockCache
	logger      logging.Logger
	nextTableID func() uint64
	filter      Filter
}

// NewJob returns a Job that reads and writes table files under dir.
// nextTableID allocates monotonically increasing table ids for output
// files; blobs may be nil if KV separation is disabled.
func NewJob(dir string, tableCfg options.TableConfig, blobCfg options.BlobConfig, blobs *blob.Manager, blockCache *cache.BlockCache, logger logging.Logger, nextTableID func() uint64) *Job {
	if logger == nil {
		logger = logging.Discard
	}
	return &Job{
		dir:         dir,
		tableCfg:    tableCfg,
		blobCfg:     blobCfg,
		blobs:       blobs,
		blockCache:  blockCache,
		logger:      logger,
		nextTableID: nextTableID,
	}
}

// SetFilter installs a compaction filter. A nil filter (the default)
// keeps every entry unchanged.
func (j *Job) SetFilter(f Filter) { j.filter = f }

// Result is the outcome of executing one Choice: the Edit to apply to the
// version manifest and the table files it replaces, to be unlinked once
// no live snapshot can still read them.
type Result struct {
	Edit         *version.Edit
	RemovedPaths []string
}

// Execute runs choice against v. evictOldVersions should be true only when
// no open snapshot can observe a sequence number at or below watermark and
// choice.DestLevel is deep enough that shadowed versions have no
// remaining reader (spec.md §4.9 step 2).
func (j *Job) Execute(v *version.Version, choice Choice, evictOldVersions bool, watermark ikey.SeqNo) (*Result, error) {
	switch choice.Kind {
	case DoNothing:
		return nil, nil
	case Drop:
		return j.executeDrop(choice)
	case DoCompact:
		return j.executeCompact(choice, evictOldVersions, watermark)
	default:
		return nil, fmt.Errorf("%w: compaction: unknown choice kind %d", lsmerr.ErrUnrecoverable, choice.Kind)
	}
}

// executeDrop implements the FIFO strategy: tables are removed without
// ever being read.
func (j *Job) executeDrop(choice Choice) (*Result, error) {
	edit := &version.Edit{Kind: version.EditDropped, RemovedTableIDs: choice.SrcIDs}
	var removed []string
	for _, id := range choice.SrcIDs {
		removed = append(removed, table.FilePath(j.dir, id))
	}
	return &Result{Edit: edit, RemovedPaths: removed}, nil
}

func (j *Job) executeCompact(choice Choice, evictOldVersions bool, watermark ikey.SeqNo) (*Result, error) {
	readers := make([]*table.Reader, 0, len(choice.SrcIDs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	sources := make([]iterator.Source, 0, len(choice.SrcIDs))
	var tombstones []rangetombstone.RangeTombstone
	var removedPaths []string
	for _, id := range choice.SrcIDs {
		path := table.FilePath(j.dir, id)
		r, err := table.Open(path, id, j.tableCfg, j.blockCache)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
		removedPaths = append(removedPaths, path)

		it, err := r.NewIterator(cache.WriteAround)
		if err != nil {
			return nil, err
		}
		sources = append(sources, iterator.FromTable(it))
		for _, rt := range r.RangeTombstones() {
			tombstones = append(tombstones, rangetombstone.RangeTombstone{Start: rt.Start, End: rt.End, Seq: rt.Seq})
		}
	}

	var evictDeltas []version.FragmentationDelta
	onEvict := func(item block.Item) {
		if delta := j.deadIndirection(item); delta != nil {
			evictDeltas = append(evictDeltas, *delta)
		}
	}
	merged, err := iterator.New(sources, iterator.Options{EvictOldVersions: evictOldVersions, OnEvict: onEvict})
	if err != nil {
		return nil, err
	}

	var src iterator.Source = merged
	if len(tombstones) > 0 {
		sort.Slice(tombstones, func(i, k int) bool { return compareBytes(tombstones[i].Start, tombstones[k].Start) < 0 })
		src = iterator.NewRangeTombstoneFilter(merged, tombstones, watermark)
	}

	// Tombstones at the bottom level shadow nothing further down, so they
	// are dropped instead of carried into the output (spec.md §4.9: a
	// compaction only needs to retain a range tombstone while some lower
	// level may still hold data it covers).
	var carryTombstones []rangetombstone.RangeTombstone
	if choice.DestLevel < version.NumLevels-1 {
		carryTombstones = tombstones
	}

	added, deltas, sealedBlobs, err := j.writeOutputs(src, choice.DestLevel, choice.TargetSize, carryTombstones)
	if err != nil {
		return nil, err
	}
	deltas = append(deltas, evictDeltas...)

	var addedBlobs []version.AddedBlob
	for _, id := range sealedBlobs {
		size, err := j.blobs.FileSize(id)
		if err != nil {
			return nil, err
		}
		addedBlobs = append(addedBlobs, version.AddedBlob{ID: id, Size: size})
	}

	edit := &version.Edit{
		Kind:            version.EditMerge,
		DestLevel:       choice.DestLevel,
		RemovedTableIDs: choice.SrcIDs,
		AddedTableIDs:   idsOf(added),
		AddedBlobs:      addedBlobs,
		FragDeltas:      deltas,
	}
	return &Result{Edit: edit, RemovedPaths: removedPaths}, nil
}

func idsOf(tables []*table.Metadata) []uint64 {
	ids := make([]uint64, len(tables))
	for i, t := range tables {
		ids[i] = t.ID
	}
	return ids
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
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

func bytesEqual(a, b []byte) bool { return compareBytes(a, b) == 0 }

// writeOutputs drains src into one or more table files, rotating once the
// active writer reaches targetSize but only at a user-key boundary
// (spec.md §4.9 step 2: "never splits a run in the middle of a single
// user key").
func (j *Job) writeOutputs(src iterator.Source, destLevel int, targetSize uint64, tombstones []rangetombstone.RangeTombstone) ([]*table.Metadata, []version.FragmentationDelta, []uint64, error) {
	var out []*table.Metadata
	var deltas []version.FragmentationDelta
	var sealedBlobs []uint64
	var w *table.Writer
	var lastKey []byte
	havePrev := false

	finish := func() error {
		if w == nil {
			return nil
		}
		meta, err := w.Finish()
		if err != nil {
			return err
		}
		if meta != nil {
			out = append(out, meta)
		}
		w = nil
		return nil
	}

	for {
		item, ok, err := src.Next()
		if err != nil {
			_ = finish()
			return nil, nil, nil, err
		}
		if !ok {
			break
		}

		if w != nil && havePrev && !bytesEqual(lastKey, item.UserKey) && w.Size() >= targetSize {
			if err := finish(); err != nil {
				return nil, nil, nil, err
			}
		}
		if w == nil {
			id := j.nextTableID()
			path := table.FilePath(j.dir, id)
			w, err = table.NewWriter(path, id, j.tableCfg, j.logger)
			if err != nil {
				return nil, nil, nil, err
			}
			for _, rt := range tombstones {
				w.AddRangeTombstone(rt.Start, rt.End, rt.Seq)
			}
		}

		var drop bool
		var delta *version.FragmentationDelta
		item, drop, delta = j.applyFilter(destLevel, item)
		if delta != nil {
			deltas = append(deltas, *delta)
		}
		lastKey, havePrev = append(lastKey[:0], item.UserKey...), true
		if drop {
			continue
		}

		var sealedID uint64
		item, sealedID, err = j.maybeSeparate(item)
		if err != nil {
			return nil, nil, nil, err
		}
		if sealedID != 0 {
			sealedBlobs = append(sealedBlobs, sealedID)
		}

		if err := w.Add(item); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := finish(); err != nil {
		return nil, nil, nil, err
	}
	return out, deltas, sealedBlobs, nil
}

// applyFilter runs the configured Filter (if any) over item. Dropping or
// tombstoning an entry that was itself a blob indirection marks the
// referenced blob bytes dead so GC accounting stays accurate.
func (j *Job) applyFilter(destLevel int, item block.Item) (block.Item, bool, *version.FragmentationDelta) {
	if j.filter == nil || !item.Kind.HasPayload() {
		return item, false, nil
	}

	decision, newValue := j.filter.Filter(destLevel, item.UserKey, item.Value)
	switch decision {
	case FilterKeep:
		return item, false, nil
	case FilterReplace:
		item.Value = newValue
		return item, false, nil
	case FilterDrop, FilterTombstone:
		delta := j.deadIndirection(item)
		if decision == FilterDrop {
			return item, true, delta
		}
		item.Kind = ikey.KindTombstone
		item.Value = nil
		return item, false, delta
	default:
		return item, false, nil
	}
}

// deadIndirection marks a removed entry's blob bytes dead, if it carried
// an Indirection, and reports the delta for the version layer's
// bookkeeping.
func (j *Job) deadIndirection(item block.Item) *version.FragmentationDelta {
	if item.Kind != ikey.KindIndirection || j.blobs == nil {
		return nil
	}
	ind, err := blob.DecodeIndirection(item.Value)
	if err != nil {
		return nil
	}
	j.blobs.MarkDead(ind)
	return &version.FragmentationDelta{FileID: ind.FileID, DeadCount: 1, DeadBytes: uint64(ind.Size)}
}

// maybeSeparate redirects a value at or above the KV-sep threshold into a
// blob file, returning the rewritten Indirection item (spec.md §4.9 step
// 3). Values already stored as an Indirection, or below threshold, or KV
// separation being disabled, pass through unchanged.
func (j *Job) maybeSeparate(item block.Item) (block.Item, uint64, error) {
	if !j.blobCfg.Enabled || j.blobs == nil || item.Kind != ikey.KindValue {
		return item, 0, nil
	}
	if uint32(len(item.Value)) < j.blobCfg.SeparationThreshold {
		return item, 0, nil
	}

	ind, sealedID, err := j.blobs.Write(item.UserKey, item.Seq, item.Value)
	if err != nil {
		return item, 0, err
	}
	item.Value = blob.EncodeIndirection(ind)
	item.Kind = ikey.KindIndirection
	return item, sealedID, nil
}
