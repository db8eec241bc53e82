// tree.go wires together the active and sealed memtables, the
// version/manifest layer, the blob manager, and the shared block cache
// into the Tree facade; see doc.go for the package-level overview.
//
// Grounded on the teacher's db_apis.go (KeyMayExist's grab-pointers-then-
// scan-without-the-lock idiom), flush.go (rotate/flush split), and
// snapshot.go (Version-pinning snapshot) — generalized from those files'
// RocksDB-shaped API into the operation set below.
package lsmtree

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kvforge/lsmtree/internal/blob"
	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/cache"
	"github.com/kvforge/lsmtree/internal/compaction"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/memtable"
	"github.com/kvforge/lsmtree/internal/options"
	"github.com/kvforge/lsmtree/internal/table"
	"github.com/kvforge/lsmtree/internal/version"
)

// sealedMemTable is one memtable waiting in the flush queue, tagged with
// the id RotateMemtable handed back to its caller.
type sealedMemTable struct {
	id uint64
	mt *memtable.MemTable
}

// Tree is the top-level engine object: it wires together the active and
// sealed memtables, the version/manifest layer, the blob manager, and the
// shared block cache, and exposes spec.md §6.4's operation set.
//
// Lock order, outermost first, matches spec.md §5: Levels (the version
// Set's own internal mutex) → sealedMu → activeMu. No method acquires
// activeMu before sealedMu.
type Tree struct {
	dir    string
	cfg    Config
	logger logging.Logger

	manifest   *version.Manager
	blobs      *blob.Manager
	blockCache *cache.BlockCache

	readersMu sync.Mutex
	readers   map[uint64]*table.Reader

	sealedMu sync.Mutex
	sealed   []sealedMemTable

	activeMu sync.RWMutex
	active   *memtable.MemTable

	nextTableID    atomic.Uint64
	nextRunID      atomic.Uint64
	nextMemtableID atomic.Uint64

	snapMu     sync.Mutex
	snapHead   *Snapshot
	nextSnapID atomic.Uint64

	deferredMu sync.Mutex
	deferred   map[uint64]string // table id -> path, held back while a Snapshot still pins it

	filterMu sync.Mutex
	filter   compaction.Filter

	closed atomic.Bool
}

// Open recovers (or creates) a tree at cfg.Dir: replays the manifest,
// reopens every referenced table and blob file, and seeds an empty active
// memtable. The write-ahead log, if any, is an external collaborator —
// Open never reconstructs un-flushed writes from one.
func Open(cfg Config) (*Tree, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: lsmtree: Config.Dir is empty", lsmerr.ErrUnrecoverable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}

	t := &Tree{
		dir:      cfg.Dir,
		cfg:      cfg,
		logger:   logger,
		readers:  make(map[uint64]*table.Reader),
		deferred: make(map[uint64]string),
	}
	t.blockCache = cache.NewBlockCache(cfg.BlockCacheBytes)

	opener := func(id uint64) (*table.Metadata, error) {
		r, err := table.Open(table.FilePath(t.dir, id), id, t.cfg.Table, t.blockCache)
		if err != nil {
			return nil, err
		}
		t.readers[id] = r
		meta := r.Meta()
		return &meta, nil
	}
	mgr, err := version.Open(cfg.Dir, opener)
	if err != nil {
		return nil, err
	}
	t.manifest = mgr

	cur := mgr.Set().Current()
	var maxTableID, maxRunID, maxBlobID uint64
	for lvl := 0; lvl < version.NumLevels; lvl++ {
		for _, run := range cur.Level(lvl).Runs {
			if run.ID > maxRunID {
				maxRunID = run.ID
			}
			for _, tm := range run.Tables {
				if tm.ID > maxTableID {
					maxTableID = tm.ID
				}
			}
		}
	}
	for id := range cur.BlobFiles() {
		if id > maxBlobID {
			maxBlobID = id
		}
	}
	t.nextTableID.Store(maxTableID + 1)
	t.nextRunID.Store(maxRunID + 1)

	t.blobs = blob.NewManager(cfg.Dir, cfg.Blob, logger, maxBlobID+1)
	if cfg.Blob.Enabled && cfg.Blob.SeparationThreshold == 0 {
		logger.Warnf("blob separation threshold is 0: every value will be stored out of line")
	}

	for id, meta := range cur.BlobFiles() {
		if err := t.blobs.OpenExisting(id); err != nil {
			cur.Unref()
			return nil, err
		}
		t.blobs.SeedFragmentation(id, meta.DeadCount, meta.DeadBytes)
	}
	cur.Unref()

	t.active = memtable.New()
	return t, nil
}

// Close closes every open table reader and the blob manager, and syncs
// the manifest. It does not flush the active or sealed memtables —
// durability of un-flushed writes is the caller's responsibility.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	t.readersMu.Lock()
	for id, r := range t.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.readers, id)
	}
	t.readersMu.Unlock()
	if err := t.blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetCompactionFilter installs f to run over every entry a compaction
// writes to its output (spec.md §4.6 step 4: "may replace value / drop
// entry / convert to tombstone"). A nil filter (the default) forwards
// every entry unchanged. The filter applies to every subsequent Compact
// call regardless of strategy; it is not per-call configuration.
func (t *Tree) SetCompactionFilter(f compaction.Filter) {
	t.filterMu.Lock()
	t.filter = f
	t.filterMu.Unlock()
}

func (t *Tree) allocTableID() uint64    { return t.nextTableID.Add(1) - 1 }
func (t *Tree) allocRunID() uint64      { return t.nextRunID.Add(1) - 1 }
func (t *Tree) allocMemtableID() uint64 { return t.nextMemtableID.Add(1) - 1 }

// readSeqExclusive converts a public, inclusive read seqno into the
// strict-less-than bound internal/memtable and internal/table's point
// reads use (spec.md §4.1: "callers pass wanted_seqno + 1 to include
// wanted"). SeqNoMax is never incremented — it is a reserved sentinel,
// not a real write's seqno, and wrapping it to 0 would hide everything.
func readSeqExclusive(seq ikey.SeqNo) ikey.SeqNo {
	if seq == ikey.SeqNoMax {
		return ikey.SeqNoMax
	}
	return seq + 1
}

func checkKeyLen(key []byte) error {
	if len(key) > ikey.MaxUserKeyLen {
		return fmt.Errorf("%w: key length %d exceeds %d", lsmerr.ErrKeyTooLarge, len(key), ikey.MaxUserKeyLen)
	}
	return nil
}

// Insert records a put. It returns the new item's encoded size and the
// active memtable's approximate size after the insert (spec.md §6.4).
func (t *Tree) Insert(key, value []byte, seq ikey.SeqNo) (itemSize int, memtableSize int64, err error) {
	if t.closed.Load() {
		return 0, 0, lsmerr.ErrClosed
	}
	if err := checkKeyLen(key); err != nil {
		return 0, 0, err
	}
	t.activeMu.RLock()
	defer t.activeMu.RUnlock()
	t.active.Insert(key, seq, ikey.KindValue, value)
	return len(key) + len(value) + ikey.NumTrailerBytes, t.active.ApproximateSize(), nil
}

// Remove writes a Tombstone: all strictly-older versions of key become
// unreadable at any seqno >= seq.
func (t *Tree) Remove(key []byte, seq ikey.SeqNo) error {
	if t.closed.Load() {
		return lsmerr.ErrClosed
	}
	if err := checkKeyLen(key); err != nil {
		return err
	}
	t.activeMu.RLock()
	defer t.activeMu.RUnlock()
	t.active.Insert(key, seq, ikey.KindTombstone, nil)
	return nil
}

// RemoveWeak writes a WeakTombstone: it masks only strictly-older
// versions of key, and is itself dropped (rather than forwarded forever)
// once compaction reaches a point where no older version survives to
// mask (spec.md §9).
func (t *Tree) RemoveWeak(key []byte, seq ikey.SeqNo) error {
	if t.closed.Load() {
		return lsmerr.ErrClosed
	}
	if err := checkKeyLen(key); err != nil {
		return err
	}
	t.activeMu.RLock()
	defer t.activeMu.RUnlock()
	t.active.Insert(key, seq, ikey.KindWeakTombstone, nil)
	return nil
}

// RemoveRange writes a RangeTombstone covering the half-open interval
// [start, end).
func (t *Tree) RemoveRange(start, end []byte, seq ikey.SeqNo) error {
	if t.closed.Load() {
		return lsmerr.ErrClosed
	}
	if bytes.Compare(start, end) >= 0 {
		return lsmerr.ErrInvalidRange
	}
	t.activeMu.RLock()
	defer t.activeMu.RUnlock()
	t.active.InsertRangeTombstone(start, end, seq)
	return nil
}

// snapshotSources grabs the active memtable pointer, a copy of the sealed
// queue, and a ref'd current Version, in spec.md §5's lock order, then
// releases every lock before the caller does any I/O. The returned
// Version must be Unref'd by the caller.
func (t *Tree) snapshotSources() (active *memtable.MemTable, sealed []sealedMemTable, v *version.Version) {
	t.sealedMu.Lock()
	sealed = append([]sealedMemTable(nil), t.sealed...)
	t.sealedMu.Unlock()

	t.activeMu.RLock()
	active = t.active
	t.activeMu.RUnlock()

	v = t.manifest.Set().Current()
	return active, sealed, v
}

// openTable returns a cached reader for table id, opening and caching it
// on first use.
func (t *Tree) openTable(id uint64) (*table.Reader, error) {
	t.readersMu.Lock()
	defer t.readersMu.Unlock()
	if r, ok := t.readers[id]; ok {
		return r, nil
	}
	r, err := table.Open(table.FilePath(t.dir, id), id, t.cfg.Table, t.blockCache)
	if err != nil {
		return nil, err
	}
	t.readers[id] = r
	return r, nil
}

// resolveGet turns the winning internal item into Get's public result,
// following a blob indirection if needed. A Tombstone or WeakTombstone
// both mean "not found" at read time — the weak/strong distinction only
// matters to compaction (spec.md §9).
func (t *Tree) resolveGet(item block.Item) ([]byte, bool, error) {
	switch item.Kind {
	case ikey.KindTombstone, ikey.KindWeakTombstone:
		return nil, false, nil
	case ikey.KindIndirection:
		ind, err := blob.DecodeIndirection(item.Value)
		if err != nil {
			return nil, false, err
		}
		val, err := t.blobs.Get(ind)
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	default:
		return append([]byte(nil), item.Value...), true, nil
	}
}

// getWithSources performs one point lookup against an already-snapshotted
// set of sources, searching newest to oldest: active memtable, sealed
// memtables from most- to least-recently sealed, then each level's runs
// in order (L0 holds the most recent flushes).
//
// A range tombstone suppresses a point item with a strictly lower seqno,
// regardless of which source holds either one, so this accumulates the
// highest visible tombstone seqno covering key as it goes. Memtables are
// always checked in full (cheap, in memory); on-disk tables are only
// checked for tables whose key range could hold the key, which misses the
// rare table that holds nothing but a range tombstone over an otherwise
// empty key span — Range/Prefix iteration does not have this gap, since
// it merges every source's tombstones unconditionally.
func (t *Tree) getWithSources(key []byte, readSeq ikey.SeqNo, exclusive ikey.SeqNo, active *memtable.MemTable, sealed []sealedMemTable, v *version.Version) ([]byte, bool, error) {
	var tsSeq ikey.SeqNo
	haveTS := false
	note := func(start, end []byte, seq ikey.SeqNo) {
		if seq > readSeq {
			return
		}
		if bytes.Compare(key, start) < 0 || bytes.Compare(key, end) >= 0 {
			return
		}
		if !haveTS || seq > tsSeq {
			tsSeq, haveTS = seq, true
		}
	}

	for _, rt := range active.RangeTombstones() {
		note(rt.Start, rt.End, rt.Seq)
	}
	if item, ok := active.Get(key, exclusive); ok {
		if haveTS && tsSeq > item.Seq {
			return nil, false, nil
		}
		return t.resolveGet(item)
	}

	for i := len(sealed) - 1; i >= 0; i-- {
		for _, rt := range sealed[i].mt.RangeTombstones() {
			note(rt.Start, rt.End, rt.Seq)
		}
		if item, ok := sealed[i].mt.Get(key, exclusive); ok {
			if haveTS && tsSeq > item.Seq {
				return nil, false, nil
			}
			return t.resolveGet(item)
		}
	}

	for lvl := 0; lvl < version.NumLevels; lvl++ {
		for _, run := range v.Level(lvl).Runs {
			for _, tm := range run.Tables {
				if bytes.Compare(key, tm.KeyMin) < 0 || bytes.Compare(key, tm.KeyMax) > 0 {
					continue
				}
				r, err := t.openTable(tm.ID)
				if err != nil {
					return nil, false, err
				}
				for _, rt := range r.RangeTombstones() {
					note(rt.Start, rt.End, rt.Seq)
				}
				item, ok, err := r.Get(key, exclusive)
				if err != nil {
					return nil, false, err
				}
				if ok {
					if haveTS && tsSeq > item.Seq {
						return nil, false, nil
					}
					return t.resolveGet(item)
				}
			}
		}
	}
	return nil, false, nil
}

// Get returns the value visible to seq, if any: the entry with the
// highest seqno <= seq, unless a range tombstone with a higher (but still
// visible) seqno covers the key (spec.md §5).
func (t *Tree) Get(key []byte, seq ikey.SeqNo) ([]byte, bool, error) {
	if t.closed.Load() {
		return nil, false, lsmerr.ErrClosed
	}
	if err := checkKeyLen(key); err != nil {
		return nil, false, err
	}
	active, sealed, v := t.snapshotSources()
	defer v.Unref()
	return t.getWithSources(key, seq, readSeqExclusive(seq), active, sealed, v)
}

// MultiGet batches several point lookups against one snapshotted set of
// sources, so it only pays the version-ref and sealed-queue-copy cost
// once (spec.md §6.4: "may leverage I/O batching").
func (t *Tree) MultiGet(keys [][]byte, seq ikey.SeqNo) ([][]byte, []bool, error) {
	if t.closed.Load() {
		return nil, nil, lsmerr.ErrClosed
	}
	for _, k := range keys {
		if err := checkKeyLen(k); err != nil {
			return nil, nil, err
		}
	}
	active, sealed, v := t.snapshotSources()
	defer v.Unref()

	exclusive := readSeqExclusive(seq)
	values := make([][]byte, len(keys))
	founds := make([]bool, len(keys))
	for i, k := range keys {
		val, ok, err := t.getWithSources(k, seq, exclusive, active, sealed, v)
		if err != nil {
			return nil, nil, err
		}
		values[i], founds[i] = val, ok
	}
	return values, founds, nil
}

// RotateMemtable seals the active memtable and moves it to the back of
// the flush queue, replacing it with a fresh one. It reports false if the
// active memtable held nothing to rotate (spec.md §6.4).
func (t *Tree) RotateMemtable() (memtableID uint64, rotated bool, err error) {
	if t.closed.Load() {
		return 0, false, lsmerr.ErrClosed
	}
	t.sealedMu.Lock()
	defer t.sealedMu.Unlock()
	t.activeMu.Lock()
	defer t.activeMu.Unlock()

	if t.active.Empty() {
		return 0, false, nil
	}
	t.active.Seal()
	id := t.allocMemtableID()
	t.sealed = append(t.sealed, sealedMemTable{id: id, mt: t.active})
	t.active = memtable.New()
	return id, true, nil
}

// FlushActiveMemtable consumes the oldest sealed memtable — the one
// rotate_memtable queued first — writing it out as a new L0 table and
// installing the resulting Version (spec.md §6.4). It is a no-op if the
// flush queue is empty. gcWatermark is accepted for symmetry with Compact
// but unused: a single memtable never holds more than one version of the
// same (key, seq) pair, so there is nothing within it for a watermark to
// let the flush drop.
func (t *Tree) FlushActiveMemtable(gcWatermark ikey.SeqNo) error {
	_ = gcWatermark
	if t.closed.Load() {
		return lsmerr.ErrClosed
	}
	t.sealedMu.Lock()
	if len(t.sealed) == 0 {
		t.sealedMu.Unlock()
		return nil
	}
	entry := t.sealed[0]
	t.sealedMu.Unlock()

	id := t.allocTableID()
	path := table.FilePath(t.dir, id)
	w, err := table.NewWriter(path, id, t.cfg.Table, t.logger)
	if err != nil {
		return err
	}
	for _, rt := range entry.mt.RangeTombstones() {
		w.AddRangeTombstone(rt.Start, rt.End, rt.Seq)
	}

	var sealedBlobs []uint64
	it := entry.mt.Iterator(nil)
	for it.Valid() {
		item := it.Item()
		if t.cfg.Blob.Enabled && item.Kind == ikey.KindValue && uint32(len(item.Value)) >= t.cfg.Blob.SeparationThreshold {
			ind, sealedID, werr := t.blobs.Write(item.UserKey, item.Seq, item.Value)
			if werr != nil {
				os.Remove(path)
				return werr
			}
			item.Value = blob.EncodeIndirection(ind)
			item.Kind = ikey.KindIndirection
			if sealedID != 0 {
				sealedBlobs = append(sealedBlobs, sealedID)
			}
		}
		if err := w.Add(item); err != nil {
			os.Remove(path)
			return err
		}
		it.Next()
	}

	meta, err := w.Finish()
	if err != nil {
		return err
	}

	edit := &version.Edit{Kind: version.EditNewL0Run, RunID: t.allocRunID()}
	var addedTables []*table.Metadata
	if meta != nil {
		edit.AddedTableIDs = []uint64{meta.ID}
		addedTables = []*table.Metadata{meta}
		t.readersMu.Lock()
		if _, ok := t.readers[meta.ID]; !ok {
			if r, oerr := table.Open(path, meta.ID, t.cfg.Table, t.blockCache); oerr == nil {
				t.readers[meta.ID] = r
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

	t.sealedMu.Lock()
	if len(t.sealed) > 0 && t.sealed[0].id == entry.id {
		t.sealed = t.sealed[1:]
	}
	t.sealedMu.Unlock()
	return nil
}

// pickerFor selects the compaction.Picker matching strategy.
// StrategyMaintenance is the one exception to "steady-state strategy a
// caller configures up front": it only makes sense as an occasional
// interleave that restores L0 disjointness, so Compact dispatches it the
// same way as any other strategy rather than hard-wiring it as an
// always-checked pre-pass.
func (t *Tree) pickerFor(strategy options.Strategy) compaction.Picker {
	switch strategy {
	case options.StrategyTiered:
		return compaction.NewTieredPicker(t.cfg.Compaction)
	case options.StrategyFIFO:
		return compaction.NewFIFOPicker(t.cfg.Compaction)
	case options.StrategyMaintenance:
		return compaction.NewMaintenancePicker(t.cfg.Compaction.MinRunsForCompaction)
	default:
		return compaction.NewLeveledPicker(t.cfg.Compaction)
	}
}

// canEvictOldVersions reports whether every open Snapshot's pinned seqno
// is at or above gcWatermark, i.e. whether compaction is free to drop
// shadowed entries below it (spec.md §4.9 step 2).
func (t *Tree) canEvictOldVersions(gcWatermark ikey.SeqNo) bool {
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	for s := t.snapHead; s != nil; s = s.next {
		if s.seq < gcWatermark {
			return false
		}
	}
	return true
}

// Compact runs one synchronous compaction pass using strategy, picking
// and executing at most one Choice (spec.md §6.4). It is a no-op if
// strategy's picker reports nothing needs compacting.
func (t *Tree) Compact(strategy options.Strategy, gcWatermark ikey.SeqNo) error {
	if t.closed.Load() {
		return lsmerr.ErrClosed
	}
	picker := t.pickerFor(strategy)
	v := t.manifest.Set().Current()
	defer v.Unref()

	if !picker.NeedsCompaction(v) {
		return nil
	}
	choice := picker.PickCompaction(v)
	if choice.Kind == compaction.DoNothing {
		return nil
	}

	evict := choice.Kind == compaction.DoCompact && choice.DestLevel >= 2 && t.canEvictOldVersions(gcWatermark)
	job := compaction.NewJob(t.dir, t.cfg.Table, t.cfg.Blob, t.blobs, t.blockCache, t.logger, t.allocTableID)
	t.filterMu.Lock()
	f := t.filter
	t.filterMu.Unlock()
	if f != nil {
		job.SetFilter(f)
	}
	result, err := job.Execute(v, choice, evict, gcWatermark)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if result.Edit.Kind == version.EditMerge {
		result.Edit.RunID = t.allocRunID()
	}

	var addedTables []*table.Metadata
	for _, id := range result.Edit.AddedTableIDs {
		r, err := t.openTable(id)
		if err != nil {
			return err
		}
		m := r.Meta()
		addedTables = append(addedTables, &m)
	}

	if _, err := t.manifest.Apply(result.Edit, addedTables); err != nil {
		return err
	}
	t.reclaimTables(result.Edit.RemovedTableIDs, result.RemovedPaths)
	return nil
}

// DropRange physically deletes every table fully contained in the
// half-open interval [start, end); tables only partially overlapping are
// left untouched, with whatever range tombstone already covers them doing
// the suppression until a future compaction rewrites them (spec.md §9
// open question 2, §6.4).
func (t *Tree) DropRange(start, end []byte) error {
	if t.closed.Load() {
		return lsmerr.ErrClosed
	}
	if bytes.Compare(start, end) >= 0 {
		return lsmerr.ErrInvalidRange
	}

	v := t.manifest.Set().Current()
	defer v.Unref()

	var ids []uint64
	var paths []string
	for lvl := 0; lvl < version.NumLevels; lvl++ {
		for _, run := range v.Level(lvl).Runs {
			for _, tm := range run.Tables {
				if bytes.Compare(tm.KeyMin, start) >= 0 && bytes.Compare(tm.KeyMax, end) < 0 {
					ids = append(ids, tm.ID)
					paths = append(paths, table.FilePath(t.dir, tm.ID))
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	edit := &version.Edit{Kind: version.EditDropped, RemovedTableIDs: ids}
	if _, err := t.manifest.Apply(edit, nil); err != nil {
		return err
	}
	t.reclaimTables(ids, paths)
	return nil
}

// tablesReferencedBySnapshots returns the set of table ids pinned by any
// currently open Snapshot.
func (t *Tree) tablesReferencedBySnapshots() map[uint64]bool {
	referenced := make(map[uint64]bool)
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	for s := t.snapHead; s != nil; s = s.next {
		for lvl := 0; lvl < version.NumLevels; lvl++ {
			for _, run := range s.version.Level(lvl).Runs {
				for _, tm := range run.Tables {
					referenced[tm.ID] = true
				}
			}
		}
	}
	return referenced
}

func (t *Tree) closeAndRemoveTable(id uint64, path string) {
	t.readersMu.Lock()
	if r, ok := t.readers[id]; ok {
		r.Close()
		delete(t.readers, id)
	}
	t.readersMu.Unlock()
	t.blockCache.InvalidateTable(id)
	if path != "" {
		os.Remove(path)
	}
}

// reclaimTables physically removes tables named by ids unless a live
// Snapshot still references one, in which case its deletion is deferred
// until that Snapshot (or every Snapshot referencing it) is released
// (spec.md §5: "Table files that are logically removed but still
// referenced by a live Snapshot are deferred").
func (t *Tree) reclaimTables(ids []uint64, paths []string) {
	if len(ids) == 0 {
		return
	}
	pathByID := make(map[uint64]string, len(ids))
	for i, id := range ids {
		if i < len(paths) {
			pathByID[id] = paths[i]
		}
	}
	referenced := t.tablesReferencedBySnapshots()

	t.deferredMu.Lock()
	defer t.deferredMu.Unlock()
	for id, p := range pathByID {
		if referenced[id] {
			t.deferred[id] = p
			continue
		}
		t.closeAndRemoveTable(id, p)
	}
}

// recheckDeferred re-evaluates every deferred table deletion against the
// current set of open Snapshots, physically removing any that are no
// longer referenced. Called when a Snapshot is released.
func (t *Tree) recheckDeferred() {
	t.deferredMu.Lock()
	if len(t.deferred) == 0 {
		t.deferredMu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(t.deferred))
	for id := range t.deferred {
		ids = append(ids, id)
	}
	t.deferredMu.Unlock()

	referenced := t.tablesReferencedBySnapshots()
	for _, id := range ids {
		if referenced[id] {
			continue
		}
		t.deferredMu.Lock()
		path, ok := t.deferred[id]
		if ok {
			delete(t.deferred, id)
		}
		t.deferredMu.Unlock()
		if ok {
			t.closeAndRemoveTable(id, path)
		}
	}
}
