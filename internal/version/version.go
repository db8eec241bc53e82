// Package version implements the copy-on-write table/blob layout described
// in spec.md §4.8: an immutable Version holding, per level, a list of Runs
// (each an independent sorted group of tables installed together by one
// flush or compaction), plus the blob-file metadata GC needs.
//
// Grounded on the teacher's internal/version/version.go (immutable,
// ref-counted Version with a linked-list-of-versions lifetime) and
// internal/version/version_set.go (current-pointer swap under a mutex),
// generalized from RocksDB's one-sorted-run-per-level model (plus L0's
// unsorted file list) to this spec's level-of-runs model, which every
// level, not just L0, needs for the Tiered strategy.
package version

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kvforge/lsmtree/internal/table"
)

// NumLevels is the number of levels in the LSM-tree, L0 through L(NumLevels-1).
const NumLevels = 7

// Run is a group of tables installed together by a single flush or
// compaction. A run produced by a merge is disjoint (its tables' key
// ranges never overlap) and kept sorted by KeyMin; an L0 flush run is a
// single table and trivially disjoint from itself, but L0 as a whole may
// hold several overlapping runs until a Maintenance compaction restores
// disjointness (spec.md §4.9).
type Run struct {
	ID     uint64
	Tables []*table.Metadata
}

// Size returns the sum of every table's on-disk size in the run.
func (r *Run) Size() uint64 {
	var sz uint64
	for _, t := range r.Tables {
		sz += t.Size
	}
	return sz
}

// Level is one level's set of runs.
type Level struct {
	Runs []*Run
}

// Size returns the sum of every run's size in the level.
func (l *Level) Size() uint64 {
	var sz uint64
	for _, r := range l.Runs {
		sz += r.Size()
	}
	return sz
}

// NumTables returns the total table count across every run in the level.
func (l *Level) NumTables() int {
	n := 0
	for _, r := range l.Runs {
		n += len(r.Tables)
	}
	return n
}

// BlobFileMeta is the version-tracked metadata for one blob file: its size
// plus the fragmentation bookkeeping a blob-GC pass uses to pick
// candidates (spec.md §4.10).
type BlobFileMeta struct {
	ID        uint64
	Size      uint64
	DeadCount uint64
	DeadBytes uint64
}

// Version is an immutable, reference-counted snapshot of the tree's table
// and blob-file layout. New versions are produced by the With* methods,
// which reuse every unchanged *Run and *BlobFileMeta pointer from their
// predecessor (copy-on-write).
type Version struct {
	id        uint64
	levels    [NumLevels]*Level
	blobFiles map[uint64]*BlobFileMeta

	refs       int32
	prev, next *Version
	set        *Set
}

func newVersion(id uint64) *Version {
	v := &Version{id: id, blobFiles: make(map[uint64]*BlobFileMeta)}
	for i := range v.levels {
		v.levels[i] = &Level{}
	}
	return v
}

// ID returns the version's monotonic id.
func (v *Version) ID() uint64 { return v.id }

// Level returns level i's run list, or an empty Level if i is out of range.
func (v *Version) Level(i int) *Level {
	if i < 0 || i >= NumLevels {
		return &Level{}
	}
	return v.levels[i]
}

// BlobFile looks up a blob file's tracked metadata.
func (v *Version) BlobFile(id uint64) (*BlobFileMeta, bool) {
	m, ok := v.blobFiles[id]
	return m, ok
}

// BlobFiles returns every blob file tracked by this version.
func (v *Version) BlobFiles() map[uint64]*BlobFileMeta { return v.blobFiles }

// Ref increments the version's reference count. Call before handing a
// Version to a reader (e.g. a Snapshot) that may outlive the current Set
// swap.
func (v *Version) Ref() { atomic.AddInt32(&v.refs, 1) }

// Unref decrements the reference count, retiring the version from the
// Set's linked list once it reaches zero and is no longer current.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 && v.set != nil {
		v.set.retire(v)
	}
}

// clone returns a new Version at newID that reuses every level's Run
// pointers; With* methods then replace only what actually changed.
func (v *Version) clone(newID uint64) *Version {
	nv := newVersion(newID)
	for i := range v.levels {
		nv.levels[i] = &Level{Runs: append([]*Run(nil), v.levels[i].Runs...)}
	}
	for id, m := range v.blobFiles {
		nv.blobFiles[id] = m
	}
	return nv
}

// WithNewL0Run prepends a new run to L0, as a flush does.
func (v *Version) WithNewL0Run(runID uint64, tables []*table.Metadata) *Version {
	nv := v.clone(v.id + 1)
	nv.levels[0].Runs = append([]*Run{{ID: runID, Tables: tables}}, nv.levels[0].Runs...)
	return nv
}

// WithMerge removes removedIDs from every level, installs newTables as a
// new run at destLevel, and calls OptimizeRuns on destLevel.
func (v *Version) WithMerge(runID uint64, removedIDs []uint64, newTables []*table.Metadata, destLevel int) *Version {
	nv := v.clone(v.id + 1)
	removed := toSet(removedIDs)
	for i := range nv.levels {
		nv.levels[i] = filterLevel(nv.levels[i], removed)
	}
	if len(newTables) > 0 {
		nv.levels[destLevel].Runs = append(nv.levels[destLevel].Runs, &Run{ID: runID, Tables: newTables})
	}
	nv.levels[destLevel] = OptimizeRuns(nv.levels[destLevel])
	return nv
}

// WithMoved relocates the tables named by ids to destLevel without
// rewriting them (a trivial compaction, valid only when the move doesn't
// introduce overlap within destLevel).
func (v *Version) WithMoved(ids []uint64, destLevel int) *Version {
	nv := v.clone(v.id + 1)
	moveSet := toSet(ids)
	var moved []*table.Metadata
	for i := range nv.levels {
		var kept []*Run
		for _, r := range nv.levels[i].Runs {
			var keep []*table.Metadata
			for _, t := range r.Tables {
				if moveSet[t.ID] {
					moved = append(moved, t)
				} else {
					keep = append(keep, t)
				}
			}
			if len(keep) > 0 {
				kept = append(kept, &Run{ID: r.ID, Tables: keep})
			}
		}
		nv.levels[i].Runs = kept
	}
	if len(moved) > 0 {
		sortTablesByKeyMin(moved)
		nv.levels[destLevel].Runs = append(nv.levels[destLevel].Runs, &Run{ID: moved[0].ID, Tables: moved})
	}
	return nv
}

// WithDropped removes the tables named by ids from every level.
func (v *Version) WithDropped(ids []uint64) *Version {
	nv := v.clone(v.id + 1)
	removed := toSet(ids)
	for i := range nv.levels {
		nv.levels[i] = filterLevel(nv.levels[i], removed)
	}
	return nv
}

// WithBlobAdded installs a newly-sealed blob file's metadata.
func (v *Version) WithBlobAdded(id uint64, size uint64) *Version {
	nv := v.clone(v.id + 1)
	nv.blobFiles[id] = &BlobFileMeta{ID: id, Size: size}
	return nv
}

// WithBlobDropped removes a blob file's metadata, once GC has rewritten
// its live entries elsewhere and removed it from disk.
func (v *Version) WithBlobDropped(id uint64) *Version {
	nv := v.clone(v.id + 1)
	delete(nv.blobFiles, id)
	return nv
}

// FragmentationDelta records newly-dead bytes observed for a blob file
// during compaction (an overwrite or tombstone dropping an indirection).
type FragmentationDelta struct {
	FileID    uint64
	DeadCount uint64
	DeadBytes uint64
}

// WithFragmentation merges fragmentation deltas accumulated during a
// compaction into the blob files' tracked stats.
func (v *Version) WithFragmentation(deltas []FragmentationDelta) *Version {
	if len(deltas) == 0 {
		return v
	}
	nv := v.clone(v.id + 1)
	for _, d := range deltas {
		m, ok := nv.blobFiles[d.FileID]
		if !ok {
			continue
		}
		cp := *m
		cp.DeadCount += d.DeadCount
		cp.DeadBytes += d.DeadBytes
		nv.blobFiles[d.FileID] = &cp
	}
	return nv
}

func toSet(ids []uint64) map[uint64]bool {
	m := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func filterLevel(l *Level, removed map[uint64]bool) *Level {
	var runs []*Run
	for _, r := range l.Runs {
		var kept []*table.Metadata
		for _, t := range r.Tables {
			if !removed[t.ID] {
				kept = append(kept, t)
			}
		}
		if len(kept) > 0 {
			runs = append(runs, &Run{ID: r.ID, Tables: kept})
		}
	}
	return &Level{Runs: runs}
}

func sortTablesByKeyMin(tables []*table.Metadata) {
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].KeyMin, tables[j].KeyMin) < 0
	})
}

// disjoint reports whether tables, once sorted by KeyMin, have no
// overlapping key ranges.
func disjoint(tables []*table.Metadata) bool {
	sorted := append([]*table.Metadata(nil), tables...)
	sortTablesByKeyMin(sorted)
	for i := 1; i < len(sorted); i++ {
		if bytes.Compare(sorted[i-1].KeyMax, sorted[i].KeyMin) >= 0 {
			return false
		}
	}
	return true
}

// OptimizeRuns merges adjacent runs in a level into a single sorted run
// when the level's tables are, taken together, disjoint — reducing read
// amplification without rewriting any table (spec.md §4.8 "optimize_runs").
// A level whose runs still overlap is returned unchanged.
func OptimizeRuns(l *Level) *Level {
	if len(l.Runs) <= 1 {
		return l
	}
	var all []*table.Metadata
	lastID := l.Runs[len(l.Runs)-1].ID
	for _, r := range l.Runs {
		all = append(all, r.Tables...)
	}
	if !disjoint(all) {
		return l
	}
	sortTablesByKeyMin(all)
	return &Level{Runs: []*Run{{ID: lastID, Tables: all}}}
}

// Set owns the chain of installed Versions and the current pointer. It is
// the in-memory half of the manifest; Manager (in this package) persists
// edits and recovers a Set from them.
type Set struct {
	mu         sync.Mutex
	listMu     sync.Mutex
	current    *Version
	head, tail *Version
	nextID     uint64
}

// NewSet returns a Set whose current version is an empty Version at id 0.
func NewSet() *Set {
	v := newVersion(0)
	s := &Set{nextID: 1}
	s.installLocked(v)
	return s
}

// Current returns the current version, with its refcount already
// incremented; callers must Unref it when done.
func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ref()
	return s.current
}

// Apply installs next as the new current version, replacing whatever
// AppliedFrom Version produced it. Installation never races on the
// content of next, only on the current pointer swap.
func (s *Set) Apply(next *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current
	s.installLocked(next)
	old.Unref()
}

func (s *Set) installLocked(v *Version) {
	v.set = s
	v.Ref()
	s.listMu.Lock()
	if s.tail != nil {
		s.tail.next = v
		v.prev = s.tail
	} else {
		s.head = v
	}
	s.tail = v
	s.listMu.Unlock()
	if v.id >= s.nextID {
		s.nextID = v.id + 1
	}
	s.current = v
}

// NextID allocates the next version id without installing anything.
func (s *Set) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *Set) retire(v *Version) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	if v.prev != nil {
		v.prev.next = v.next
	} else if s.head == v {
		s.head = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	} else if s.tail == v {
		s.tail = v.prev
	}
	v.prev, v.next = nil, nil
}
