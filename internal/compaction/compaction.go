// Package compaction implements the compaction strategies and compaction
// job of spec.md §4.9: a Picker decides what to compact, a Job executes
// one DoCompact choice by merging source tables into a new run.
//
// Grounded on the teacher's internal/compaction package: picker.go (leveled
// target-size/file-count triggers), universal_picker.go (tiered run-count
// triggers), fifo_picker.go (time/size-based drop), and job.go (the
// iterate-filter-write loop, generalized from its single-key-range
// accounting to this spec's level-of-runs model and internal/iterator's
// pull-style merge).
package compaction

import "github.com/kvforge/lsmtree/internal/version"

// ChoiceKind names what a Picker decided to do.
type ChoiceKind uint8

const (
	// DoNothing means no compaction is currently needed.
	DoNothing ChoiceKind = iota
	// Drop removes tables outright, without reading or rewriting them
	// (FIFO's size-based eviction).
	Drop
	// DoCompact merges SrcIDs into a new run at DestLevel.
	DoCompact
)

// Choice is a Picker's decision for one compaction cycle (spec.md §4.9
// step 1).
type Choice struct {
	Kind ChoiceKind

	// Drop and DoCompact: the tables to remove from their current levels.
	SrcIDs []uint64

	// DoCompact only.
	DestLevel  int
	TargetSize uint64
}

// Picker selects what, if anything, should be compacted next.
type Picker interface {
	// NeedsCompaction reports whether v's layout warrants a compaction.
	NeedsCompaction(v *version.Version) bool
	// PickCompaction returns this cycle's Choice. Returns a DoNothing
	// Choice if NeedsCompaction would report false.
	PickCompaction(v *version.Version) Choice
}
