// Package options holds the plain configuration structs passed by value
// into the engine's components, per spec.md design note "global state →
// passed-in configuration".
package options

import "github.com/kvforge/lsmtree/internal/compression"

// TableConfig configures internal/table.Writer (spec.md §4.2).
type TableConfig struct {
	DataBlockTargetSize      uint32 // bytes; must be <= 4 MiB
	IndexBlockTargetSize     uint32
	DataBlockRestartInterval uint8
	IndexBlockRestartInterval uint8
	DataBlockHashRatio       float64
	DataBlockCompression     compression.Policy
	IndexBlockCompression    compression.Policy
	FilterBitsPerKey         int
	UsePartitionedIndex      bool
	// UsePartitionedFilter only takes effect alongside UsePartitionedIndex,
	// and only once the table's index actually partitions (its estimated
	// size exceeds IndexBlockTargetSize): the filter is then split into one
	// block per index partition, aligned 1:1 with it.
	UsePartitionedFilter bool
}

// DefaultTableConfig returns sane defaults matching spec.md's stated
// defaults (restart interval 16, 4 KiB data and index block targets).
func DefaultTableConfig() TableConfig {
	return TableConfig{
		DataBlockTargetSize:       4 * 1024,
		IndexBlockTargetSize:      4 * 1024,
		DataBlockRestartInterval:  16,
		IndexBlockRestartInterval: 16,
		DataBlockHashRatio:        0,
		DataBlockCompression:      compression.NonePolicy,
		IndexBlockCompression:     compression.NonePolicy,
		FilterBitsPerKey:          10,
		UsePartitionedIndex:       false,
		UsePartitionedFilter:      false,
	}
}

// Strategy selects the compaction picker (spec.md §4.9).
type Strategy uint8

const (
	StrategyLeveled Strategy = iota
	StrategyTiered
	StrategyFIFO
	// StrategyMaintenance restores L0 disjointness by merging overlapping
	// runs without promoting data to a deeper level (spec.md §4.9). It is
	// not a steady-state strategy; Tree.Compact runs it only when it is
	// passed as the strategy, and never runs it ahead of another one.
	StrategyMaintenance
)

// CompactionConfig configures internal/compaction.
type CompactionConfig struct {
	Strategy Strategy

	// Leveled
	L0TargetSize   uint64 // T_0
	LevelSizeRatio float64
	NumLevels      int

	// Tiered
	MinRunsForCompaction int

	// FIFO
	MaxLevelSize   uint64
	MaxTableAgeSec int64
}

// DefaultCompactionConfig returns a leveled strategy with RocksDB-ish
// defaults (base level 64 MiB, 10x fan-out, 7 levels).
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Strategy:             StrategyLeveled,
		L0TargetSize:         64 << 20,
		LevelSizeRatio:       10,
		NumLevels:            7,
		MinRunsForCompaction: 4,
	}
}

// BlobConfig configures KV separation (spec.md §4.10).
type BlobConfig struct {
	Enabled             bool
	SeparationThreshold uint32 // values >= this size go to a blob file
	FileTargetSize      uint64
	GCFragmentationPct  float64 // fraction of dead bytes that triggers GC
}

// DefaultBlobConfig disables KV separation.
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{Enabled: false, SeparationThreshold: 1 << 20, FileTargetSize: 64 << 20, GCFragmentationPct: 0.5}
}
