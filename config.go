package lsmtree

import (
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/options"
)

// Config holds every value-passed configuration knob the Tree needs to
// open or create a tree rooted at Dir. There is no package-level default
// instance; every caller builds or copies a Config explicitly.
type Config struct {
	Dir string

	Table      options.TableConfig
	Compaction options.CompactionConfig
	Blob       options.BlobConfig

	// MemTableTargetSize is the ApproximateSize threshold past which a
	// caller should call Tree.RotateMemtable (spec.md §4.4). The Tree
	// itself never auto-rotates; this field only informs callers driving
	// their own write loop.
	MemTableTargetSize int64

	// BlockCacheBytes bounds the shared block cache (spec.md §4.11).
	BlockCacheBytes int

	Logger logging.Logger
}

// DefaultConfig returns a Config rooted at dir with the same defaults as
// internal/options' DefaultTableConfig/DefaultCompactionConfig/
// DefaultBlobConfig, KV separation disabled, and a 32 MiB block cache.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		Table:              options.DefaultTableConfig(),
		Compaction:         options.DefaultCompactionConfig(),
		Blob:               options.DefaultBlobConfig(),
		MemTableTargetSize: 4 << 20,
		BlockCacheBytes:    32 << 20,
		Logger:             logging.Discard,
	}
}
