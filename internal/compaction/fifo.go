package compaction

import (
	"sort"

	"github.com/kvforge/lsmtree/internal/options"
	"github.com/kvforge/lsmtree/internal/version"
)

// FIFOPicker implements spec.md §4.9's FIFO strategy: size-based drop of
// the oldest tables, with no merge. Age is approximated by SeqMin (lower
// seqno sorts older), the same fallback the teacher's FIFOCompactionPicker
// uses when no file-creation timestamp is tracked — this spec's
// table.Metadata carries no wall-clock timestamp either, so the
// time-based (TTL) trigger the teacher also implements has no input to
// work from and is not built here.
//
// Grounded on the teacher's FIFOCompactionPicker (fifo_picker.go).
type FIFOPicker struct {
	cfg options.CompactionConfig
}

// NewFIFOPicker returns a picker configured by cfg.
func NewFIFOPicker(cfg options.CompactionConfig) *FIFOPicker {
	return &FIFOPicker{cfg: cfg}
}

type agedTable struct {
	id   uint64
	size uint64
	seq  uint64
}

func (p *FIFOPicker) allTablesByAge(v *version.Version) []agedTable {
	var out []agedTable
	for level := 0; level < version.NumLevels; level++ {
		for _, r := range v.Level(level).Runs {
			for _, t := range r.Tables {
				out = append(out, agedTable{id: t.ID, size: t.Size, seq: uint64(t.SeqMin)})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (p *FIFOPicker) totalSize(v *version.Version) uint64 {
	var total uint64
	for level := 0; level < version.NumLevels; level++ {
		total += v.Level(level).Size()
	}
	return total
}

// NeedsCompaction implements Picker.
func (p *FIFOPicker) NeedsCompaction(v *version.Version) bool {
	return p.cfg.MaxLevelSize > 0 && p.totalSize(v) > p.cfg.MaxLevelSize
}

// PickCompaction implements Picker.
func (p *FIFOPicker) PickCompaction(v *version.Version) Choice {
	if p.cfg.MaxLevelSize == 0 {
		return Choice{Kind: DoNothing}
	}
	total := p.totalSize(v)
	if total <= p.cfg.MaxLevelSize {
		return Choice{Kind: DoNothing}
	}

	var drop []uint64
	for _, t := range p.allTablesByAge(v) {
		if total <= p.cfg.MaxLevelSize {
			break
		}
		drop = append(drop, t.id)
		total -= t.size
	}
	if len(drop) == 0 {
		return Choice{Kind: DoNothing}
	}
	return Choice{Kind: Drop, SrcIDs: drop}
}
