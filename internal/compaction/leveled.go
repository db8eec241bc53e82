package compaction

import (
	"bytes"

	"github.com/kvforge/lsmtree/internal/options"
	"github.com/kvforge/lsmtree/internal/version"
)

// LeveledPicker implements spec.md §4.9's Leveled strategy: when L_i
// exceeds target size T_i = T_0 * ratio^i, pick one table from L_i plus
// every overlapping table from L_{i+1} and merge into L_{i+1}.
//
// Grounded on the teacher's LeveledCompactionPicker (picker.go), adapted
// from its one-run-per-level file list to this spec's level-of-runs
// model: L0's trigger is run count (a run is one flush), not file count,
// since a single L0 flush run may hold only one table.
type LeveledPicker struct {
	cfg options.CompactionConfig
}

// NewLeveledPicker returns a picker configured by cfg.
func NewLeveledPicker(cfg options.CompactionConfig) *LeveledPicker {
	return &LeveledPicker{cfg: cfg}
}

func (p *LeveledPicker) targetSize(level int) uint64 {
	size := float64(p.cfg.L0TargetSize)
	for i := 1; i <= level; i++ {
		size *= p.cfg.LevelSizeRatio
	}
	return uint64(size)
}

func (p *LeveledPicker) score(v *version.Version, level int) float64 {
	if level == 0 {
		return float64(len(v.Level(0).Runs)) / float64(p.cfg.MinRunsForCompaction)
	}
	target := p.targetSize(level)
	if target == 0 {
		return 0
	}
	return float64(v.Level(level).Size()) / float64(target)
}

// NeedsCompaction implements Picker.
func (p *LeveledPicker) NeedsCompaction(v *version.Version) bool {
	if p.score(v, 0) >= 1.0 {
		return true
	}
	for level := 1; level < version.NumLevels-1; level++ {
		if p.score(v, level) >= 1.0 {
			return true
		}
	}
	return false
}

// PickCompaction implements Picker.
func (p *LeveledPicker) PickCompaction(v *version.Version) Choice {
	if p.score(v, 0) >= 1.0 {
		if c, ok := p.pickL0(v); ok {
			return c
		}
	}

	bestLevel, bestScore := -1, 0.0
	for level := 1; level < version.NumLevels-1; level++ {
		if s := p.score(v, level); s > bestScore {
			bestLevel, bestScore = level, s
		}
	}
	if bestLevel >= 0 && bestScore >= 1.0 {
		if c, ok := p.pickLevel(v, bestLevel); ok {
			return c
		}
	}
	return Choice{Kind: DoNothing}
}

func (p *LeveledPicker) pickL0(v *version.Version) (Choice, bool) {
	l0 := v.Level(0)
	if len(l0.Runs) == 0 {
		return Choice{}, false
	}

	var ids []uint64
	var keyMin, keyMax []byte
	for _, r := range l0.Runs {
		for _, t := range r.Tables {
			ids = append(ids, t.ID)
			if keyMin == nil || bytes.Compare(t.KeyMin, keyMin) < 0 {
				keyMin = t.KeyMin
			}
			if keyMax == nil || bytes.Compare(t.KeyMax, keyMax) > 0 {
				keyMax = t.KeyMax
			}
		}
	}
	ids = append(ids, overlappingIDs(v, 1, keyMin, keyMax)...)

	return Choice{Kind: DoCompact, SrcIDs: ids, DestLevel: 1, TargetSize: p.targetFileSize(1)}, true
}

func (p *LeveledPicker) pickLevel(v *version.Version, level int) (Choice, bool) {
	l := v.Level(level)
	var picked *pickedTable
	for _, r := range l.Runs {
		for _, t := range r.Tables {
			if picked == nil || t.Size > picked.size {
				picked = &pickedTable{id: t.ID, keyMin: t.KeyMin, keyMax: t.KeyMax, size: t.Size}
			}
		}
	}
	if picked == nil {
		return Choice{}, false
	}

	destLevel := level + 1
	ids := append([]uint64{picked.id}, overlappingIDs(v, destLevel, picked.keyMin, picked.keyMax)...)
	return Choice{Kind: DoCompact, SrcIDs: ids, DestLevel: destLevel, TargetSize: p.targetFileSize(destLevel)}, true
}

func (p *LeveledPicker) targetFileSize(level int) uint64 {
	size := p.targetSize(level)
	if size == 0 {
		return p.cfg.L0TargetSize
	}
	return size / uint64(max(1, p.cfg.MinRunsForCompaction))
}

type pickedTable struct {
	id             uint64
	keyMin, keyMax []byte
	size           uint64
}

// overlappingIDs returns the ids of every table at level whose key range
// intersects [keyMin, keyMax].
func overlappingIDs(v *version.Version, level int, keyMin, keyMax []byte) []uint64 {
	var ids []uint64
	for _, r := range v.Level(level).Runs {
		for _, t := range r.Tables {
			if bytes.Compare(t.KeyMin, keyMax) <= 0 && bytes.Compare(t.KeyMax, keyMin) >= 0 {
				ids = append(ids, t.ID)
			}
		}
	}
	return ids
}
