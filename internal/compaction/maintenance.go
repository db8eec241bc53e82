package compaction

import "github.com/kvforge/lsmtree/internal/version"

// MaintenancePicker implements spec.md §4.9's Maintenance strategy: merge
// overlapping L0 runs to restore disjointness once read amplification
// (the number of overlapping runs a point read must probe) grows past a
// threshold.
//
// Grounded on the teacher's FIFOCompactionPicker.pickIntraL0Compaction
// (fifo_picker.go), the teacher's closest equivalent to an intra-level
// merge that doesn't change level, adapted to trigger on L0 run count
// directly rather than AllowCompaction-gated file count.
type MaintenancePicker struct {
	// RunThreshold is the number of L0 runs that triggers a merge.
	RunThreshold int
}

// NewMaintenancePicker returns a picker that merges L0 once it holds at
// least runThreshold runs.
func NewMaintenancePicker(runThreshold int) *MaintenancePicker {
	if runThreshold < 2 {
		runThreshold = 2
	}
	return &MaintenancePicker{RunThreshold: runThreshold}
}

// NeedsCompaction implements Picker.
func (p *MaintenancePicker) NeedsCompaction(v *version.Version) bool {
	return len(v.Level(0).Runs) >= p.RunThreshold
}

// PickCompaction implements Picker.
func (p *MaintenancePicker) PickCompaction(v *version.Version) Choice {
	l0 := v.Level(0)
	if len(l0.Runs) < p.RunThreshold {
		return Choice{Kind: DoNothing}
	}

	var ids []uint64
	for _, r := range l0.Runs {
		for _, t := range r.Tables {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return Choice{Kind: DoNothing}
	}
	return Choice{Kind: DoCompact, SrcIDs: ids, DestLevel: 0}
}
