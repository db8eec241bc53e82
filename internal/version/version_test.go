package version

import (
	"testing"

	"github.com/kvforge/lsmtree/internal/table"
)

func tbl(id uint64, keyMin, keyMax string, size uint64) *table.Metadata {
	return &table.Metadata{ID: id, KeyMin: []byte(keyMin), KeyMax: []byte(keyMax), Size: size}
}

func TestNewSetStartsEmpty(t *testing.T) {
	s := NewSet()
	v := s.Current()
	defer v.Unref()
	for i := 0; i < NumLevels; i++ {
		if v.Level(i).NumTables() != 0 {
			t.Fatalf("level %d should start empty", i)
		}
	}
}

func TestWithNewL0RunPrependsRun(t *testing.T) {
	s := NewSet()
	v0 := s.Current()
	defer v0.Unref()

	v1 := v0.WithNewL0Run(1, []*table.Metadata{tbl(1, "a", "b", 100)})
	if v1.ID() != v0.ID()+1 {
		t.Fatalf("got id %d, want %d", v1.ID(), v0.ID()+1)
	}
	if v1.Level(0).NumTables() != 1 {
		t.Fatalf("got %d tables in L0, want 1", v1.Level(0).NumTables())
	}
	// v0 must be unaffected (copy-on-write).
	if v0.Level(0).NumTables() != 0 {
		t.Fatalf("original version was mutated")
	}

	v2 := v1.WithNewL0Run(2, []*table.Metadata{tbl(2, "c", "d", 100)})
	if v2.Level(0).NumTables() != 2 {
		t.Fatalf("got %d tables in L0, want 2", v2.Level(0).NumTables())
	}
	// Newest run is prepended.
	if v2.Level(0).Runs[0].ID != 2 {
		t.Fatalf("got first run id %d, want 2 (newest prepended)", v2.Level(0).Runs[0].ID)
	}
}

func TestWithMergeRemovesAndInstalls(t *testing.T) {
	v0 := newVersion(0)
	v1 := v0.WithNewL0Run(1, []*table.Metadata{tbl(1, "a", "b", 100), tbl(2, "c", "d", 100)})

	merged := v1.WithMerge(10, []uint64{1, 2}, []*table.Metadata{tbl(3, "a", "d", 200)}, 1)
	if merged.Level(0).NumTables() != 0 {
		t.Fatalf("expected source tables removed from L0")
	}
	if merged.Level(1).NumTables() != 1 {
		t.Fatalf("expected merged table installed at L1")
	}
	if merged.Level(1).Runs[0].Tables[0].ID != 3 {
		t.Fatalf("got table id %d, want 3", merged.Level(1).Runs[0].Tables[0].ID)
	}
}

func TestWithDroppedRemovesTables(t *testing.T) {
	v0 := newVersion(0)
	v1 := v0.WithNewL0Run(1, []*table.Metadata{tbl(1, "a", "b", 100)})
	v2 := v1.WithDropped([]uint64{1})
	if v2.Level(0).NumTables() != 0 {
		t.Fatalf("expected table dropped")
	}
}

func TestWithMovedRelocatesTables(t *testing.T) {
	v0 := newVersion(0)
	v1 := v0.WithNewL0Run(1, []*table.Metadata{tbl(1, "a", "b", 100)})
	v2 := v1.WithMoved([]uint64{1}, 3)
	if v2.Level(0).NumTables() != 0 {
		t.Fatalf("expected table removed from L0 after move")
	}
	if v2.Level(3).NumTables() != 1 {
		t.Fatalf("expected table relocated to L3")
	}
}

func TestOptimizeRunsMergesDisjointRuns(t *testing.T) {
	l := &Level{Runs: []*Run{
		{ID: 1, Tables: []*table.Metadata{tbl(1, "a", "b", 10)}},
		{ID: 2, Tables: []*table.Metadata{tbl(2, "c", "d", 10)}},
	}}
	optimized := OptimizeRuns(l)
	if len(optimized.Runs) != 1 {
		t.Fatalf("got %d runs, want 1 (disjoint runs should merge)", len(optimized.Runs))
	}
	if len(optimized.Runs[0].Tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(optimized.Runs[0].Tables))
	}
}

func TestOptimizeRunsLeavesOverlappingRunsAlone(t *testing.T) {
	l := &Level{Runs: []*Run{
		{ID: 1, Tables: []*table.Metadata{tbl(1, "a", "m", 10)}},
		{ID: 2, Tables: []*table.Metadata{tbl(2, "g", "z", 10)}},
	}}
	optimized := OptimizeRuns(l)
	if len(optimized.Runs) != 2 {
		t.Fatalf("got %d runs, want 2 (overlapping runs must not merge)", len(optimized.Runs))
	}
}

func TestBlobLifecycle(t *testing.T) {
	v0 := newVersion(0)
	v1 := v0.WithBlobAdded(5, 1000)
	if m, ok := v1.BlobFile(5); !ok || m.Size != 1000 {
		t.Fatalf("got (%+v,%v), want size 1000", m, ok)
	}

	v2 := v1.WithFragmentation([]FragmentationDelta{{FileID: 5, DeadCount: 2, DeadBytes: 100}})
	m, ok := v2.BlobFile(5)
	if !ok || m.DeadCount != 2 || m.DeadBytes != 100 {
		t.Fatalf("got %+v, want dead_count=2 dead_bytes=100", m)
	}
	// Original version unaffected.
	if orig, _ := v1.BlobFile(5); orig.DeadCount != 0 {
		t.Fatalf("fragmentation delta leaked into predecessor version")
	}

	v3 := v2.WithBlobDropped(5)
	if _, ok := v3.BlobFile(5); ok {
		t.Fatalf("expected blob file removed")
	}
}

func TestSetApplyAndRefcounting(t *testing.T) {
	s := NewSet()
	v0 := s.Current()

	v1 := v0.WithNewL0Run(1, []*table.Metadata{tbl(1, "a", "b", 10)})
	s.Apply(v1)

	cur := s.Current()
	defer cur.Unref()
	if cur.ID() != v1.ID() {
		t.Fatalf("got current id %d, want %d", cur.ID(), v1.ID())
	}
	v0.Unref()
}
