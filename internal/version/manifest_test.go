package version

import (
	"testing"

	"github.com/kvforge/lsmtree/internal/table"
)

func fakeOpener(sizes map[uint64]uint64) TableOpener {
	return func(id uint64) (*table.Metadata, error) {
		return &table.Metadata{ID: id, KeyMin: []byte("a"), KeyMax: []byte("z"), Size: sizes[id]}, nil
	}
}

func TestManifestOpenApplyAndRecover(t *testing.T) {
	dir := t.TempDir()
	opener := fakeOpener(map[uint64]uint64{1: 100, 2: 200})

	m, err := Open(dir, opener)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = m.Apply(&Edit{Kind: EditNewL0Run, RunID: 1, AddedTableIDs: []uint64{1}}, []*table.Metadata{tbl(1, "a", "b", 100)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	_, err = m.Apply(&Edit{Kind: EditNewL0Run, RunID: 2, AddedTableIDs: []uint64{2}}, []*table.Metadata{tbl(2, "c", "d", 200)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(dir, opener)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	cur := m2.Set().Current()
	defer cur.Unref()
	if cur.Level(0).NumTables() != 2 {
		t.Fatalf("got %d tables recovered in L0, want 2", cur.Level(0).NumTables())
	}
}

func TestManifestApplyMergeAcrossLevels(t *testing.T) {
	dir := t.TempDir()
	opener := fakeOpener(map[uint64]uint64{1: 100, 2: 100, 3: 200})

	m, err := Open(dir, opener)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.Apply(&Edit{Kind: EditNewL0Run, RunID: 1, AddedTableIDs: []uint64{1, 2}}, []*table.Metadata{tbl(1, "a", "b", 100), tbl(2, "c", "d", 100)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	next, err := m.Apply(&Edit{Kind: EditMerge, RunID: 10, RemovedTableIDs: []uint64{1, 2}, DestLevel: 1, AddedTableIDs: []uint64{3}}, []*table.Metadata{tbl(3, "a", "d", 200)})
	if err != nil {
		t.Fatalf("Apply merge: %v", err)
	}
	if next.Level(0).NumTables() != 0 {
		t.Fatalf("expected L0 emptied by merge")
	}
	if next.Level(1).NumTables() != 1 {
		t.Fatalf("expected merged table landed in L1")
	}
}

func TestManifestSnapshotCompaction(t *testing.T) {
	dir := t.TempDir()
	ids := map[uint64]uint64{}
	opener := fakeOpener(ids)

	m, err := Open(dir, opener)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Drive past snapshotInterval edits to force an in-place compaction.
	for i := uint64(1); i <= snapshotInterval+1; i++ {
		ids[i] = 10
		if _, err := m.Apply(&Edit{Kind: EditNewL0Run, RunID: i, AddedTableIDs: []uint64{i}}, []*table.Metadata{tbl(i, "a", "b", 10)}); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}
	if m.editsSince != 0 {
		t.Fatalf("expected editsSince reset after compaction, got %d", m.editsSince)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(dir, opener)
	if err != nil {
		t.Fatalf("reopen after compaction: %v", err)
	}
	defer m2.Close()
	cur := m2.Set().Current()
	defer cur.Unref()
	if cur.Level(0).NumTables() != int(snapshotInterval+1) {
		t.Fatalf("got %d tables after recovering snapshot, want %d", cur.Level(0).NumTables(), snapshotInterval+1)
	}
}
