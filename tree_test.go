package lsmtree

import (
	"testing"

	"github.com/kvforge/lsmtree/internal/compaction"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/options"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestInsertGetRoundTrips(t *testing.T) {
	tr := newTestTree(t)
	if _, _, err := tr.Insert([]byte("k"), []byte("v1"), 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	val, ok, err := tr.Get([]byte("k"), 1)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(val) != "v1" {
		t.Fatalf("unexpected value %q", val)
	}

	if _, ok, err := tr.Get([]byte("missing"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestGetRespectsSeqnoVisibility(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("k"), []byte("v1"), 1)
	tr.Insert([]byte("k"), []byte("v2"), 5)

	val, ok, err := tr.Get([]byte("k"), 1)
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("expected v1 at seq 1, got val=%q ok=%v err=%v", val, ok, err)
	}
	val, ok, err = tr.Get([]byte("k"), 3)
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("expected v1 at seq 3 (highest <= 3), got val=%q ok=%v err=%v", val, ok, err)
	}
	val, ok, err = tr.Get([]byte("k"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "v2" {
		t.Fatalf("expected v2 at SeqNoMax, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestGetShadowsAcrossFlush(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("k"), []byte("old"), 1)
	if _, rotated, err := tr.RotateMemtable(); err != nil || !rotated {
		t.Fatalf("RotateMemtable: rotated=%v err=%v", rotated, err)
	}
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("FlushActiveMemtable: %v", err)
	}

	tr.Insert([]byte("k"), []byte("new"), 2)

	val, ok, err := tr.Get([]byte("k"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "new" {
		t.Fatalf("expected active memtable's newer version to win, got val=%q ok=%v err=%v", val, ok, err)
	}
	val, ok, err = tr.Get([]byte("k"), 1)
	if err != nil || !ok || string(val) != "old" {
		t.Fatalf("expected flushed table's version visible at seq 1, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestRemoveRangeSuppressesPointRead(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("a"), []byte("1"), 1)
	tr.Insert([]byte("b"), []byte("2"), 1)
	tr.Insert([]byte("c"), []byte("3"), 1)

	if err := tr.RemoveRange([]byte("a"), []byte("c"), 5); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	if _, ok, err := tr.Get([]byte("a"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("expected a suppressed, ok=%v err=%v", ok, err)
	}
	if _, ok, err := tr.Get([]byte("b"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("expected b suppressed, ok=%v err=%v", ok, err)
	}
	val, ok, err := tr.Get([]byte("c"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "3" {
		t.Fatalf("expected c outside [a,c) to survive, got val=%q ok=%v err=%v", val, ok, err)
	}

	// A write after the tombstone's seqno is visible again.
	tr.Insert([]byte("a"), []byte("4"), 6)
	val, ok, err = tr.Get([]byte("a"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "4" {
		t.Fatalf("expected a's newer write to survive the tombstone, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestMultiGetMatchesIndividualGets(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("a"), []byte("1"), 1)
	tr.Insert([]byte("b"), []byte("2"), 1)

	values, founds, err := tr.MultiGet([][]byte{[]byte("a"), []byte("b"), []byte("missing")}, ikey.SeqNoMax)
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	want := []struct {
		val   string
		found bool
	}{{"1", true}, {"2", true}, {"", false}}
	for i, w := range want {
		if founds[i] != w.found {
			t.Fatalf("key %d: found=%v want %v", i, founds[i], w.found)
		}
		if w.found && string(values[i]) != w.val {
			t.Fatalf("key %d: val=%q want %q", i, values[i], w.val)
		}
	}
}

func TestSnapshotPinsReadView(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("k"), []byte("v1"), 1)

	snap := tr.Snapshot(1)
	defer snap.Release()

	tr.Insert([]byte("k"), []byte("v2"), 2)

	val, ok, err := tr.Get([]byte("k"), snap.Seq())
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("expected snapshot to pin v1, got val=%q ok=%v err=%v", val, ok, err)
	}
	val, ok, err = tr.Get([]byte("k"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "v2" {
		t.Fatalf("expected latest read to see v2, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestRotateMemtableNoopWhenEmpty(t *testing.T) {
	tr := newTestTree(t)
	if _, rotated, err := tr.RotateMemtable(); err != nil || rotated {
		t.Fatalf("expected no rotation on an empty memtable, rotated=%v err=%v", rotated, err)
	}
}

func TestFlushActiveMemtableNoopWhenQueueEmpty(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("FlushActiveMemtable on empty queue: %v", err)
	}
}

func TestCompactMergesFlushedTables(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Compaction.MinRunsForCompaction = 2
	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	tr.Insert([]byte("a"), []byte("1"), 1)
	tr.RotateMemtable()
	tr.FlushActiveMemtable(0)

	tr.Insert([]byte("a"), []byte("2"), 2)
	tr.RotateMemtable()
	tr.FlushActiveMemtable(0)

	// StrategyMaintenance merges overlapping L0 runs regardless of size
	// thresholds, so it reliably exercises Compact without depending on
	// DefaultCompactionConfig's byte-size triggers.
	if err := tr.Compact(options.StrategyMaintenance, ikey.SeqNoMax); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	val, ok, err := tr.Get([]byte("a"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "2" {
		t.Fatalf("expected newest version to survive compaction, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestRemoveWeakReadsAsNotFoundLikeTombstone(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("k"), []byte("v1"), 1)
	if err := tr.RemoveWeak([]byte("k"), 2); err != nil {
		t.Fatalf("RemoveWeak: %v", err)
	}

	if _, ok, err := tr.Get([]byte("k"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("expected a weak tombstone to read as not found, ok=%v err=%v", ok, err)
	}

	tr.Insert([]byte("k"), []byte("v2"), 3)
	val, ok, err := tr.Get([]byte("k"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "v2" {
		t.Fatalf("expected a later write to be visible again, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestDropRangeDeletesFullyContainedTables(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("a"), []byte("1"), 1)
	tr.RotateMemtable()
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("flush: %v", err)
	}
	tr.Insert([]byte("z"), []byte("2"), 2)
	tr.RotateMemtable()
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := tr.DropRange([]byte("a"), []byte("b")); err != nil {
		t.Fatalf("DropRange: %v", err)
	}

	if _, ok, err := tr.Get([]byte("a"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("expected a's table to be dropped, ok=%v err=%v", ok, err)
	}
	val, ok, err := tr.Get([]byte("z"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "2" {
		t.Fatalf("expected z's table outside the dropped range to survive, got val=%q ok=%v err=%v", val, ok, err)
	}
}

type funcCompactionFilter func(level int, key, value []byte) (compaction.FilterDecision, []byte)

func (f funcCompactionFilter) Filter(level int, key, value []byte) (compaction.FilterDecision, []byte) {
	return f(level, key, value)
}

func TestCompactionFilterDropsMatchingKeys(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Compaction.MinRunsForCompaction = 2
	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	tr.SetCompactionFilter(funcCompactionFilter(func(level int, key, value []byte) (compaction.FilterDecision, []byte) {
		if string(key) == "deleted" {
			return compaction.FilterDrop, nil
		}
		return compaction.FilterKeep, nil
	}))

	tr.Insert([]byte("deleted"), []byte("x"), 1)
	tr.Insert([]byte("kept"), []byte("y"), 1)
	tr.RotateMemtable()
	tr.FlushActiveMemtable(0)
	tr.Insert([]byte("other"), []byte("z"), 2)
	tr.RotateMemtable()
	tr.FlushActiveMemtable(0)

	if err := tr.Compact(options.StrategyMaintenance, ikey.SeqNoMax); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if _, ok, err := tr.Get([]byte("deleted"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("expected the filtered key to be dropped, ok=%v err=%v", ok, err)
	}
	val, ok, err := tr.Get([]byte("kept"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "y" {
		t.Fatalf("expected kept to survive the filter, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestOpenRecoversFlushedDataAfterClose(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	tr, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.Insert([]byte("k"), []byte("persisted"), 1)
	tr.RotateMemtable()
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("FlushActiveMemtable: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	val, ok, err := reopened.Get([]byte("k"), ikey.SeqNoMax)
	if err != nil || !ok || string(val) != "persisted" {
		t.Fatalf("expected flushed value to survive a restart, got val=%q ok=%v err=%v", val, ok, err)
	}

	// A fresh write after reopening is accepted by the recovered tree.
	if _, _, err := reopened.Insert([]byte("k2"), []byte("after-restart"), 2); err != nil {
		t.Fatalf("Insert after reopen: %v", err)
	}
}
