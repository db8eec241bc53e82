package lsmtree

import "testing"

func TestApproximateSizesCoversMemtableAndTables(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("a"), []byte("1234567890"), 1)
	tr.Insert([]byte("b"), []byte("1234567890"), 1)

	sizes, err := tr.ApproximateSizes([]Range{{Start: nil, End: nil}})
	if err != nil {
		t.Fatalf("ApproximateSizes: %v", err)
	}
	if len(sizes) != 1 || sizes[0] == 0 {
		t.Fatalf("expected a nonzero unbounded-range size, got %v", sizes)
	}

	tr.RotateMemtable()
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("FlushActiveMemtable: %v", err)
	}
	sizes, err = tr.ApproximateSizes([]Range{{Start: []byte("a"), End: []byte("c")}})
	if err != nil {
		t.Fatalf("ApproximateSizes after flush: %v", err)
	}
	if sizes[0] == 0 {
		t.Fatal("expected the flushed table's size to be counted")
	}
}

func TestApproximateSizesExcludesDisjointRange(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("a"), []byte("v"), 1)
	tr.RotateMemtable()
	if err := tr.FlushActiveMemtable(0); err != nil {
		t.Fatalf("FlushActiveMemtable: %v", err)
	}

	sizes, err := tr.ApproximateSizes([]Range{{Start: []byte("x"), End: []byte("z")}})
	if err != nil {
		t.Fatalf("ApproximateSizes: %v", err)
	}
	if sizes[0] != 0 {
		t.Fatalf("expected zero size for a disjoint range, got %d", sizes[0])
	}
}

func TestApproximateMemTableStatsCountsEntries(t *testing.T) {
	tr := newTestTree(t)
	tr.Insert([]byte("a"), []byte("1"), 1)
	tr.Insert([]byte("b"), []byte("2"), 1)

	count, size := tr.ApproximateMemTableStats(Range{})
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	if size == 0 {
		t.Fatal("expected a nonzero approximate size")
	}

	tr.RotateMemtable()
	count, _ = tr.ApproximateMemTableStats(Range{})
	if count != 2 {
		t.Fatalf("expected sealed entries still counted, got %d", count)
	}
}

func TestRangesOverlap(t *testing.T) {
	cases := []struct {
		name                   string
		s1, e1, s2, e2         []byte
		want                   bool
	}{
		{"unbounded both sides overlap", nil, nil, []byte("a"), []byte("z"), true},
		{"disjoint, query entirely before", []byte("a"), []byte("b"), []byte("c"), []byte("d"), false},
		{"disjoint, query entirely after", []byte("e"), []byte("f"), []byte("c"), []byte("d"), false},
		{"overlapping", []byte("a"), []byte("d"), []byte("c"), []byte("f"), true},
		{"table with unset KeyMax overlaps a later query", []byte("e"), []byte("f"), []byte("c"), nil, true},
	}
	for _, c := range cases {
		got := rangesOverlap(c.s1, c.e1, c.s2, c.e2)
		if got != c.want {
			t.Errorf("%s: rangesOverlap(%q,%q,%q,%q) = %v, want %v", c.name, c.s1, c.e1, c.s2, c.e2, got, c.want)
		}
	}
}
