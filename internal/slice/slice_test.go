package slice

import "testing"

func TestOfMaterializesWithoutCopy(t *testing.T) {
	b := []byte("hello")
	s := Of(b)
	if s.Len() != 5 || s.Fused() {
		t.Fatalf("unexpected slice: len=%d fused=%v", s.Len(), s.Fused())
	}
	if &s.Bytes()[0] != &b[0] {
		t.Fatal("Of should not copy the backing buffer")
	}
}

func TestFuseConcatenatesLogically(t *testing.T) {
	s := Fuse([]byte("abc"), []byte("defg"))
	if !s.Fused() {
		t.Fatal("expected a fused slice")
	}
	if s.Len() != 7 {
		t.Fatalf("expected length 7, got %d", s.Len())
	}
	if string(s.Bytes()) != "abcdefg" {
		t.Fatalf("unexpected materialized bytes: %q", s.Bytes())
	}
	for i, want := range []byte("abcdefg") {
		if s.At(i) != want {
			t.Fatalf("At(%d) = %q, want %q", i, s.At(i), want)
		}
	}
}

func TestFuseWithEmptyHalfDegradesToSingleBuffer(t *testing.T) {
	s := Fuse(nil, []byte("xyz"))
	if s.Fused() {
		t.Fatal("an empty prefix should not fuse")
	}
	if string(s.Bytes()) != "xyz" {
		t.Fatalf("unexpected bytes: %q", s.Bytes())
	}

	s = Fuse([]byte("xyz"), nil)
	if s.Fused() {
		t.Fatal("an empty suffix should not fuse")
	}
	if string(s.Bytes()) != "xyz" {
		t.Fatalf("unexpected bytes: %q", s.Bytes())
	}
}

func TestCloneOwnsItsMemory(t *testing.T) {
	b := []byte("mutate me")
	s := Of(b).Clone()
	b[0] = 'X'
	if s.Bytes()[0] == 'X' {
		t.Fatal("Clone should be independent of the original backing buffer")
	}
}

func TestCompareMatchesBytesCompareSemantics(t *testing.T) {
	cases := []struct {
		a, b []byte
		want int
	}{
		{[]byte("abc"), []byte("abc"), 0},
		{[]byte("abc"), []byte("abd"), -1},
		{[]byte("abd"), []byte("abc"), 1},
		{[]byte("ab"), []byte("abc"), -1},
		{[]byte("abc"), []byte("ab"), 1},
		{[]byte(""), []byte(""), 0},
	}
	for _, c := range cases {
		if got := Compare(Of(c.a), Of(c.b)); sign(got) != sign(c.want) {
			t.Errorf("Compare(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func TestCompareAcrossFusedBoundary(t *testing.T) {
	fused := Fuse([]byte("ab"), []byte("cdef"))
	plain := Of([]byte("abcdef"))
	if Compare(fused, plain) != 0 {
		t.Fatalf("a fused slice should compare equal to its flattened bytes")
	}

	shorter := Fuse([]byte("ab"), []byte("cde"))
	if Compare(shorter, fused) >= 0 {
		t.Fatal("a shorter common-prefix slice should compare less")
	}
}

func TestSharedPrefixLen(t *testing.T) {
	cases := []struct {
		a, b []byte
		want int
	}{
		{[]byte("abcdef"), []byte("abcxyz"), 3},
		{[]byte("abc"), []byte("abc"), 3},
		{[]byte(""), []byte("abc"), 0},
		{[]byte("abc"), []byte("xyz"), 0},
		{[]byte("ab"), []byte("abcdef"), 2},
	}
	for _, c := range cases {
		if got := SharedPrefixLen(c.a, c.b); got != c.want {
			t.Errorf("SharedPrefixLen(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
