package filter

import (
	"fmt"
	"testing"
)

func TestReaderNeverFalseNegativesForAddedKeys(t *testing.T) {
	b := NewBuilder(10)
	var keys [][]byte
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		keys = append(keys, k)
		b.Add(k)
	}
	if b.NumKeys() != len(keys) {
		t.Fatalf("NumKeys = %d, want %d", b.NumKeys(), len(keys))
	}

	r := NewReader(b.Finish())
	if r == nil {
		t.Fatal("NewReader rejected a filter Finish just produced")
	}
	for _, k := range keys {
		if !r.MayContain(k) {
			t.Fatalf("MayContain(%q) = false, want true (no false negatives)", k)
		}
	}
}

func TestReaderFalsePositiveRateWithinBudget(t *testing.T) {
	b := NewBuilder(10)
	for i := 0; i < 2000; i++ {
		b.Add([]byte(fmt.Sprintf("present-%05d", i)))
	}
	r := NewReader(b.Finish())

	fp := 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		if r.MayContain([]byte(fmt.Sprintf("absent-%05d", i))) {
			fp++
		}
	}
	// 10 bits/key targets roughly a 1% false-positive rate; allow slack
	// for the cache-line-local construction costing a bit of precision.
	if rate := float64(fp) / float64(trials); rate > 0.05 {
		t.Fatalf("false-positive rate too high: %d/%d = %.4f", fp, trials, rate)
	}
}

func TestEmptyBuilderProducesAlwaysFalseFilter(t *testing.T) {
	b := NewBuilder(10)
	r := NewReader(b.Finish())
	if r.MayContain([]byte("anything")) {
		t.Fatal("an empty filter must never report a match")
	}
}

func TestNewReaderRejectsMalformedData(t *testing.T) {
	if NewReader(nil) != nil {
		t.Fatal("expected nil Reader for empty data")
	}
	if NewReader([]byte{1, 2, 3}) != nil {
		t.Fatal("expected nil Reader for data shorter than the metadata suffix")
	}

	b := NewBuilder(10)
	b.Add([]byte("a"))
	data := b.Finish()
	data[len(data)-5] ^= 0xFF // corrupt the marker byte
	if NewReader(data) != nil {
		t.Fatal("expected nil Reader when the marker bytes don't match")
	}
}

func TestEstimatedSizeMatchesFinishLength(t *testing.T) {
	b := NewBuilder(8)
	if b.EstimatedSize() != 0 {
		t.Fatalf("EstimatedSize on an empty builder = %d, want 0", b.EstimatedSize())
	}
	for i := 0; i < 50; i++ {
		b.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	if got, want := b.EstimatedSize(), len(b.Finish()); got != want {
		t.Fatalf("EstimatedSize() = %d, Finish() produced %d bytes", got, want)
	}
}
