package block

import (
	"fmt"
	"testing"

	"github.com/kvforge/lsmtree/internal/checksum"
	"github.com/kvforge/lsmtree/internal/ikey"
)

// goldenItems returns a sorted (per Less), deduplicated item set with n
// distinct user keys, each carrying one or two versions, wide enough to
// span several restart intervals at every R this file exercises.
func goldenItems(n int) []Item {
	items := make([]Item, 0, n+n/3)
	for i := range n {
		key := []byte(fmt.Sprintf("key-%04d", i))
		items = append(items, Item{UserKey: key, Seq: ikey.SeqNo(2), Kind: ikey.KindValue, Value: []byte(fmt.Sprintf("v%d-new", i))})
		if i%3 == 0 {
			items = append(items, Item{UserKey: key, Seq: ikey.SeqNo(1), Kind: ikey.KindTombstone})
		}
	}
	return items
}

func TestEncodeParseRoundTripsAcrossRestartAndHashVariation(t *testing.T) {
	items := goldenItems(40)

	for restart := 1; restart <= 16; restart++ {
		for h := 0; h <= 4; h++ {
			ratio := float64(h) * 0.5 // 0, 0.5, 1, 1.5, 2
			t.Run(fmt.Sprintf("R=%d/h=%d", restart, h), func(t *testing.T) {
				data, err := Encode(items, restart, ratio)
				if err != nil {
					t.Fatalf("Encode: %v", err)
				}
				b, err := Parse(data)
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				if b.ItemCount() != len(items) {
					t.Fatalf("ItemCount = %d, want %d", b.ItemCount(), len(items))
				}

				it := NewIterator(b)
				for i, want := range items {
					got, ok := it.Next()
					if !ok {
						t.Fatalf("iterator ended early at index %d", i)
					}
					if !itemsEqual(got, want) {
						t.Fatalf("item %d = %+v, want %+v", i, got, want)
					}
				}
				if _, ok := it.Next(); ok {
					t.Fatalf("iterator yielded more items than encoded")
				}
				if err := it.Err(); err != nil {
					t.Fatalf("iterator error: %v", err)
				}
			})
		}
	}
}

func itemsEqual(a, b Item) bool {
	return string(a.UserKey) == string(b.UserKey) && a.Seq == b.Seq && a.Kind == b.Kind && string(a.Value) == string(b.Value)
}

// TestPointReadMonotonicity checks PointRead's documented contract: it
// returns the first item with UserKey == key and Seq < readSeq, so raising
// readSeq can only ever reveal an equal-or-newer visible version, never
// hide one that was already visible.
func TestPointReadMonotonicity(t *testing.T) {
	items := []Item{
		{UserKey: []byte("a"), Seq: 5, Kind: ikey.KindValue, Value: []byte("a5")},
		{UserKey: []byte("a"), Seq: 3, Kind: ikey.KindValue, Value: []byte("a3")},
		{UserKey: []byte("a"), Seq: 1, Kind: ikey.KindValue, Value: []byte("a1")},
	}
	data, err := Encode(items, 4, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cases := []struct {
		readSeq ikey.SeqNo
		wantSeq ikey.SeqNo
		wantOk  bool
	}{
		{readSeq: 1, wantOk: false},
		{readSeq: 2, wantSeq: 1, wantOk: true},
		{readSeq: 4, wantSeq: 3, wantOk: true},
		{readSeq: 6, wantSeq: 5, wantOk: true},
	}
	for _, c := range cases {
		got, ok, err := b.PointRead([]byte("a"), c.readSeq, 0, false)
		if err != nil {
			t.Fatalf("PointRead(readSeq=%d): %v", c.readSeq, err)
		}
		if ok != c.wantOk {
			t.Fatalf("PointRead(readSeq=%d) ok = %v, want %v", c.readSeq, ok, c.wantOk)
		}
		if ok && got.Seq != c.wantSeq {
			t.Fatalf("PointRead(readSeq=%d) seq = %d, want %d", c.readSeq, got.Seq, c.wantSeq)
		}
	}
}

func TestPointReadViaHashIndexMatchesScan(t *testing.T) {
	items := goldenItems(60)
	data, err := Encode(items, 8, 2.0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, want := range items {
		if want.Kind != ikey.KindValue {
			continue
		}
		hash := checksum.Hash64(want.UserKey)
		got, ok, err := b.PointRead(want.UserKey, ikey.SeqNoMax, hash, true)
		if err != nil {
			t.Fatalf("PointRead(%s): %v", want.UserKey, err)
		}
		if !ok {
			t.Fatalf("PointRead(%s): not found", want.UserKey)
		}
		if got.Seq != want.Seq || string(got.Value) != string(want.Value) {
			t.Fatalf("PointRead(%s) = %+v, want %+v", want.UserKey, got, want)
		}
	}

	if _, ok, err := b.PointRead([]byte("zzz-absent"), ikey.SeqNoMax, checksum.Hash64([]byte("zzz-absent")), true); err != nil || ok {
		t.Fatalf("PointRead(absent) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

// TestSeekToFindsFirstItemGreaterOrEqual drives Iterator.SeekTo at every
// possible needle relative to a known key set: exact match, between two
// restart heads, and past the last key.
func TestSeekToFindsFirstItemGreaterOrEqual(t *testing.T) {
	items := goldenItems(30)
	data, err := Encode(items, 4, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	firstKeyOnOrAfter := func(needle []byte) (Item, bool) {
		for _, it := range items {
			if compareBytes(it.UserKey, needle) >= 0 {
				return it, true
			}
		}
		return Item{}, false
	}

	needles := [][]byte{
		[]byte("key-0000"),
		[]byte("key-0000a"), // strictly between key-0000 and key-0001
		[]byte("key-0015"),
		[]byte("key-9999"), // past the end
		[]byte(""),         // before the start
	}
	for _, needle := range needles {
		it := NewIterator(b)
		if err := it.SeekTo(needle); err != nil {
			t.Fatalf("SeekTo(%q): %v", needle, err)
		}
		want, wantOk := firstKeyOnOrAfter(needle)
		got, gotOk := it.Next()
		if gotOk != wantOk {
			t.Fatalf("SeekTo(%q): Next ok = %v, want %v", needle, gotOk, wantOk)
		}
		if wantOk && (string(got.UserKey) != string(want.UserKey) || got.Seq != want.Seq) {
			t.Fatalf("SeekTo(%q) landed on %+v, want %+v", needle, got, want)
		}
	}
}

func TestParseRejectsTruncatedData(t *testing.T) {
	data, err := Encode(goldenItems(5), 4, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Parse(data[:TrailerSize-1]); err == nil {
		t.Fatalf("Parse accepted data shorter than the trailer")
	}

	b, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(valid): %v", err)
	}
	corrupted := append([]byte(nil), data...)
	corrupted[b.t.binaryIdxOffset-1] = 0x00 // stomp the terminator marker
	if _, err := Parse(corrupted); err == nil {
		t.Fatalf("Parse accepted data with a corrupted terminator marker")
	}
}
