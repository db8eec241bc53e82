package table

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/cache"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/options"
)

func goldenTableItems(n int) []block.Item {
	items := make([]block.Item, 0, n)
	for i := range n {
		key := []byte(fmt.Sprintf("row-%05d", i))
		items = append(items, block.Item{UserKey: key, Seq: ikey.SeqNo(1), Kind: ikey.KindValue, Value: []byte(fmt.Sprintf("value-%d", i))})
	}
	return items
}

func writeGoldenTable(t *testing.T, cfg options.TableConfig, items []block.Item) (string, *Metadata) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	w, err := NewWriter(path, 1, cfg, logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, it := range items {
		if err := w.Add(it); err != nil {
			t.Fatalf("Add(%s): %v", it.UserKey, err)
		}
	}
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if meta == nil {
		t.Fatalf("Finish returned nil metadata for a non-empty table")
	}
	return path, meta
}

func TestWriterReaderRoundTripsAllItemsInOrder(t *testing.T) {
	items := goldenTableItems(500)
	cfg := options.DefaultTableConfig()
	cfg.DataBlockTargetSize = 256 // force many small data blocks

	path, meta := writeGoldenTable(t, cfg, items)
	if meta.ItemCount != uint64(len(items)) {
		t.Fatalf("ItemCount = %d, want %d", meta.ItemCount, len(items))
	}
	if meta.DataBlockCount < 2 {
		t.Fatalf("expected multiple data blocks with a 256-byte target, got %d", meta.DataBlockCount)
	}

	bc := cache.NewBlockCache(1 << 20)
	r, err := Open(path, 1, cfg, bc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	it, err := r.NewIterator(cache.ReadThrough)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	for i, want := range items {
		got, ok := it.Next()
		if !ok {
			t.Fatalf("iterator ended early at index %d", i)
		}
		if string(got.UserKey) != string(want.UserKey) || got.Seq != want.Seq || string(got.Value) != string(want.Value) {
			t.Fatalf("item %d = %+v, want %+v", i, got, want)
		}
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("iterator yielded more items than were written")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
}

func TestReaderGetFindsEveryWrittenKeyAndRejectsAbsentOnes(t *testing.T) {
	items := goldenTableItems(200)
	cfg := options.DefaultTableConfig()
	cfg.DataBlockTargetSize = 512

	path, _ := writeGoldenTable(t, cfg, items)
	bc := cache.NewBlockCache(1 << 20)
	r, err := Open(path, 1, cfg, bc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	for _, want := range items {
		got, ok, err := r.Get(want.UserKey, ikey.SeqNoMax)
		if err != nil {
			t.Fatalf("Get(%s): %v", want.UserKey, err)
		}
		if !ok {
			t.Fatalf("Get(%s): not found", want.UserKey)
		}
		if string(got.Value) != string(want.Value) {
			t.Fatalf("Get(%s) = %q, want %q", want.UserKey, got.Value, want.Value)
		}
	}

	if _, ok, err := r.Get([]byte("row-99999"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("Get(absent) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
	if _, ok, err := r.Get([]byte("aaa-before-range"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("Get(before range) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestReaderRangeSeeksIntoTheMiddle(t *testing.T) {
	items := goldenTableItems(100)
	cfg := options.DefaultTableConfig()
	cfg.DataBlockTargetSize = 256

	path, _ := writeGoldenTable(t, cfg, items)
	bc := cache.NewBlockCache(1 << 20)
	r, err := Open(path, 1, cfg, bc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	it, err := r.Range([]byte("row-00050"), cache.ReadThrough)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	got, ok := it.Next()
	if !ok {
		t.Fatalf("Range seek found nothing")
	}
	if string(got.UserKey) != "row-00050" {
		t.Fatalf("Range(row-00050) landed on %s", got.UserKey)
	}
}

func TestWriterReaderRoundTripsWithPartitionedIndexAndFilter(t *testing.T) {
	items := goldenTableItems(2000)
	cfg := options.DefaultTableConfig()
	cfg.DataBlockTargetSize = 256
	cfg.IndexBlockTargetSize = 512
	cfg.UsePartitionedIndex = true
	cfg.UsePartitionedFilter = true

	path, meta := writeGoldenTable(t, cfg, items)
	if meta.IndexBlockCount <= 1 {
		t.Fatalf("expected a partitioned index (IndexBlockCount > 1), got %d", meta.IndexBlockCount)
	}
	if meta.FilterBlockCount <= 1 {
		t.Fatalf("expected a partitioned filter (FilterBlockCount > 1) to align with the partitioned index, got %d", meta.FilterBlockCount)
	}

	bc := cache.NewBlockCache(1 << 20)
	r, err := Open(path, 1, cfg, bc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	for _, want := range items {
		got, ok, err := r.Get(want.UserKey, ikey.SeqNoMax)
		if err != nil {
			t.Fatalf("Get(%s): %v", want.UserKey, err)
		}
		if !ok {
			t.Fatalf("Get(%s): not found via partitioned filter/index", want.UserKey)
		}
		if string(got.Value) != string(want.Value) {
			t.Fatalf("Get(%s) = %q, want %q", want.UserKey, got.Value, want.Value)
		}
	}
	if _, ok, err := r.Get([]byte("row-99999"), ikey.SeqNoMax); err != nil || ok {
		t.Fatalf("Get(absent) via partitioned filter = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	it, err := r.NewIterator(cache.ReadThrough)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != len(items) {
		t.Fatalf("partitioned iteration yielded %d items, want %d", count, len(items))
	}
}

func TestWriterRemovesFileWhenNoItemsAdded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000002.sst")
	w, err := NewWriter(path, 2, options.DefaultTableConfig(), logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if meta != nil {
		t.Fatalf("Finish on an empty writer should return nil metadata, got %+v", meta)
	}
	if _, err := Open(path, 2, options.DefaultTableConfig(), nil); err == nil {
		t.Fatalf("Open should fail: an empty table's file was removed by Finish")
	}
}

func TestWriterRejectsOutOfOrderItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000003.sst")
	w, err := NewWriter(path, 3, options.DefaultTableConfig(), logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Add(block.Item{UserKey: []byte("b"), Seq: 1, Kind: ikey.KindValue, Value: []byte("v")}); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	if err := w.Add(block.Item{UserKey: []byte("a"), Seq: 1, Kind: ikey.KindValue, Value: []byte("v")}); err == nil {
		t.Fatalf("Add accepted an out-of-order key")
	}
}

func TestWriterAndReaderRoundTripRangeTombstones(t *testing.T) {
	cfg := options.DefaultTableConfig()
	path := filepath.Join(t.TempDir(), "000004.sst")
	w, err := NewWriter(path, 4, cfg, logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Add(block.Item{UserKey: []byte("m"), Seq: 1, Kind: ikey.KindValue, Value: []byte("v")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w.AddRangeTombstone([]byte("a"), []byte("z"), 7)
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := Open(path, 4, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rts := r.RangeTombstones()
	if len(rts) != 1 {
		t.Fatalf("got %d range tombstones, want 1", len(rts))
	}
	if string(rts[0].Start) != "a" || string(rts[0].End) != "z" || rts[0].Seq != 7 {
		t.Fatalf("unexpected range tombstone: %+v", rts[0])
	}
}
