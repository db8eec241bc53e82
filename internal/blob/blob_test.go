package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/options"
)

func TestIndirectionEncodeDecodeRoundTrips(t *testing.T) {
	cases := []Indirection{
		{FileID: 0, Offset: 0, Size: 0},
		{FileID: 1, Offset: 4096, Size: 128},
		{FileID: 1<<40 + 7, Offset: 1 << 33, Size: 1 << 20},
	}
	for _, want := range cases {
		data := EncodeIndirection(want)
		got, err := DecodeIndirection(data)
		if err != nil {
			t.Fatalf("DecodeIndirection(%+v): %v", want, err)
		}
		if got != want {
			t.Fatalf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestDecodeIndirectionRejectsTruncatedData(t *testing.T) {
	full := EncodeIndirection(Indirection{FileID: 9, Offset: 123, Size: 45})
	for n := 0; n < len(full)-1; n++ {
		if _, err := DecodeIndirection(full[:n]); err == nil {
			t.Fatalf("DecodeIndirection accepted %d of %d bytes", n, len(full))
		}
	}
}

func TestWriterReaderRoundTripsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.blob")
	w, err := NewWriter(path, 1, 1<<20, logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	type written struct {
		key   string
		seq   ikey.SeqNo
		value string
		ind   Indirection
	}
	var entries []written
	for i := range 50 {
		key := fmt.Sprintf("key-%d", i)
		val := fmt.Sprintf("value-for-%d-%s", i, key)
		ind, err := w.Write([]byte(key), ikey.SeqNo(i), []byte(val))
		if err != nil {
			t.Fatalf("Write(%s): %v", key, err)
		}
		entries = append(entries, written{key: key, seq: ikey.SeqNo(i), value: val, ind: ind})
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	for _, e := range entries {
		got, err := r.Get(e.ind)
		if err != nil {
			t.Fatalf("Get(%s): %v", e.key, err)
		}
		if string(got) != e.value {
			t.Fatalf("Get(%s) = %q, want %q", e.key, got, e.value)
		}
	}
}

func TestReaderGetRejectsWrongFileID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.blob")
	w, err := NewWriter(path, 1, 1<<20, logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ind, err := w.Write([]byte("k"), 1, []byte("v"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ind.FileID = 99
	if _, err := r.Get(ind); err == nil {
		t.Fatalf("Get accepted an indirection naming a different file")
	}
}

func TestReaderGetRejectsCorruptedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.blob")
	w, err := NewWriter(path, 1, 1<<20, logging.Discard)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	ind, err := w.Write([]byte("k"), 1, []byte("original-value"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob file: %v", err)
	}
	raw[int(ind.Offset)+entryHeaderSize] ^= 0xFF // flip a byte inside the payload
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite blob file: %v", err)
	}

	r, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if _, err := r.Get(ind); err == nil {
		t.Fatalf("Get accepted a corrupted entry")
	}
}

func TestManagerRotatesFilesOnceTargetSizeReached(t *testing.T) {
	dir := t.TempDir()
	cfg := options.DefaultBlobConfig()
	cfg.Enabled = true
	cfg.FileTargetSize = 64 // rotate almost immediately
	m := NewManager(dir, cfg, logging.Discard, 1)
	defer m.Close()

	var sealedIDs []uint64
	for i := range 20 {
		_, sealedID, err := m.Write([]byte(fmt.Sprintf("k%d", i)), ikey.SeqNo(i), []byte("some reasonably sized value"))
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if sealedID != 0 {
			sealedIDs = append(sealedIDs, sealedID)
		}
	}
	if len(sealedIDs) == 0 {
		t.Fatalf("expected at least one file rotation with a 64-byte target")
	}
}

func TestManagerWriteThenGetRoundTripsAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := options.DefaultBlobConfig()
	cfg.Enabled = true
	cfg.FileTargetSize = 48
	m := NewManager(dir, cfg, logging.Discard, 1)

	type written struct {
		ind Indirection
		val string
	}
	var entries []written
	sealed := make(map[uint64]bool)
	for i := range 10 {
		key := fmt.Sprintf("key-%d", i)
		val := fmt.Sprintf("value-%d-padded-out-a-bit", i)
		ind, sealedID, err := m.Write([]byte(key), ikey.SeqNo(i), []byte(val))
		if err != nil {
			t.Fatalf("Write(%s): %v", key, err)
		}
		if sealedID != 0 {
			sealed[sealedID] = true
		}
		entries = append(entries, written{ind: ind, val: val})
	}
	// Close seals whatever file was still active, so every id this run
	// ever wrote to now has a sealed, readable file on disk.
	lastActiveID := m.nextID - 1
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sealed[lastActiveID] = true

	m2 := NewManager(dir, cfg, logging.Discard, 1)
	for id := range sealed {
		if err := m2.OpenExisting(id); err != nil {
			t.Fatalf("OpenExisting(%d): %v", id, err)
		}
	}
	defer m2.Close()

	for _, e := range entries {
		got, err := m2.Get(e.ind)
		if err != nil {
			t.Fatalf("Get(%+v): %v", e.ind, err)
		}
		if string(got) != e.val {
			t.Fatalf("Get(%+v) = %q, want %q", e.ind, got, e.val)
		}
	}
}

func TestFragmentationMapTracksDeadBytesAndTriggersGC(t *testing.T) {
	fm := NewFragmentationMap()
	if c, b := fm.Stats(1); c != 0 || b != 0 {
		t.Fatalf("fresh map should have no stats, got (%d,%d)", c, b)
	}

	fm.MarkDead(1, 100)
	fm.MarkDead(1, 50)
	count, bytes := fm.Stats(1)
	if count != 2 || bytes != 150 {
		t.Fatalf("Stats(1) = (%d,%d), want (2,150)", count, bytes)
	}

	if fm.NeedsGC(1, 1000, 0.5) {
		t.Fatalf("15%% dead should not cross a 50%% threshold")
	}
	if !fm.NeedsGC(1, 200, 0.5) {
		t.Fatalf("75%% dead should cross a 50%% threshold")
	}

	fm.Drop(1)
	if c, b := fm.Stats(1); c != 0 || b != 0 {
		t.Fatalf("Stats after Drop = (%d,%d), want (0,0)", c, b)
	}
}

func TestFragmentationMapSeedOverwritesLocalStats(t *testing.T) {
	fm := NewFragmentationMap()
	fm.MarkDead(1, 10)
	fm.Seed(1, 5, 500)
	count, bytes := fm.Stats(1)
	if count != 5 || bytes != 500 {
		t.Fatalf("Stats after Seed = (%d,%d), want (5,500)", count, bytes)
	}
}

func TestManagerGCCandidatesOrdersByID(t *testing.T) {
	dir := t.TempDir()
	cfg := options.DefaultBlobConfig()
	cfg.Enabled = true
	cfg.GCFragmentationPct = 0.5
	m := NewManager(dir, cfg, logging.Discard, 1)
	defer m.Close()

	m.frag.Seed(3, 1, 600)
	m.frag.Seed(1, 1, 600)
	m.frag.Seed(2, 1, 10)

	got := m.GCCandidates(map[uint64]uint64{1: 1000, 2: 1000, 3: 1000})
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("GCCandidates = %v, want [1 3]", got)
	}
}
