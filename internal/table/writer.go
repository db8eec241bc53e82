package table

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/compression"
	"github.com/kvforge/lsmtree/internal/filter"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/options"
	"github.com/kvforge/lsmtree/internal/varint"
)

// FormatVersion and TableFormatVersion are stamped into every table's
// metadata block so a future reader can tell how to interpret it.
const (
	FormatVersion      = 1
	TableFormatVersion = 3
)

// tableMagic identifies a finished table trailer (spec.md §6.2).
const tableMagic = "LSMTBL03"

// TrailerSize is the fixed size of the table trailer: four block handles
// (index, filter, metadata, range tombstones) followed by the magic string.
const TrailerSize = 4*HandleSize + len(tableMagic)

// RangeTombstone is one interval delete recorded in a table's range
// tombstone block (spec.md §4.5): keys in [Start, End) with a seqno less
// than Seq are suppressed.
type RangeTombstone struct {
	Start []byte
	End   []byte
	Seq   ikey.SeqNo
}

type keyedHandle struct {
	EndKey []byte
	Handle Handle
}

// Writer streams sorted items into a new table file, per the write
// protocol of spec.md §4.2: buffer into data blocks up to a target size,
// track block boundaries for the index, and finish with a filter, an
// optional range-tombstone block, a metadata block, and a trailer.
//
// Grounded on the teacher's internal/table/builder.go write loop, adapted
// to this spec's four-kind item model and single flat (or partitioned)
// index instead of RocksDB's per-level index format registry.
type Writer struct {
	id     uint64
	path   string
	cfg    options.TableConfig
	f      *os.File
	logger logging.Logger
	offset uint64

	pending     []block.Item
	pendingSize int
	dataHandles []keyedHandle

	filter      *filter.Builder // monolithic filter; nil when partitionFilters is set
	lastUserKey []byte
	haveLastKey bool

	// partitionFilters splits the filter into one block per index partition
	// instead of one monolithic filter: one builder per data block,
	// merged per index partition at Finish time.
	partitionFilters bool
	curBlockFilter   *filter.Builder
	blockFilters     []*filter.Builder

	rangeTombstones []RangeTombstone

	itemCount      uint64
	keyCount       uint64
	tombstoneCount uint64
	haveSeq        bool
	seqMin, seqMax ikey.SeqNo
	keyMin, keyMax []byte
	userDataSize   uint64
	linkedBlobs    map[uint64]struct{}
}

// NewWriter creates path and returns a Writer for table id.
func NewWriter(path string, id uint64, cfg options.TableConfig, logger logging.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	if logger == nil {
		logger = logging.Discard
	}
	w := &Writer{
		id:               id,
		path:             path,
		cfg:              cfg,
		f:                f,
		logger:           logger,
		partitionFilters: cfg.UsePartitionedIndex && cfg.UsePartitionedFilter,
		linkedBlobs:      make(map[uint64]struct{}),
	}
	if w.partitionFilters {
		w.curBlockFilter = filter.NewBuilder(cfg.FilterBitsPerKey)
	} else {
		w.filter = filter.NewBuilder(cfg.FilterBitsPerKey)
	}
	return w, nil
}

// Add appends the next item. Items must arrive in internal-key order
// (spec.md §3); Add returns lsmerr.ErrSerialize if they don't.
func (w *Writer) Add(item block.Item) error {
	if len(item.UserKey) > ikey.MaxUserKeyLen {
		return fmt.Errorf("%w: key length %d", lsmerr.ErrKeyTooLarge, len(item.UserKey))
	}
	if len(w.pending) > 0 && !block.Less(w.pending[len(w.pending)-1], item) {
		return fmt.Errorf("%w: table writer items out of order", lsmerr.ErrSerialize)
	}

	if !w.haveLastKey || !bytesEqual(w.lastUserKey, item.UserKey) {
		w.keyCount++
		if w.partitionFilters {
			w.curBlockFilter.Add(item.UserKey)
		} else {
			w.filter.Add(item.UserKey)
		}
		w.lastUserKey = append(w.lastUserKey[:0], item.UserKey...)
		w.haveLastKey = true
		if w.keyMin == nil {
			w.keyMin = append([]byte(nil), item.UserKey...)
		}
		w.keyMax = append(w.keyMax[:0], item.UserKey...)
	}
	if item.Kind == ikey.KindTombstone || item.Kind == ikey.KindWeakTombstone {
		w.tombstoneCount++
	}
	if !w.haveSeq {
		w.seqMin, w.seqMax, w.haveSeq = item.Seq, item.Seq, true
	} else {
		if item.Seq < w.seqMin {
			w.seqMin = item.Seq
		}
		if item.Seq > w.seqMax {
			w.seqMax = item.Seq
		}
	}
	if item.Kind == ikey.KindIndirection {
		if fileID, ok := blobFileIDFromIndirection(item.Value); ok {
			w.linkedBlobs[fileID] = struct{}{}
		}
	}

	w.itemCount++
	w.userDataSize += uint64(len(item.UserKey) + len(item.Value))

	w.pending = append(w.pending, cloneItem(item))
	w.pendingSize += len(item.UserKey) + len(item.Value) + ikey.NumTrailerBytes
	if w.pendingSize >= int(w.cfg.DataBlockTargetSize) {
		return w.flushDataBlock()
	}
	return nil
}

// Size estimates the table's on-disk size so far: bytes already flushed
// plus whatever sits in the pending data block. A compaction writer uses
// this to decide when to rotate to a new output file.
func (w *Writer) Size() uint64 { return w.offset + uint64(w.pendingSize) }

// AddRangeTombstone records an interval delete to be written alongside the
// table's point items.
func (w *Writer) AddRangeTombstone(start, end []byte, seq ikey.SeqNo) {
	w.rangeTombstones = append(w.rangeTombstones, RangeTombstone{
		Start: append([]byte(nil), start...),
		End:   append([]byte(nil), end...),
		Seq:   seq,
	})
}

// Finish flushes any buffered items and writes the index, filter,
// range-tombstone, metadata, and trailer sections. If no items were ever
// added, the file is removed and (nil, nil) is returned — an empty table
// is not a table (spec.md §4.2).
func (w *Writer) Finish() (*Metadata, error) {
	if err := w.flushDataBlock(); err != nil {
		return nil, err
	}
	if w.itemCount == 0 {
		w.f.Close()
		os.Remove(w.path)
		return nil, nil
	}

	dataBlockCount := uint64(len(w.dataHandles))
	usePartitioned := w.cfg.UsePartitionedIndex && w.estimateIndexSize() > int(w.cfg.IndexBlockTargetSize)
	var ranges [][2]int
	if usePartitioned {
		ranges = w.partitionRanges()
	}
	indexHandle, indexBlockCount, err := w.writeIndex(usePartitioned, ranges)
	if err != nil {
		return nil, err
	}
	filterHandle, filterBlockCount, err := w.writeFilter(usePartitioned, ranges)
	if err != nil {
		return nil, err
	}
	rtHandle, err := w.writeRangeTombstones()
	if err != nil {
		return nil, err
	}

	linkedBlobs := make([]uint64, 0, len(w.linkedBlobs))
	for id := range w.linkedBlobs {
		linkedBlobs = append(linkedBlobs, id)
	}
	sort.Slice(linkedBlobs, func(i, j int) bool { return linkedBlobs[i] < linkedBlobs[j] })

	meta := Metadata{
		ID:               w.id,
		ItemCount:        w.itemCount,
		KeyCount:         w.keyCount,
		TombstoneCount:   w.tombstoneCount,
		SeqMin:           w.seqMin,
		SeqMax:           w.seqMax,
		KeyMin:           w.keyMin,
		KeyMax:           w.keyMax,
		DataBlockCount:   dataBlockCount,
		IndexBlockCount:  indexBlockCount,
		FilterBlockCount: filterBlockCount,
		// Size covers every content block written before this one; it
		// excludes the metadata block and trailer themselves.
		Size:         w.offset,
		UserDataSize: w.userDataSize,
		LinkedBlobs:  linkedBlobs,
		VersionLSMT:  FormatVersion,
		VersionTable: TableFormatVersion,
	}
	metaBytes, err := EncodeMetadataBlock(meta)
	if err != nil {
		return nil, err
	}
	metaStart := w.offset
	framedMeta, err := block.Frame(nil, block.TypeMetadata, compression.NonePolicy, metaBytes)
	if err != nil {
		return nil, err
	}
	if _, err := w.f.Write(framedMeta); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framedMeta))
	metaHandle := Handle{Offset: metaStart, Length: uint32(len(framedMeta))}

	if err := w.writeTrailer(indexHandle, filterHandle, metaHandle, rtHandle); err != nil {
		return nil, err
	}
	if err := w.f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	if err := syncParentDir(w.path); err != nil {
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.logger.Debugf("table %d: %d items (%d keys, %d tombstones), %d data blocks, %d bytes",
		w.id, w.itemCount, w.keyCount, w.tombstoneCount, dataBlockCount, w.offset)
	return &meta, nil
}

func (w *Writer) flushDataBlock() error {
	if len(w.pending) == 0 {
		return nil
	}
	raw, err := block.Encode(w.pending, int(w.cfg.DataBlockRestartInterval), w.cfg.DataBlockHashRatio)
	if err != nil {
		return err
	}
	endKey := append([]byte(nil), w.pending[len(w.pending)-1].UserKey...)

	start := w.offset
	framed, err := block.Frame(nil, block.TypeData, w.cfg.DataBlockCompression, raw)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(framed); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framed))
	w.dataHandles = append(w.dataHandles, keyedHandle{EndKey: endKey, Handle: Handle{Offset: start, Length: uint32(len(framed))}})
	w.pending = w.pending[:0]
	w.pendingSize = 0

	if w.partitionFilters {
		w.blockFilters = append(w.blockFilters, w.curBlockFilter)
		w.curBlockFilter = filter.NewBuilder(w.cfg.FilterBitsPerKey)
	}
	return nil
}

// partitionRanges groups data block indices into the same partitions a
// partitioned index uses (spec.md §4.2), so a partitioned filter's blocks
// align 1:1 with the index partitions they back.
func (w *Writer) partitionRanges() [][2]int {
	var ranges [][2]int
	start := 0
	chunkSize := 0
	for i, kh := range w.dataHandles {
		chunkSize += len(kh.EndKey) + HandleSize
		if chunkSize >= int(w.cfg.IndexBlockTargetSize) {
			ranges = append(ranges, [2]int{start, i + 1})
			start = i + 1
			chunkSize = 0
		}
	}
	if start < len(w.dataHandles) {
		ranges = append(ranges, [2]int{start, len(w.dataHandles)})
	}
	return ranges
}

func (w *Writer) writeIndex(usePartitioned bool, ranges [][2]int) (Handle, uint64, error) {
	if len(w.dataHandles) == 0 {
		return Handle{}, 0, nil
	}
	if !usePartitioned {
		h, err := w.writeIndexBlock(w.dataHandles)
		if err != nil {
			return Handle{}, 0, err
		}
		return h, 1, nil
	}

	var tliItems []block.Item
	var count uint64
	for _, rng := range ranges {
		chunk := w.dataHandles[rng[0]:rng[1]]
		h, err := w.writeIndexBlock(chunk)
		if err != nil {
			return Handle{}, 0, err
		}
		count++
		tliItems = append(tliItems, block.Item{
			UserKey: chunk[len(chunk)-1].EndKey,
			Seq:     0,
			Kind:    ikey.KindValue,
			Value:   AppendHandle(nil, h),
		})
	}

	tli, err := block.Encode(tliItems, int(w.cfg.IndexBlockRestartInterval), 0)
	if err != nil {
		return Handle{}, 0, err
	}
	start := w.offset
	framed, err := block.Frame(nil, block.TypeIndex, w.cfg.IndexBlockCompression, tli)
	if err != nil {
		return Handle{}, 0, err
	}
	if _, err := w.f.Write(framed); err != nil {
		return Handle{}, 0, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framed))
	count++
	return Handle{Offset: start, Length: uint32(len(framed))}, count, nil
}

func (w *Writer) writeIndexBlock(handles []keyedHandle) (Handle, error) {
	items := make([]block.Item, len(handles))
	for i, kh := range handles {
		items[i] = block.Item{UserKey: kh.EndKey, Seq: 0, Kind: ikey.KindValue, Value: AppendHandle(nil, kh.Handle)}
	}
	raw, err := block.Encode(items, int(w.cfg.IndexBlockRestartInterval), 0)
	if err != nil {
		return Handle{}, err
	}
	start := w.offset
	framed, err := block.Frame(nil, block.TypeIndex, w.cfg.IndexBlockCompression, raw)
	if err != nil {
		return Handle{}, err
	}
	if _, err := w.f.Write(framed); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framed))
	return Handle{Offset: start, Length: uint32(len(framed))}, nil
}

func (w *Writer) estimateIndexSize() int {
	total := 0
	for _, kh := range w.dataHandles {
		total += len(kh.EndKey) + HandleSize
	}
	return total
}

func (w *Writer) writeFilter(usePartitioned bool, ranges [][2]int) (Handle, uint64, error) {
	if !usePartitioned || !w.partitionFilters {
		data := w.monolithicFilterData()
		h, err := w.writeFilterBlock(data)
		if err != nil {
			return Handle{}, 0, err
		}
		return h, 1, nil
	}

	var tliItems []block.Item
	var count uint64
	for _, rng := range ranges {
		merged := filter.NewBuilder(w.cfg.FilterBitsPerKey)
		for _, bf := range w.blockFilters[rng[0]:rng[1]] {
			for _, h := range bf.Hashes() {
				merged.AddHash(h)
			}
		}
		h, err := w.writeFilterBlock(merged.Finish())
		if err != nil {
			return Handle{}, 0, err
		}
		count++
		tliItems = append(tliItems, block.Item{
			UserKey: w.dataHandles[rng[1]-1].EndKey,
			Seq:     0,
			Kind:    ikey.KindValue,
			Value:   AppendHandle(nil, h),
		})
	}

	tli, err := block.Encode(tliItems, int(w.cfg.IndexBlockRestartInterval), 0)
	if err != nil {
		return Handle{}, 0, err
	}
	start := w.offset
	framed, err := block.Frame(nil, block.TypeIndex, compression.NonePolicy, tli)
	if err != nil {
		return Handle{}, 0, err
	}
	if _, err := w.f.Write(framed); err != nil {
		return Handle{}, 0, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framed))
	count++
	return Handle{Offset: start, Length: uint32(len(framed))}, count, nil
}

// monolithicFilterData returns the single filter's bytes, merging the
// per-block builders in the rare case partitionFilters was set but the
// index itself never grew large enough to partition (UsePartitionedFilter
// without a correspondingly large table is a no-op, not an error).
func (w *Writer) monolithicFilterData() []byte {
	if !w.partitionFilters {
		return w.filter.Finish()
	}
	merged := filter.NewBuilder(w.cfg.FilterBitsPerKey)
	for _, bf := range w.blockFilters {
		for _, h := range bf.Hashes() {
			merged.AddHash(h)
		}
	}
	return merged.Finish()
}

func (w *Writer) writeFilterBlock(data []byte) (Handle, error) {
	start := w.offset
	framed, err := block.Frame(nil, block.TypeFilter, compression.NonePolicy, data)
	if err != nil {
		return Handle{}, err
	}
	if _, err := w.f.Write(framed); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framed))
	return Handle{Offset: start, Length: uint32(len(framed))}, nil
}

func (w *Writer) writeRangeTombstones() (Handle, error) {
	if len(w.rangeTombstones) == 0 {
		return Handle{}, nil
	}
	sort.Slice(w.rangeTombstones, func(i, j int) bool {
		if c := bytesCompare(w.rangeTombstones[i].Start, w.rangeTombstones[j].Start); c != 0 {
			return c < 0
		}
		return w.rangeTombstones[i].Seq > w.rangeTombstones[j].Seq
	})
	items := make([]block.Item, len(w.rangeTombstones))
	for i, rt := range w.rangeTombstones {
		var val []byte
		val = varint.AppendUvarint(val, uint64(len(rt.End)))
		val = append(val, rt.End...)
		items[i] = block.Item{UserKey: rt.Start, Seq: rt.Seq, Kind: ikey.KindTombstone, Value: val}
	}
	raw, err := block.Encode(items, int(w.cfg.IndexBlockRestartInterval), 0)
	if err != nil {
		return Handle{}, err
	}
	start := w.offset
	framed, err := block.Frame(nil, block.TypeRangeTombstone, w.cfg.IndexBlockCompression, raw)
	if err != nil {
		return Handle{}, err
	}
	if _, err := w.f.Write(framed); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(framed))
	return Handle{Offset: start, Length: uint32(len(framed))}, nil
}

func (w *Writer) writeTrailer(indexHandle, filterHandle, metaHandle, rtHandle Handle) error {
	var buf []byte
	buf = AppendHandle(buf, indexHandle)
	buf = AppendHandle(buf, filterHandle)
	buf = AppendHandle(buf, metaHandle)
	buf = AppendHandle(buf, rtHandle)
	buf = append(buf, []byte(tableMagic)...)
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	w.offset += uint64(len(buf))
	return nil
}

func syncParentDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	return nil
}

func cloneItem(it block.Item) block.Item {
	return block.Item{
		UserKey: append([]byte(nil), it.UserKey...),
		Seq:     it.Seq,
		Kind:    it.Kind,
		Value:   append([]byte(nil), it.Value...),
	}
}

// blobFileIDFromIndirection reads the blob file id prefixing an
// Indirection value (internal/blob owns the full encoding; the writer only
// needs the leading id to populate Metadata.LinkedBlobs).
func blobFileIDFromIndirection(value []byte) (uint64, bool) {
	id, n := varint.Uvarint(value)
	if n <= 0 {
		return 0, false
	}
	return id, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
