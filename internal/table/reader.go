package table

import (
	"fmt"
	"os"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/cache"
	"github.com/kvforge/lsmtree/internal/checksum"
	"github.com/kvforge/lsmtree/internal/compression"
	"github.com/kvforge/lsmtree/internal/filter"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/options"
	"github.com/kvforge/lsmtree/internal/varint"
)

// Reader recovers a table from its trailer and serves point and range
// reads against it, going through an optional shared block cache.
//
// Grounded on the teacher's internal/table/reader.go (trailer-first
// recovery, index/filter pinning, cache-backed block fetches).
//
// The per-component compression type lives in cfg rather than in the
// table itself: the on-disk block frame (internal/block) carries a
// checksum and lengths but not a codec tag, so writer and reader must
// agree on it out of band, the same way they already share TableConfig.
type Reader struct {
	id  uint64
	f   *os.File
	cfg options.TableConfig

	meta   Metadata
	filter *filter.Reader // non-partitioned filter

	partitioned bool
	index       *block.Block // non-partitioned: maps data block end-key -> Handle
	tli         *block.Block // partitioned: maps partition end-key -> lower index Handle

	filterPartitioned bool
	filterTLI         *block.Block // partitioned: maps partition end-key -> filter block Handle

	rangeTombstones []RangeTombstone

	cache   *cache.BlockCache
	handles []Handle // lazily-populated flattened list of data block handles
}

// Open recovers the table at path. bc may be nil to disable caching.
func Open(path string, id uint64, cfg options.TableConfig, bc *cache.BlockCache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	r := &Reader{id: id, f: f, cfg: cfg, cache: bc}
	if err := r.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// ID returns the id the table was opened under.
func (r *Reader) ID() uint64 { return r.id }

// Meta returns the table's recovered metadata.
func (r *Reader) Meta() Metadata { return r.meta }

// RangeTombstones returns the interval deletes recorded in this table.
func (r *Reader) RangeTombstones() []RangeTombstone { return r.rangeTombstones }

// Close releases the file handle and drops this table's cached blocks.
func (r *Reader) Close() error {
	if r.cache != nil {
		r.cache.InvalidateTable(r.id)
	}
	return r.f.Close()
}

func (r *Reader) recover() error {
	fi, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	if fi.Size() < int64(TrailerSize) {
		return fmt.Errorf("%w: table file shorter than trailer", lsmerr.ErrInvalidHeader)
	}
	trailerBuf := make([]byte, TrailerSize)
	if _, err := r.f.ReadAt(trailerBuf, fi.Size()-int64(TrailerSize)); err != nil {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	if string(trailerBuf[len(trailerBuf)-len(tableMagic):]) != tableMagic {
		return fmt.Errorf("%w: bad table magic", lsmerr.ErrInvalidHeader)
	}
	p := 0
	indexHandle := DecodeHandle(trailerBuf[p:])
	p += HandleSize
	filterHandle := DecodeHandle(trailerBuf[p:])
	p += HandleSize
	metaHandle := DecodeHandle(trailerBuf[p:])
	p += HandleSize
	rtHandle := DecodeHandle(trailerBuf[p:])

	metaRaw, err := r.readFrame(metaHandle, block.TypeMetadata, compression.None)
	if err != nil {
		return err
	}
	meta, err := DecodeMetadataBlock(metaRaw)
	if err != nil {
		return err
	}
	r.meta = meta

	r.filterPartitioned = meta.FilterBlockCount > 1
	if filterHandle.Length > 0 {
		if r.filterPartitioned {
			tliRaw, err := r.readFrame(filterHandle, block.TypeIndex, compression.None)
			if err != nil {
				return err
			}
			r.filterTLI, err = block.Parse(tliRaw)
			if err != nil {
				return err
			}
		} else {
			filterRaw, err := r.readFrame(filterHandle, block.TypeFilter, compression.None)
			if err != nil {
				return err
			}
			r.filter = filter.NewReader(filterRaw)
		}
	}

	if rtHandle.Length > 0 {
		rtRaw, err := r.readFrame(rtHandle, block.TypeRangeTombstone, r.cfg.IndexBlockCompression.Type)
		if err != nil {
			return err
		}
		rtBlock, err := block.Parse(rtRaw)
		if err != nil {
			return err
		}
		it := block.NewIterator(rtBlock)
		for {
			item, ok := it.Next()
			if !ok {
				break
			}
			endLen, n := varint.Uvarint(item.Value)
			if n <= 0 {
				return fmt.Errorf("%w: bad range tombstone entry", lsmerr.ErrDeserialize)
			}
			end := append([]byte(nil), item.Value[n:n+int(endLen)]...)
			r.rangeTombstones = append(r.rangeTombstones, RangeTombstone{
				Start: append([]byte(nil), item.UserKey...),
				End:   end,
				Seq:   item.Seq,
			})
		}
		if it.Err() != nil {
			return it.Err()
		}
	}

	indexRaw, err := r.readFrame(indexHandle, block.TypeIndex, r.cfg.IndexBlockCompression.Type)
	if err != nil {
		return err
	}
	indexBlk, err := block.Parse(indexRaw)
	if err != nil {
		return err
	}
	r.partitioned = meta.IndexBlockCount > 1
	if r.partitioned {
		r.tli = indexBlk
	} else {
		r.index = indexBlk
	}
	return nil
}

func (r *Reader) readFrame(h Handle, wantType block.Type, ctype compression.Type) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	buf := make([]byte, h.Length)
	if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	raw, _, err := block.UnframeWithPolicy(buf, wantType, ctype)
	return raw, err
}

func (r *Reader) readIndexBlock(h Handle) (*block.Block, error) {
	key := cache.Key{TableID: r.id, Offset: h.Offset}
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return block.Parse(cached)
		}
	}
	raw, err := r.readFrame(h, block.TypeIndex, r.cfg.IndexBlockCompression.Type)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Insert(key, raw, cache.ReadThrough)
	}
	return block.Parse(raw)
}

func (r *Reader) readFilterBlock(h Handle) (*filter.Reader, error) {
	key := cache.Key{TableID: r.id, Offset: h.Offset}
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return filter.NewReader(cached), nil
		}
	}
	raw, err := r.readFrame(h, block.TypeFilter, compression.None)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Insert(key, raw, cache.ReadThrough)
	}
	return filter.NewReader(raw), nil
}

func (r *Reader) readDataBlock(h Handle, policy cache.Policy) (*block.Block, error) {
	key := cache.Key{TableID: r.id, Offset: h.Offset}
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return block.Parse(cached)
		}
	}
	raw, err := r.readFrame(h, block.TypeData, r.cfg.DataBlockCompression.Type)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Insert(key, raw, policy)
	}
	return block.Parse(raw)
}

// blockLookup returns the first item with UserKey >= needle in blk, the
// way an index block maps a search key onto the data block whose range
// covers it: index entries are keyed by their block's last key, so the
// first entry >= needle names the right block.
func blockLookup(blk *block.Block, needle []byte) (block.Item, bool, error) {
	it := block.NewIterator(blk)
	if err := it.SeekTo(needle); err != nil {
		return block.Item{}, false, err
	}
	item, ok := it.Next()
	if it.Err() != nil {
		return block.Item{}, false, it.Err()
	}
	return item, ok, nil
}

// mayContain answers the filter probe, going through the partitioned
// filter's top-level index when the filter is partitioned.
func (r *Reader) mayContain(userKey []byte) (bool, error) {
	if r.filterPartitioned {
		if r.filterTLI == nil {
			return true, nil
		}
		tliItem, ok, err := blockLookup(r.filterTLI, userKey)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		fr, err := r.readFilterBlock(DecodeHandle(tliItem.Value))
		if err != nil {
			return false, err
		}
		return fr.MayContain(userKey), nil
	}
	if r.filter == nil {
		return true, nil
	}
	return r.filter.MayContain(userKey), nil
}

func (r *Reader) lookupDataHandle(userKey []byte) (Handle, bool, error) {
	if r.partitioned {
		tliItem, ok, err := blockLookup(r.tli, userKey)
		if err != nil || !ok {
			return Handle{}, false, err
		}
		partHandle := DecodeHandle(tliItem.Value)
		partBlk, err := r.readIndexBlock(partHandle)
		if err != nil {
			return Handle{}, false, err
		}
		item, ok, err := blockLookup(partBlk, userKey)
		if err != nil || !ok {
			return Handle{}, false, err
		}
		return DecodeHandle(item.Value), true, nil
	}
	item, ok, err := blockLookup(r.index, userKey)
	if err != nil || !ok {
		return Handle{}, false, err
	}
	return DecodeHandle(item.Value), true, nil
}

func (r *Reader) dataBlockHandles() ([]Handle, error) {
	if r.handles != nil {
		return r.handles, nil
	}
	var out []Handle
	if r.partitioned {
		it := block.NewIterator(r.tli)
		for {
			item, ok := it.Next()
			if !ok {
				break
			}
			partHandle := DecodeHandle(item.Value)
			partBlk, err := r.readIndexBlock(partHandle)
			if err != nil {
				return nil, err
			}
			pit := block.NewIterator(partBlk)
			for {
				pi, ok := pit.Next()
				if !ok {
					break
				}
				out = append(out, DecodeHandle(pi.Value))
			}
			if pit.Err() != nil {
				return nil, pit.Err()
			}
		}
		if it.Err() != nil {
			return nil, it.Err()
		}
	} else {
		it := block.NewIterator(r.index)
		for {
			item, ok := it.Next()
			if !ok {
				break
			}
			out = append(out, DecodeHandle(item.Value))
		}
		if it.Err() != nil {
			return nil, it.Err()
		}
	}
	r.handles = out
	return out, nil
}

// Get implements spec.md §4.1 point_read at the table level: the highest
// version of userKey with Seq < readSeq, filtered first through the
// bloom filter and the table's key range.
func (r *Reader) Get(userKey []byte, readSeq ikey.SeqNo) (block.Item, bool, error) {
	if bytesCompare(userKey, r.meta.KeyMin) < 0 || bytesCompare(userKey, r.meta.KeyMax) > 0 {
		return block.Item{}, false, nil
	}
	if may, err := r.mayContain(userKey); err != nil {
		return block.Item{}, false, err
	} else if !may {
		return block.Item{}, false, nil
	}
	h, ok, err := r.lookupDataHandle(userKey)
	if err != nil || !ok {
		return block.Item{}, false, err
	}
	blk, err := r.readDataBlock(h, cache.ReadThrough)
	if err != nil {
		return block.Item{}, false, err
	}
	hash := checksum.Hash64(userKey)
	return blk.PointRead(userKey, readSeq, hash, true)
}

// Iterator is a forward cursor over a table's items in internal-key
// order, spanning data blocks transparently.
type Iterator struct {
	r         *Reader
	policy    cache.Policy
	handles   []Handle
	handleIdx int
	blockIter *block.Iterator
	err       error
}

// NewIterator returns an iterator over the whole table. Use WriteAround
// for full sequential scans (e.g. compaction) so they don't evict hot
// blocks from the shared cache (spec.md §4.11).
func (r *Reader) NewIterator(policy cache.Policy) (*Iterator, error) {
	handles, err := r.dataBlockHandles()
	if err != nil {
		return nil, err
	}
	return &Iterator{r: r, policy: policy, handles: handles}, nil
}

// Range returns an iterator positioned at the first item >= start (or at
// the beginning of the table if start is nil). Callers are responsible
// for stopping once an item's UserKey reaches their exclusive end bound.
func (r *Reader) Range(start []byte, policy cache.Policy) (*Iterator, error) {
	it, err := r.NewIterator(policy)
	if err != nil {
		return nil, err
	}
	if start != nil {
		if err := it.SeekTo(start); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Next advances and returns the next item, or ok=false at end of table.
func (it *Iterator) Next() (block.Item, bool) {
	if it.err != nil {
		return block.Item{}, false
	}
	for {
		if it.blockIter != nil {
			item, ok := it.blockIter.Next()
			if ok {
				return item, true
			}
			if it.blockIter.Err() != nil {
				it.err = it.blockIter.Err()
				return block.Item{}, false
			}
		}
		if it.handleIdx >= len(it.handles) {
			return block.Item{}, false
		}
		blk, err := it.r.readDataBlock(it.handles[it.handleIdx], it.policy)
		if err != nil {
			it.err = err
			return block.Item{}, false
		}
		it.handleIdx++
		it.blockIter = block.NewIterator(blk)
	}
}

// SeekTo repositions the iterator so the next Next() call yields the
// first item >= needle.
func (it *Iterator) SeekTo(needle []byte) error {
	h, ok, err := it.r.lookupDataHandle(needle)
	if err != nil {
		return err
	}
	if !ok {
		it.handleIdx = len(it.handles)
		it.blockIter = nil
		return nil
	}
	idx := -1
	for i, hh := range it.handles {
		if hh.Offset == h.Offset {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: seek handle not found in table index", lsmerr.ErrUnrecoverable)
	}
	blk, err := it.r.readDataBlock(h, it.policy)
	if err != nil {
		return err
	}
	bi := block.NewIterator(blk)
	if err := bi.SeekTo(needle); err != nil {
		return err
	}
	it.blockIter = bi
	it.handleIdx = idx + 1
	return nil
}
