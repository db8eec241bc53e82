package block

import (
	"fmt"

	"github.com/kvforge/lsmtree/internal/checksum"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/varint"
)

// Block is a parsed, decompressed block ready for random access.
type Block struct {
	data        []byte
	t           trailer
	entriesEnd  int // offset of the terminator byte (end of entries)
	numRestarts int
}

// Parse validates and indexes a decompressed block payload.
func Parse(data []byte) (*Block, error) {
	t, err := parseTrailer(data)
	if err != nil {
		return nil, err
	}
	if t.binaryIndexStep == 0 {
		return nil, fmt.Errorf("%w: zero binary index step", lsmerr.ErrDeserialize)
	}
	numRestarts := int(t.binaryIdxLen) / int(t.binaryIndexStep)
	return &Block{data: data, t: t, entriesEnd: int(t.binaryIdxOffset) - 1, numRestarts: numRestarts}, nil
}

// ItemCount returns the number of items encoded in the block.
func (b *Block) ItemCount() int { return int(b.t.itemCount) }

func (b *Block) restartOffset(i int) int {
	base := int(b.t.binaryIdxOffset) + i*int(b.t.binaryIndexStep)
	if b.t.binaryIndexStep == 2 {
		return int(varint.Fixed16(b.data[base : base+2]))
	}
	return int(varint.Fixed32(b.data[base : base+4]))
}

// decodedEntry is one fully-materialized entry plus its byte span.
type decodedEntry struct {
	item Item
	end  int // offset immediately after this entry
}

// decodeAt decodes the entry starting at offset, given the key of the
// enclosing restart head (nil/ignored if offset is itself a restart head).
func (b *Block) decodeAt(offset int, restartHeadKey []byte, isRestart bool) (decodedEntry, error) {
	data := b.data
	if offset < 0 || offset >= b.entriesEnd {
		return decodedEntry{}, fmt.Errorf("%w: entry offset out of range", lsmerr.ErrDeserialize)
	}
	kind := ikey.Kind(data[offset])
	if !kind.Valid() {
		return decodedEntry{}, fmt.Errorf("%w: invalid value kind %d", lsmerr.ErrCorruptedKey, kind)
	}
	p := offset + 1
	seq, n := varint.Uvarint(data[p:b.entriesEnd])
	if n <= 0 {
		return decodedEntry{}, fmt.Errorf("%w: bad seqno varint", lsmerr.ErrDeserialize)
	}
	p += n

	var userKey []byte
	if isRestart {
		klen, n := varint.Uvarint(data[p:b.entriesEnd])
		if n <= 0 {
			return decodedEntry{}, fmt.Errorf("%w: bad key length varint", lsmerr.ErrDeserialize)
		}
		p += n
		userKey = data[p : p+int(klen)]
		p += int(klen)
	} else {
		shared, n := varint.Uvarint(data[p:b.entriesEnd])
		if n <= 0 {
			return decodedEntry{}, fmt.Errorf("%w: bad shared-prefix varint", lsmerr.ErrDeserialize)
		}
		p += n
		restLen, n := varint.Uvarint(data[p:b.entriesEnd])
		if n <= 0 {
			return decodedEntry{}, fmt.Errorf("%w: bad rest-length varint", lsmerr.ErrDeserialize)
		}
		p += n
		if int(shared) > len(restartHeadKey) {
			return decodedEntry{}, fmt.Errorf("%w: shared prefix longer than restart key", lsmerr.ErrDeserialize)
		}
		rest := data[p : p+int(restLen)]
		p += int(restLen)
		userKey = append(append([]byte(nil), restartHeadKey[:shared]...), rest...)
	}

	var value []byte
	if kind.HasPayload() {
		vlen, n := varint.Uvarint(data[p:b.entriesEnd])
		if n <= 0 {
			return decodedEntry{}, fmt.Errorf("%w: bad value-length varint", lsmerr.ErrDeserialize)
		}
		p += n
		value = data[p : p+int(vlen)]
		p += int(vlen)
	}

	return decodedEntry{item: Item{UserKey: userKey, Seq: ikey.SeqNo(seq), Kind: kind, Value: value}, end: p}, nil
}

// restartRun decodes every entry in restart interval i, in order.
func (b *Block) restartRun(i int) ([]Item, error) {
	if i < 0 || i >= b.numRestarts {
		return nil, fmt.Errorf("%w: restart index out of range", lsmerr.ErrDeserialize)
	}
	start := b.restartOffset(i)
	end := b.entriesEnd
	if i+1 < b.numRestarts {
		end = b.restartOffset(i + 1)
	}
	var items []Item
	offset := start
	var headKey []byte
	for offset < end {
		isRestart := offset == start
		de, err := b.decodeAt(offset, headKey, isRestart)
		if err != nil {
			return nil, err
		}
		if isRestart {
			headKey = de.item.UserKey
		}
		items = append(items, de.item)
		offset = de.end
	}
	return items, nil
}

// seekRestart returns the index of the last restart whose key is < needle,
// or -1 if needle is <= every restart key. Versions of needle can begin in
// the run before the first restart whose key equals needle.
func (b *Block) seekRestart(needle []byte) (int, error) {
	lo, hi := 0, b.numRestarts-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		de, err := b.decodeAt(b.restartOffset(mid), nil, true)
		if err != nil {
			return 0, err
		}
		if compareBytes(de.item.UserKey, needle) < 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result, nil
}

// Seek reports whether any item >= needle exists, and if so positions the
// returned restart index such that a linear scan from it will find it.
// Returns false iff needle is strictly greater than every key in the block.
func (b *Block) Seek(needle []byte) (restartIdx int, ok bool, err error) {
	if b.numRestarts == 0 {
		return 0, false, nil
	}
	r, err := b.seekRestart(needle)
	if err != nil {
		return 0, false, err
	}
	if r < 0 {
		return 0, true, nil
	}
	run, err := b.restartRun(r)
	if err != nil {
		return 0, false, err
	}
	last := run[len(run)-1]
	if compareBytes(last.UserKey, needle) < 0 {
		if r+1 >= b.numRestarts {
			return 0, false, nil
		}
		return r + 1, true, nil
	}
	return r, true, nil
}

// PointRead implements spec.md §4.1 point_read: returns the first item with
// UserKey == userKey and Seq < readSeq (strict; callers pass wantedSeq+1 to
// include wantedSeq).
func (b *Block) PointRead(userKey []byte, readSeq ikey.SeqNo, keyHash uint64, hasHash bool) (Item, bool, error) {
	if hasHash && b.t.hashBucketCount > 0 {
		return b.pointReadHash(userKey, readSeq, keyHash)
	}
	r, ok, err := b.Seek(userKey)
	if err != nil || !ok {
		return Item{}, false, err
	}
	return b.scanRestartForKey(r, userKey, readSeq)
}

func (b *Block) pointReadHash(userKey []byte, readSeq ikey.SeqNo, keyHash uint64) (Item, bool, error) {
	bucket := int(keyHash % uint64(b.t.hashBucketCount))
	p := b.data[int(b.t.hashIdxOffset)+bucket]
	switch p {
	case reservedEmpty:
		return Item{}, false, nil
	case reservedCollision:
		r, ok, err := b.Seek(userKey)
		if err != nil || !ok {
			return Item{}, false, err
		}
		return b.scanRestartForKey(r, userKey, readSeq)
	default:
		return b.scanRestartForKey(int(p), userKey, readSeq)
	}
}

func (b *Block) scanRestartForKey(restartIdx int, userKey []byte, readSeq ikey.SeqNo) (Item, bool, error) {
	for r := restartIdx; r < b.numRestarts; r++ {
		run, err := b.restartRun(r)
		if err != nil {
			return Item{}, false, err
		}
		for _, it := range run {
			c := compareBytes(it.UserKey, userKey)
			if c > 0 {
				return Item{}, false, nil
			}
			if c == 0 && it.Seq < readSeq {
				return it, true, nil
			}
		}
	}
	return Item{}, false, nil
}

// Iterator is a forward cursor over a block's items in internal-key order
// (spec.md §4.1 iter). There is no reverse iteration anywhere in this
// engine: every layer above a block (table, memtable, merge) is
// forward-only, so a block-level reverse cursor would have nothing to
// compose with.
type Iterator struct {
	b          *Block
	fwdRestart int // next restart index to materialize forward
	fwdBuf     []Item
	fwdPos     int
	err        error
}

// NewIterator returns a fresh iterator positioned before the first item.
func NewIterator(b *Block) *Iterator {
	return &Iterator{b: b, fwdRestart: 0}
}

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Next advances and returns the next item in forward order, or ok=false at
// end of block (or on error; check Err()).
func (it *Iterator) Next() (Item, bool) {
	if it.err != nil {
		return Item{}, false
	}
	for it.fwdPos >= len(it.fwdBuf) {
		if it.fwdRestart >= it.b.numRestarts {
			return Item{}, false
		}
		run, err := it.b.restartRun(it.fwdRestart)
		if err != nil {
			it.err = err
			return Item{}, false
		}
		it.fwdBuf = run
		it.fwdPos = 0
		it.fwdRestart++
	}
	item := it.fwdBuf[it.fwdPos]
	it.fwdPos++
	return item, true
}

// SeekTo repositions the forward cursor so the next Next() call yields the
// first item >= needle.
func (it *Iterator) SeekTo(needle []byte) error {
	r, ok, err := it.b.Seek(needle)
	if err != nil {
		return err
	}
	if !ok {
		it.fwdRestart = it.b.numRestarts
		it.fwdBuf, it.fwdPos = nil, 0
		return nil
	}
	run, err := it.b.restartRun(r)
	if err != nil {
		return err
	}
	pos := 0
	for pos < len(run) && compareBytes(run[pos].UserKey, needle) < 0 {
		pos++
	}
	it.fwdBuf = run
	it.fwdPos = pos
	it.fwdRestart = r + 1
	return nil
}

// Checksum computes the 128-bit payload checksum used by the on-disk
// framing for this decompressed block.
func Checksum(data []byte) checksum.U128 { return checksum.Sum128(data) }
