package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/ikey"
)

// nodeOverhead approximates the per-entry bookkeeping cost (skip list
// pointers, node header) added on top of key/value bytes when estimating
// a memtable's size. Size need only be monotonic, not exact (spec.md
// §4.4).
const nodeOverhead = 48

// MemTable is the mutable, in-memory write buffer of spec.md §4.4: an
// ordered skip list of point items plus a small list of range tombstones,
// both addressable by sequence number for MVCC reads.
//
// Grounded on the teacher's internal/memtable/memtable.go, generalized
// from RocksDB's WAL-coupled trailer format to this spec's seqno-stamped
// Insert over internal-key order. The teacher's merge-operand collection
// and embedded range-tombstone-set tracking are deliberately not carried
// over: merge operands have no equivalent here, and active-tombstone
// tracking across multiple sources belongs to internal/rangetombstone,
// not to any one memtable.
type MemTable struct {
	mu              sync.Mutex
	skiplist        *skipList
	rangeTombstones []RangeTombstone

	size           int64 // atomic
	haveSeq        bool
	seqMin, seqMax ikey.SeqNo
	sealed         bool
}

// RangeTombstone is an interval delete buffered in a memtable before it is
// either queried directly or flushed into a table's range-tombstone block.
type RangeTombstone struct {
	Start []byte
	End   []byte
	Seq   ikey.SeqNo
}

// New returns an empty, writable MemTable.
func New() *MemTable {
	return &MemTable{skiplist: newSkipList()}
}

// Insert records one point item. The caller must not reuse a (user_key,
// seq, kind) triple within one memtable.
func (mt *MemTable) Insert(userKey []byte, seq ikey.SeqNo, kind ikey.Kind, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	item := block.Item{
		UserKey: append([]byte(nil), userKey...),
		Seq:     seq,
		Kind:    kind,
		Value:   append([]byte(nil), value...),
	}
	mt.skiplist.Insert(item)
	atomic.AddInt64(&mt.size, int64(len(item.UserKey)+len(item.Value)+ikey.NumTrailerBytes+nodeOverhead))
	mt.trackSeq(seq)
}

// InsertRangeTombstone records an interval delete covering [start, end).
func (mt *MemTable) InsertRangeTombstone(start, end []byte, seq ikey.SeqNo) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.rangeTombstones = append(mt.rangeTombstones, RangeTombstone{
		Start: append([]byte(nil), start...),
		End:   append([]byte(nil), end...),
		Seq:   seq,
	})
	atomic.AddInt64(&mt.size, int64(len(start)+len(end)+8+nodeOverhead))
	mt.trackSeq(seq)
}

func (mt *MemTable) trackSeq(seq ikey.SeqNo) {
	if !mt.haveSeq {
		mt.seqMin, mt.seqMax, mt.haveSeq = seq, seq, true
		return
	}
	if seq < mt.seqMin {
		mt.seqMin = seq
	}
	if seq > mt.seqMax {
		mt.seqMax = seq
	}
}

// seekKind sorts after every real Kind for a given (user_key, seq) pair,
// so a lookup key built with it skips every entry at Seq == readSeq in
// one step instead of scanning past them one at a time. point_read
// visibility is Seq < readSeq, strict (spec.md §4.1).
const seekKind = ikey.Kind(255)

// Get returns the highest version of userKey with Seq < readSeq recorded
// as a point item. It does not consult range tombstones: suppression by
// an interval delete requires visibility across every source, which only
// the caller (typically internal/iterator) has.
func (mt *MemTable) Get(userKey []byte, readSeq ikey.SeqNo) (block.Item, bool) {
	needle := block.Item{UserKey: userKey, Seq: readSeq, Kind: seekKind}
	it := mt.skiplist.seek(needle)
	if !it.valid() {
		return block.Item{}, false
	}
	item := it.item()
	if !bytesEqual(item.UserKey, userKey) {
		return block.Item{}, false
	}
	return item, true
}

// RangeTombstones returns every interval delete buffered in this memtable.
func (mt *MemTable) RangeTombstones() []RangeTombstone {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return append([]RangeTombstone(nil), mt.rangeTombstones...)
}

// ApproximateSize returns a monotonically non-decreasing estimate of this
// memtable's memory footprint, used to trigger a rotation (spec.md §4.4).
func (mt *MemTable) ApproximateSize() int64 { return atomic.LoadInt64(&mt.size) }

// Count returns the number of point items recorded.
func (mt *MemTable) Count() int64 { return mt.skiplist.Count() }

// Empty reports whether the memtable holds neither point items nor range
// tombstones.
func (mt *MemTable) Empty() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.skiplist.Count() == 0 && len(mt.rangeTombstones) == 0
}

// SeqRange returns the lowest and highest sequence numbers recorded, and
// whether any have been recorded at all.
func (mt *MemTable) SeqRange() (min, max ikey.SeqNo, ok bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.seqMin, mt.seqMax, mt.haveSeq
}

// Seal marks the memtable read-only, once it has been queued for flush.
// Inserting into a sealed memtable is a caller bug.
func (mt *MemTable) Seal() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.sealed = true
}

// Sealed reports whether Seal has been called.
func (mt *MemTable) Sealed() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.sealed
}

// Iterator returns a forward cursor over every point item in internal-key
// order, positioned at the first entry whose user key is >= start (or at
// the very first entry if start is nil).
func (mt *MemTable) Iterator(start []byte) *Iterator {
	if start == nil {
		return &Iterator{it: mt.skiplist.seekToFirst()}
	}
	needle := block.Item{UserKey: start, Seq: ikey.SeqNoMax, Kind: 0}
	return &Iterator{it: mt.skiplist.seek(needle)}
}

// Iterator is a forward, read-only cursor over a MemTable's point items.
// It is safe to use concurrently with writers under the skip list's
// lock-free-read contract, but may or may not observe a write that races
// with its creation.
type Iterator struct {
	it *iterator
}

// Valid reports whether the cursor is positioned at an item.
func (mi *Iterator) Valid() bool { return mi.it.valid() }

// Item returns the item at the current position.
func (mi *Iterator) Item() block.Item { return mi.it.item() }

// Next advances the cursor.
func (mi *Iterator) Next() { mi.it.next() }

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
