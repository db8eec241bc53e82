// Package memtable implements the mutable, in-memory write buffer
// described in spec.md §4.4.
//
// Grounded on the teacher's internal/memtable/skiplist.go (lock-free-read,
// externally-synchronized-write skip list) and internal/memtable/
// memtable.go (skiplist-backed memtable with size accounting and a
// separate range-tombstone list).
package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/ikey"
)

const (
	maxHeight = 12
	branching = 4
)

func compareItems(a, b block.Item) int {
	return ikey.Compare(
		ikey.Key{UserKey: a.UserKey, Seq: a.Seq, Kind: a.Kind},
		ikey.Key{UserKey: b.UserKey, Seq: b.Seq, Kind: b.Kind},
	)
}

type skipNode struct {
	item block.Item
	next []*atomic.Pointer[skipNode]
}

func newSkipNode(item block.Item, height int) *skipNode {
	n := &skipNode{item: item, next: make([]*atomic.Pointer[skipNode], height)}
	for i := range n.next {
		n.next[i] = &atomic.Pointer[skipNode]{}
	}
	return n
}

func (n *skipNode) getNext(level int) *skipNode    { return n.next[level].Load() }
func (n *skipNode) setNext(level int, v *skipNode) { n.next[level].Store(v) }

// skipList is a lock-free-for-reads skip list over block.Item, ordered by
// internal-key order (user_key asc, seqno desc, kind asc; spec.md §3).
// Writes require external synchronization; MemTable serializes them with
// a mutex.
type skipList struct {
	head      *skipNode
	height    int32
	rng       *rand.Rand
	scaledInv uint32
	count     int64
}

func newSkipList() *skipList {
	return &skipList{
		head:      newSkipNode(block.Item{}, maxHeight),
		height:    1,
		rng:       rand.New(rand.NewSource(0xDEADBEEF)),
		scaledInv: uint32(0xFFFFFFFF) / branching,
	}
}

func (sl *skipList) randomHeight() int {
	h := 1
	for h < maxHeight && sl.rng.Uint32() < sl.scaledInv {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node with item >= needle, filling
// prev[level] with each level's predecessor if prev is non-nil.
func (sl *skipList) findGreaterOrEqual(needle block.Item, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.height)) - 1
	for {
		next := x.getNext(level)
		if next != nil && compareItems(next.item, needle) < 0 {
			x = next
		} else {
			if prev != nil {
				prev[level] = x
			}
			if level == 0 {
				return next
			}
			level--
		}
	}
}

// Insert adds item, which must not already be present — callers never
// reuse a (user_key, seq, kind) triple within one memtable.
func (sl *skipList) Insert(item block.Item) {
	prev := make([]*skipNode, maxHeight)
	sl.findGreaterOrEqual(item, prev)

	h := sl.randomHeight()
	cur := int(atomic.LoadInt32(&sl.height))
	if h > cur {
		for i := cur; i < h; i++ {
			prev[i] = sl.head
		}
		atomic.StoreInt32(&sl.height, int32(h))
	}
	node := newSkipNode(item, h)
	for i := 0; i < h; i++ {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	atomic.AddInt64(&sl.count, 1)
}

func (sl *skipList) Count() int64 { return atomic.LoadInt64(&sl.count) }

// iterator is a forward-only cursor; Next stops at the tail (node == nil).
type iterator struct {
	node *skipNode
}

func (it *iterator) valid() bool      { return it.node != nil }
func (it *iterator) item() block.Item { return it.node.item }
func (it *iterator) next()            { it.node = it.node.getNext(0) }

func (sl *skipList) seek(needle block.Item) *iterator {
	return &iterator{node: sl.findGreaterOrEqual(needle, nil)}
}

func (sl *skipList) seekToFirst() *iterator {
	return &iterator{node: sl.head.getNext(0)}
}
