package cache

import (
	"container/list"
	"os"
	"sync"
)

// handleSet is a small pool of open *os.File handles for one table,
// letting concurrent readers fan out across a few descriptors instead of
// contending on one (spec.md §4.11 "concurrency sibling handles per key").
type handleSet struct {
	path    string
	handles []*os.File
}

// DescriptorTable is a bounded LRU of open file handles keyed by a global
// table id. When insertion exceeds capacity, the oldest entry's handles
// are closed.
type DescriptorTable struct {
	mu          sync.Mutex
	capacity    int
	concurrency int
	ll          *list.List
	items       map[uint64]*list.Element
}

type descEntry struct {
	tableID uint64
	set     *handleSet
}

// NewDescriptorTable creates a table holding at most capacity open tables,
// each with up to concurrency sibling file handles.
func NewDescriptorTable(capacity, concurrency int) *DescriptorTable {
	if concurrency < 1 {
		concurrency = 1
	}
	return &DescriptorTable{
		capacity:    capacity,
		concurrency: concurrency,
		ll:          list.New(),
		items:       make(map[uint64]*list.Element),
	}
}

// Open registers path under tableID, opening up to `concurrency` handles
// lazily on demand. Safe to call repeatedly; subsequent calls are no-ops if
// already open.
func (d *DescriptorTable) Open(tableID uint64, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[tableID]; ok {
		d.ll.MoveToFront(el)
		return
	}
	el := d.ll.PushFront(&descEntry{tableID: tableID, set: &handleSet{path: path}})
	d.items[tableID] = el
	d.evictLocked()
}

// Acquire returns an open handle for tableID, opening one if the set has
// fewer than `concurrency` handles and none are idle. Caller must Release.
func (d *DescriptorTable) Acquire(tableID uint64) (*os.File, error) {
	d.mu.Lock()
	el, ok := d.items[tableID]
	if !ok {
		d.mu.Unlock()
		return nil, os.ErrNotExist
	}
	d.ll.MoveToFront(el)
	set := el.Value.(*descEntry).set
	if len(set.handles) > 0 {
		f := set.handles[len(set.handles)-1]
		set.handles = set.handles[:len(set.handles)-1]
		d.mu.Unlock()
		return f, nil
	}
	path := set.path
	d.mu.Unlock()
	return os.Open(path)
}

// Release returns a handle to the pool for reuse, capped at concurrency
// idle handles; extras are closed.
func (d *DescriptorTable) Release(tableID uint64, f *os.File) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.items[tableID]
	if !ok {
		f.Close()
		return
	}
	set := el.Value.(*descEntry).set
	if len(set.handles) >= d.concurrency {
		f.Close()
		return
	}
	set.handles = append(set.handles, f)
}

// Close removes tableID from the table and closes all its handles.
func (d *DescriptorTable) Close(tableID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[tableID]; ok {
		d.closeEntryLocked(el)
	}
}

func (d *DescriptorTable) evictLocked() {
	for d.capacity > 0 && d.ll.Len() > d.capacity {
		d.closeEntryLocked(d.ll.Back())
	}
}

func (d *DescriptorTable) closeEntryLocked(el *list.Element) {
	e := el.Value.(*descEntry)
	for _, f := range e.set.handles {
		f.Close()
	}
	delete(d.items, e.tableID)
	d.ll.Remove(el)
}
