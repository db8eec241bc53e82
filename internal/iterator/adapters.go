package iterator

import (
	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/memtable"
	"github.com/kvforge/lsmtree/internal/table"
)

// tableSource adapts a *table.Iterator's push-style Next() (block.Item,
// bool) to the Source interface.
type tableSource struct {
	it *table.Iterator
}

// FromTable adapts a table iterator into a Source.
func FromTable(it *table.Iterator) Source { return tableSource{it: it} }

func (s tableSource) Next() (block.Item, bool, error) {
	item, ok := s.it.Next()
	if err := s.it.Err(); err != nil {
		return block.Item{}, false, err
	}
	return item, ok, nil
}

// memtableSource adapts a *memtable.Iterator's Valid/Item/Next cursor
// shape to the Source interface.
type memtableSource struct {
	it      *memtable.Iterator
	started bool
}

// FromMemTable adapts a memtable iterator into a Source.
func FromMemTable(it *memtable.Iterator) Source { return &memtableSource{it: it} }

func (s *memtableSource) Next() (block.Item, bool, error) {
	if s.started {
		s.it.Next()
	}
	s.started = true
	if !s.it.Valid() {
		return block.Item{}, false, nil
	}
	return s.it.Item(), true, nil
}
