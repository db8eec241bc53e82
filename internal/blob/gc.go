package blob

import "sync"

// FragmentationMap tracks, per blob file, how many bytes are dead weight —
// entries superseded by a newer version or by a tombstone that compaction
// has already dropped from the tables, but whose blob bytes haven't been
// reclaimed yet (spec.md §4.10 GC bookkeeping).
//
// MarkDead must be called for an overwrite as well as a delete: KV
// separation means the old value's blob bytes go dead the moment a newer
// version (or a tombstone) for the same key is written, not only when
// compaction later removes the indirection from a table.
type FragmentationMap struct {
	mu    sync.Mutex
	stats map[uint64]*fragStat
}

type fragStat struct {
	deadCount uint64
	deadBytes uint64
}

// NewFragmentationMap returns an empty map.
func NewFragmentationMap() *FragmentationMap {
	return &FragmentationMap{stats: make(map[uint64]*fragStat)}
}

// MarkDead records that one entry of size bytes in fileID is now dead.
func (m *FragmentationMap) MarkDead(fileID uint64, size uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[fileID]
	if s == nil {
		s = &fragStat{}
		m.stats[fileID] = s
	}
	s.deadCount++
	s.deadBytes += uint64(size)
}

// Stats returns the dead-entry count and dead-byte total recorded for
// fileID.
func (m *FragmentationMap) Stats(fileID uint64) (deadCount, deadBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[fileID]
	if s == nil {
		return 0, 0
	}
	return s.deadCount, s.deadBytes
}

// FractionDead returns deadBytes/fileSize for fileID, or 0 if fileSize is 0.
func (m *FragmentationMap) FractionDead(fileID uint64, fileSize uint64) float64 {
	if fileSize == 0 {
		return 0
	}
	_, deadBytes := m.Stats(fileID)
	return float64(deadBytes) / float64(fileSize)
}

// NeedsGC reports whether fileID's dead fraction has crossed threshold.
func (m *FragmentationMap) NeedsGC(fileID uint64, fileSize uint64, threshold float64) bool {
	return m.FractionDead(fileID, fileSize) >= threshold
}

// Seed installs a fragmentation count recovered from a Version's durable
// BlobFileMeta, rather than accumulated locally via MarkDead. Used once at
// startup so a restart doesn't forget fragmentation a prior process
// already recorded in the manifest.
func (m *FragmentationMap) Seed(fileID uint64, deadCount, deadBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[fileID] = &fragStat{deadCount: deadCount, deadBytes: deadBytes}
}

// Drop forgets fileID's bookkeeping, once the file itself has been removed.
func (m *FragmentationMap) Drop(fileID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, fileID)
}
