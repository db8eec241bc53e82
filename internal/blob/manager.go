package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/logging"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/options"
)

// Manager owns the active blob writer, every sealed file's reader, and
// the fragmentation bookkeeping used to pick GC candidates (spec.md
// §4.10). Tree.Insert routes values at or above SeparationThreshold
// through a Manager instead of storing them inline.
type Manager struct {
	mu      sync.Mutex
	dir     string
	cfg     options.BlobConfig
	logger  logging.Logger
	nextID  uint64
	active  *Writer
	readers map[uint64]*Reader
	frag    *FragmentationMap
}

// NewManager creates a Manager rooted at dir. startID is the first blob
// file id to allocate (recovery passes in one past the highest id seen in
// the manifest).
func NewManager(dir string, cfg options.BlobConfig, logger logging.Logger, startID uint64) *Manager {
	if logger == nil {
		logger = logging.Discard
	}
	return &Manager{
		dir:     dir,
		cfg:     cfg,
		logger:  logger,
		nextID:  startID,
		readers: make(map[uint64]*Reader),
		frag:    NewFragmentationMap(),
	}
}

func (m *Manager) path(id uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%020d.blob", id))
}

// Write appends value to the active blob file, rotating to a new file
// first if none is open or the active one has reached its target size.
// sealedID is non-zero when this call sealed a file, so the caller can
// register it with the version layer.
func (m *Manager) Write(userKey []byte, seq ikey.SeqNo, value []byte) (ind Indirection, sealedID uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		id := m.nextID
		m.nextID++
		w, err := NewWriter(m.path(id), id, m.cfg.FileTargetSize, m.logger)
		if err != nil {
			return Indirection{}, 0, err
		}
		m.active = w
	}

	ind, err = m.active.Write(userKey, seq, value)
	if err != nil {
		return Indirection{}, 0, err
	}
	if m.active.Full() {
		id := m.active.id
		if err := m.active.Finish(); err != nil {
			return Indirection{}, 0, err
		}
		if r, openErr := Open(m.path(id), id); openErr == nil {
			m.readers[id] = r
		} else {
			err = openErr
		}
		sealedID = id
		m.active = nil
	}
	return ind, sealedID, err
}

// Get resolves an Indirection to its value, opening the target file on
// demand if it isn't already tracked (such as the active, unsealed file).
func (m *Manager) Get(ind Indirection) ([]byte, error) {
	m.mu.Lock()
	r, ok := m.readers[ind.FileID]
	m.mu.Unlock()
	if !ok {
		var err error
		if r, err = Open(m.path(ind.FileID), ind.FileID); err != nil {
			return nil, err
		}
		defer r.Close()
	}
	return r.Get(ind)
}

// OpenExisting registers a blob file recovered from the manifest.
func (m *Manager) OpenExisting(id uint64) error {
	r, err := Open(m.path(id), id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.readers[id] = r
	if id >= m.nextID {
		m.nextID = id + 1
	}
	m.mu.Unlock()
	return nil
}

// MarkDead records that ind's blob bytes are no longer reachable, whether
// because of an overwrite, a delete, or a compaction that dropped the
// indirection.
func (m *Manager) MarkDead(ind Indirection) {
	m.frag.MarkDead(ind.FileID, ind.Size)
}

// SeedFragmentation installs a fragmentation count recovered from the
// manifest, so GC decisions after a restart account for dead bytes a
// prior process already observed.
func (m *Manager) SeedFragmentation(fileID, deadCount, deadBytes uint64) {
	m.frag.Seed(fileID, deadCount, deadBytes)
}

// GCCandidates returns the ids, sorted ascending, of blob files whose dead
// fraction has crossed GCFragmentationPct, given each file's current size.
func (m *Manager) GCCandidates(fileSizes map[uint64]uint64) []uint64 {
	var out []uint64
	for id, size := range fileSizes {
		if m.frag.NeedsGC(id, size, m.cfg.GCFragmentationPct) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FileSize stats a sealed blob file, for callers (the version layer via
// compaction) that need to record its size alongside its id.
func (m *Manager) FileSize(id uint64) (uint64, error) {
	fi, err := os.Stat(m.path(id))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	return uint64(fi.Size()), nil
}

// DropFile closes and removes a fully-reclaimed blob file.
func (m *Manager) DropFile(id uint64) error {
	m.mu.Lock()
	r, ok := m.readers[id]
	delete(m.readers, id)
	m.mu.Unlock()
	if ok {
		r.Close()
	}
	m.frag.Drop(id)
	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", lsmerr.ErrIO, err)
	}
	return nil
}

// Close seals the active writer (if any) and closes every open reader.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	if m.active != nil {
		if err := m.active.Finish(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.active = nil
	}
	for id, r := range m.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.readers, id)
	}
	return firstErr
}
