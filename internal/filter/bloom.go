// Package filter implements the Bloom filter described in spec.md §4.1/4.2:
// a cache-line-local filter (FastLocalBloom-style) so all probes for one
// key land in a single 64-byte cache line.
//
// Grounded on the teacher's internal/filter/bloom.go, rehashed through
// internal/checksum (xxh3) instead of its hand-rolled hash.
package filter

import (
	"github.com/kvforge/lsmtree/internal/checksum"
)

const (
	cacheLineSize = 64
	cacheLineBits = cacheLineSize * 8
	metadataLen   = 5
	newBloomMarker = byte(0xFF)
	fastLocalMarker = byte(0x00)
)

// Builder accumulates key hashes and produces a filter block.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBuilder creates a builder targeting bitsPerKey bits of filter per key
// (10 ~= 1% false-positive rate).
func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

// Add records a key hash. Table writers call this once per distinct user
// key (spec.md §4.2 step 3), not once per version.
func (b *Builder) Add(userKey []byte) {
	b.hashes = append(b.hashes, checksum.Hash64(userKey))
}

// NumKeys returns the number of keys added.
func (b *Builder) NumKeys() int { return len(b.hashes) }

// Hashes returns the raw key hashes accumulated so far. A partitioned
// filter block is built by merging several per-data-block builders into
// one per-partition builder via these hashes plus AddHash.
func (b *Builder) Hashes() []uint64 { return b.hashes }

// AddHash records a precomputed key hash directly.
func (b *Builder) AddHash(h uint64) { b.hashes = append(b.hashes, h) }

// EstimatedSize returns the filter size Finish would produce right now.
func (b *Builder) EstimatedSize() int {
	if len(b.hashes) == 0 {
		return 0
	}
	return calculateSpace(len(b.hashes), b.bitsPerKey)
}

// Finish builds and returns the filter bytes (including metadata suffix),
// or an always-false stub if no keys were added.
func (b *Builder) Finish() []byte {
	n := len(b.hashes)
	if n == 0 {
		return []byte{newBloomMarker, fastLocalMarker, 0, 0, 0}
	}
	total := calculateSpace(n, b.bitsPerKey)
	filterLen := total - metadataLen
	data := make([]byte, total)
	numProbes := chooseNumProbes(b.bitsPerKey * 1000)
	for _, h := range b.hashes {
		addHash(h, uint32(filterLen), numProbes, data)
	}
	data[filterLen+0] = newBloomMarker
	data[filterLen+1] = fastLocalMarker
	data[filterLen+2] = byte(numProbes)
	data[filterLen+3] = 0
	data[filterLen+4] = 0
	return data
}

// Reader answers MayContain queries against an already-built filter.
type Reader struct {
	data      []byte
	filterLen uint32
	numProbes int
}

// NewReader parses filter bytes produced by Finish. Returns nil if the
// filter is malformed.
func NewReader(data []byte) *Reader {
	if len(data) < metadataLen {
		return nil
	}
	filterLen := len(data) - metadataLen
	if data[filterLen] != newBloomMarker || data[filterLen+1] != fastLocalMarker {
		return nil
	}
	numProbes := int(data[filterLen+2])
	if numProbes == 0 {
		return &Reader{data: data, filterLen: 0, numProbes: 0}
	}
	return &Reader{data: data, filterLen: uint32(filterLen), numProbes: numProbes}
}

// MayContain reports whether userKey might be present. false is a
// definitive negative.
func (r *Reader) MayContain(userKey []byte) bool {
	if r == nil || r.filterLen == 0 || r.numProbes == 0 {
		return false
	}
	return hashMayMatch(checksum.Hash64(userKey), r.filterLen, r.numProbes, r.data)
}

func calculateSpace(numEntries, bitsPerKey int) int {
	totalBits := numEntries * bitsPerKey
	numCacheLines := (totalBits + cacheLineBits - 1) / cacheLineBits
	if numCacheLines == 0 {
		numCacheLines = 1
	}
	return numCacheLines*cacheLineSize + metadataLen
}

func chooseNumProbes(millibitsPerKey int) int {
	switch {
	case millibitsPerKey <= 2080:
		return 1
	case millibitsPerKey <= 3580:
		return 2
	case millibitsPerKey <= 5100:
		return 3
	case millibitsPerKey <= 6640:
		return 4
	case millibitsPerKey <= 8300:
		return 5
	case millibitsPerKey <= 10070:
		return 6
	case millibitsPerKey <= 11720:
		return 7
	case millibitsPerKey <= 14001:
		return 8
	case millibitsPerKey <= 16050:
		return 9
	case millibitsPerKey <= 18300:
		return 10
	case millibitsPerKey <= 22001:
		return 11
	case millibitsPerKey <= 25501:
		return 12
	case millibitsPerKey > 50000:
		return 24
	default:
		return (millibitsPerKey-1)/2000 - 1
	}
}

func fastRange32(h, n uint32) uint32 {
	return uint32((uint64(h) * uint64(n)) >> 32)
}

func addHash(hash uint64, lenBytes uint32, numProbes int, data []byte) {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)
	numCacheLines := lenBytes >> 6
	cacheLineOffset := fastRange32(h1, numCacheLines) << 6
	addHashPrepared(h2, numProbes, data[cacheLineOffset:cacheLineOffset+cacheLineSize])
}

func addHashPrepared(h2 uint32, numProbes int, line []byte) {
	for i := 0; i < numProbes; i++ {
		bitPos := h2 >> 23 // 0..511 within the 512-bit line
		line[bitPos/8] |= 1 << (bitPos % 8)
		h2 *= 0x9E3779B9
	}
}

func hashMayMatch(hash uint64, lenBytes uint32, numProbes int, data []byte) bool {
	h1 := uint32(hash)
	h2 := uint32(hash >> 32)
	numCacheLines := lenBytes >> 6
	cacheLineOffset := fastRange32(h1, numCacheLines) << 6
	line := data[cacheLineOffset : cacheLineOffset+cacheLineSize]
	for i := 0; i < numProbes; i++ {
		bitPos := h2 >> 23
		if line[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h2 *= 0x9E3779B9
	}
	return true
}
