package table

import (
	"fmt"
	"sort"

	"github.com/kvforge/lsmtree/internal/block"
	"github.com/kvforge/lsmtree/internal/ikey"
	"github.com/kvforge/lsmtree/internal/lsmerr"
	"github.com/kvforge/lsmtree/internal/varint"
)

// Metadata is the fixed keyset written to a table's metadata block, per
// spec.md §4.2 step 5. It is encoded/decoded through the same block codec
// used for data blocks so recovery can read it back without a bespoke
// parser.
type Metadata struct {
	ID              uint64
	ItemCount       uint64
	KeyCount        uint64
	TombstoneCount  uint64
	SeqMin          ikey.SeqNo
	SeqMax          ikey.SeqNo
	KeyMin          []byte
	KeyMax          []byte
	DataBlockCount  uint64
	IndexBlockCount uint64
	// FilterBlockCount mirrors IndexBlockCount's convention: 1 for a
	// monolithic filter, or (partition count + 1) when the filter is
	// partitioned (the top-level filter index block counts too).
	FilterBlockCount uint64
	Size             uint64
	UserDataSize    uint64
	LinkedBlobs     []uint64 // blob file ids referenced by Indirection entries
	VersionLSMT     uint32
	VersionTable    uint32
}

const (
	keyID              = "#id"
	keyItemCount       = "#item_count"
	keyKeyCount        = "#key_count"
	keyTombstoneCount  = "#tombstone_count"
	keySeqMin          = "#seqno#min"
	keySeqMax          = "#seqno#max"
	keyKeyMin          = "#key#min"
	keyKeyMax          = "#key#max"
	keyDataBlockCount   = "#data_block_count"
	keyIndexBlockCount  = "#index_block_count"
	keyFilterBlockCount = "#filter_block_count"
	keySize             = "#size"
	keyUserDataSize    = "#user_data_size"
	keyLinkedBlobs     = "#linked_blobs"
	keyVersionLSMT     = "version#lsmt"
	keyVersionTable    = "version#table"
)

// EncodeMetadataBlock builds the sorted-by-key metadata block.
func EncodeMetadataBlock(m Metadata) ([]byte, error) {
	kv := map[string][]byte{
		keyID:              u64(m.ID),
		keyItemCount:       u64(m.ItemCount),
		keyKeyCount:        u64(m.KeyCount),
		keyTombstoneCount:  u64(m.TombstoneCount),
		keySeqMin:          u64(uint64(m.SeqMin)),
		keySeqMax:          u64(uint64(m.SeqMax)),
		keyKeyMin:          m.KeyMin,
		keyKeyMax:          m.KeyMax,
		keyDataBlockCount:  u64(m.DataBlockCount),
		keyIndexBlockCount:  u64(m.IndexBlockCount),
		keyFilterBlockCount: u64(m.FilterBlockCount),
		keySize:             u64(m.Size),
		keyUserDataSize:    u64(m.UserDataSize),
		keyLinkedBlobs:     encodeBlobList(m.LinkedBlobs),
		keyVersionLSMT:     u32(m.VersionLSMT),
		keyVersionTable:    u32(m.VersionTable),
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]block.Item, 0, len(keys))
	for _, k := range keys {
		items = append(items, block.Item{UserKey: []byte(k), Seq: 0, Kind: ikey.KindValue, Value: kv[k]})
	}
	return block.Encode(items, 1, 0)
}

// DecodeMetadataBlock parses a metadata block written by EncodeMetadataBlock.
func DecodeMetadataBlock(data []byte) (Metadata, error) {
	b, err := block.Parse(data)
	if err != nil {
		return Metadata{}, err
	}
	it := block.NewIterator(b)
	kv := make(map[string][]byte, b.ItemCount())
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		kv[string(item.UserKey)] = item.Value
	}
	if it.Err() != nil {
		return Metadata{}, it.Err()
	}

	get := func(k string) ([]byte, error) {
		v, ok := kv[k]
		if !ok {
			return nil, fmt.Errorf("%w: metadata block missing key %q", lsmerr.ErrDeserialize, k)
		}
		return v, nil
	}
	var m Metadata
	var raw []byte
	if raw, err = get(keyID); err != nil {
		return Metadata{}, err
	}
	m.ID = decodeU64(raw)
	if raw, err = get(keyItemCount); err != nil {
		return Metadata{}, err
	}
	m.ItemCount = decodeU64(raw)
	if raw, err = get(keyKeyCount); err != nil {
		return Metadata{}, err
	}
	m.KeyCount = decodeU64(raw)
	if raw, err = get(keyTombstoneCount); err != nil {
		return Metadata{}, err
	}
	m.TombstoneCount = decodeU64(raw)
	if raw, err = get(keySeqMin); err != nil {
		return Metadata{}, err
	}
	m.SeqMin = ikey.SeqNo(decodeU64(raw))
	if raw, err = get(keySeqMax); err != nil {
		return Metadata{}, err
	}
	m.SeqMax = ikey.SeqNo(decodeU64(raw))
	if m.KeyMin, err = get(keyKeyMin); err != nil {
		return Metadata{}, err
	}
	if m.KeyMax, err = get(keyKeyMax); err != nil {
		return Metadata{}, err
	}
	if raw, err = get(keyDataBlockCount); err != nil {
		return Metadata{}, err
	}
	m.DataBlockCount = decodeU64(raw)
	if raw, err = get(keyIndexBlockCount); err != nil {
		return Metadata{}, err
	}
	m.IndexBlockCount = decodeU64(raw)
	if raw, err = get(keyFilterBlockCount); err != nil {
		return Metadata{}, err
	}
	m.FilterBlockCount = decodeU64(raw)
	if raw, err = get(keySize); err != nil {
		return Metadata{}, err
	}
	m.Size = decodeU64(raw)
	if raw, err = get(keyUserDataSize); err != nil {
		return Metadata{}, err
	}
	m.UserDataSize = decodeU64(raw)
	if raw, err = get(keyLinkedBlobs); err != nil {
		return Metadata{}, err
	}
	m.LinkedBlobs = decodeBlobList(raw)
	if raw, err = get(keyVersionLSMT); err != nil {
		return Metadata{}, err
	}
	m.VersionLSMT = decodeU32(raw)
	if raw, err = get(keyVersionTable); err != nil {
		return Metadata{}, err
	}
	m.VersionTable = decodeU32(raw)
	return m, nil
}

func u64(v uint64) []byte  { return varint.AppendFixed64(nil, v) }
func u32(v uint32) []byte  { return varint.AppendFixed32(nil, v) }
func decodeU64(b []byte) uint64 { return varint.Fixed64(b) }
func decodeU32(b []byte) uint32 { return varint.Fixed32(b) }

func encodeBlobList(ids []uint64) []byte {
	var out []byte
	out = varint.AppendUvarint(out, uint64(len(ids)))
	for _, id := range ids {
		out = varint.AppendUvarint(out, id)
	}
	return out
}

func decodeBlobList(b []byte) []uint64 {
	n, off := varint.Uvarint(b)
	if off <= 0 {
		return nil
	}
	out := make([]uint64, 0, n)
	p := off
	for i := uint64(0); i < n; i++ {
		v, k := varint.Uvarint(b[p:])
		if k <= 0 {
			break
		}
		out = append(out, v)
		p += k
	}
	return out
}
