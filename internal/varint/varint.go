// Package varint provides the small binary-encoding helpers (varint and
// fixed-width integers) shared by the block, table, manifest, and blob
// formats.
package varint

import "encoding/binary"

// AppendUvarint appends v as a base-128 varint.
func AppendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// Uvarint decodes a varint from the front of data, returning the value and
// the number of bytes consumed (0 on error).
func Uvarint(data []byte) (uint64, int) {
	return binary.Uvarint(data)
}

// AppendFixed32 appends v as 4 little-endian bytes.
func AppendFixed32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// Fixed32 decodes 4 little-endian bytes.
func Fixed32(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data)
}

// AppendFixed64 appends v as 8 little-endian bytes.
func AppendFixed64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// Fixed64 decodes 8 little-endian bytes.
func Fixed64(data []byte) uint64 {
	return binary.LittleEndian.Uint64(data)
}

// AppendFixed16 appends v as 2 little-endian bytes.
func AppendFixed16(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

// Fixed16 decodes 2 little-endian bytes.
func Fixed16(data []byte) uint16 {
	return binary.LittleEndian.Uint16(data)
}
