package strtable

import "encoding/binary"

// String-table own header, the first allocation ever made in the arena
// (never freed): {hash_index_offset:u64, entry_count:u32, pad:u32}.
//
// Because it is always the first allocation against a freshly initialized
// arena, it always lands at the same offset: arena header (32 bytes) plus
// the 8-byte alloc prefix.
const (
	ownHeaderOffset = 40
	ownHeaderSize   = 16

	offHashIndexOffset = 0
	offEntryCount       = 8
)

// String entry: {refcount:u32, hash:u32, length:u16, bytes[length]:u8}.
const (
	entryHeaderSize = 10

	offRefcount = 0
	offHash     = 4
	offLength   = 8
)

// Hash index block: {bucket_count:u32, pad:u32} then bucket_count u64 slots.
const (
	indexHeaderSize = 8

	offBucketCount = 0

	slotSize = 8
)

const (
	initialBucketCount = 16
	loadFactorNum      = 7
	loadFactorDen      = 10

	maxStringLen = 65535

	// arenaFormatVersion is the string table's own opaque version tag stored
	// in the arena header. There is only one on-disk layout, so this never
	// changes; it exists because [arena.Open] requires a caller-owned value.
	arenaFormatVersion = 1
)

func readOwnHeader(b []byte) (hashIndexOffset uint64, entryCount uint32) {
	hashIndexOffset = binary.LittleEndian.Uint64(b[offHashIndexOffset:])
	entryCount = binary.LittleEndian.Uint32(b[offEntryCount:])

	return hashIndexOffset, entryCount
}

func writeOwnHeader(b []byte, hashIndexOffset uint64, entryCount uint32) {
	binary.LittleEndian.PutUint64(b[offHashIndexOffset:], hashIndexOffset)
	binary.LittleEndian.PutUint32(b[offEntryCount:], entryCount)
}

func readIndexHeader(b []byte) (bucketCount uint32) {
	return binary.LittleEndian.Uint32(b[offBucketCount:])
}

func writeIndexHeader(b []byte, bucketCount uint32) {
	binary.LittleEndian.PutUint32(b[offBucketCount:], bucketCount)
}

func readSlot(b []byte, i uint32) uint64 {
	off := indexHeaderSize + uint64(i)*slotSize
	return binary.LittleEndian.Uint64(b[off:])
}

func writeSlot(b []byte, i uint32, v uint64) {
	off := indexHeaderSize + uint64(i)*slotSize
	binary.LittleEndian.PutUint64(b[off:], v)
}

func readEntryHeader(b []byte) (refcount, hash uint32, length uint16) {
	refcount = binary.LittleEndian.Uint32(b[offRefcount:])
	hash = binary.LittleEndian.Uint32(b[offHash:])
	length = binary.LittleEndian.Uint16(b[offLength:])

	return refcount, hash, length
}

func writeEntryHeader(b []byte, refcount, hash uint32, length uint16) {
	binary.LittleEndian.PutUint32(b[offRefcount:], refcount)
	binary.LittleEndian.PutUint32(b[offHash:], hash)
	binary.LittleEndian.PutUint16(b[offLength:], length)
}

// fnv1a32 hashes raw bytes with FNV-1a 32-bit, per §6.
func fnv1a32(data []byte) uint32 {
	const (
		offsetBasis = 0x811c9dc5
		prime       = 0x01000193
	)

	h := uint32(offsetBasis)
	for _, c := range data {
		h ^= uint32(c)
		h *= prime
	}

	return h
}
