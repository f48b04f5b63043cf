package arena

import "encoding/binary"

// Arena file format ("MEMF1"): a 32-byte fixed header followed by a
// contiguous allocator region. All integers are little-endian.
//
//	off 0:  magic:u32   = 0x4D454D46 ("MEMF")
//	off 4:  version:u32 ; opaque to the arena, owned by the caller (graph/strtable layer)
//	off 8:  file_size:u64
//	off 16: allocated:u64
//	off 24: free_list_head:u64
//	off 32: [allocator region ...]
const (
	magic = uint32(0x4D454D46)

	headerSize = 32

	offMagic         = 0x00
	offVersion       = 0x04
	offFileSize      = 0x08
	offAllocated     = 0x10
	offFreeListHead  = 0x18

	// minFileSize is the smallest file Open(create) will produce: header
	// plus 64 bytes of usable space, per §4.1.
	minFileSize = headerSize + 64
)

// allocHeaderSize is the 8-byte {alloc_size} prefix immediately before
// every offset returned by Alloc.
const allocHeaderSize = 8

// freeHeaderSize is the {size:u64, next:u64} prefix a freed block is
// reinterpreted as. It overlaps the allocHeaderSize prefix plus the first
// 8 bytes of what used to be the caller's region.
const freeHeaderSize = 16

// minSplitRemainder is the smallest remainder (in bytes, including its own
// freeHeaderSize) that Alloc will carve off as a new free block instead of
// handing the whole block to the caller.
const minSplitRemainder = 24

func readHeader(b []byte) (version uint32, fileSize, allocated, freeListHead uint64) {
	version = binary.LittleEndian.Uint32(b[offVersion:])
	fileSize = binary.LittleEndian.Uint64(b[offFileSize:])
	allocated = binary.LittleEndian.Uint64(b[offAllocated:])
	freeListHead = binary.LittleEndian.Uint64(b[offFreeListHead:])

	return version, fileSize, allocated, freeListHead
}

func writeMagicVersion(b []byte, version uint32) {
	binary.LittleEndian.PutUint32(b[offMagic:], magic)
	binary.LittleEndian.PutUint32(b[offVersion:], version)
}

func writeFileSize(b []byte, v uint64)     { binary.LittleEndian.PutUint64(b[offFileSize:], v) }
func writeAllocated(b []byte, v uint64)    { binary.LittleEndian.PutUint64(b[offAllocated:], v) }
func writeFreeListHead(b []byte, v uint64) { binary.LittleEndian.PutUint64(b[offFreeListHead:], v) }

func readMagic(b []byte) uint32 { return binary.LittleEndian.Uint32(b[offMagic:]) }

// roundUp8 rounds n up to the next multiple of 8.
func roundUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}
