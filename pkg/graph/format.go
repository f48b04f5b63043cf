package graph

import (
	"encoding/binary"
	"math"
)

// On-disk layout versions stored in the arena header's opaque version field.
const (
	versionV1 = 1
	versionV2 = 2
)

// Graph header block, the first allocation against a fresh graph arena
// (never freed): {node_log_offset:u64, structural_total:u64, walker_total:u64}.
const (
	graphHeaderOffset = 40 // arena header (32) + 8-byte alloc prefix
	graphHeaderSize   = 24

	offNodeLogOffset   = 0
	offStructuralTotal = 8
	offWalkerTotal     = 16
)

// Entity record, v2: 72 bytes, 8-byte aligned.
//
//	off 0:  name_id:u32
//	off 4:  type_id:u32
//	off 8:  adj_offset:u64
//	off 16: mtime:u64
//	off 24: obs_mtime:u64
//	off 32: obs_count:u8
//	off 33: _pad[3]
//	off 36: obs0_id:u32
//	off 40: obs1_id:u32
//	off 44: _pad[4]
//	off 48: structural_visits:u64
//	off 56: walker_visits:u64
//	off 64: psi:f64
const (
	entityRecordSizeV2 = 72

	offNameID            = 0
	offTypeID            = 4
	offAdjOffset         = 8
	offMtime             = 16
	offObsMtime          = 24
	offObsCount          = 32
	offObs0ID            = 36
	offObs1ID            = 40
	offStructuralVisits  = 48
	offWalkerVisits      = 56
	offPsi               = 64
)

// Entity record, v1: 64 bytes. Same prefix as v2 up through walker_visits;
// no psi field.
const (
	entityRecordSizeV1 = 64
)

// Adjacency block: {count:u32, capacity:u32} then capacity * 24-byte entries
// {target_and_dir:u64, rel_type_id:u32, _pad:u32, mtime:u64}.
const (
	adjHeaderSize = 8
	adjEntrySize  = 24

	offAdjCount    = 0
	offAdjCapacity = 4

	offEntryTargetAndDir = 0
	offEntryRelTypeID    = 8
	offEntryMtime        = 16

	initialAdjCapacity = 4
)

// Direction, encoded in the low 2 bits of target_and_dir.
const (
	DirForward  = 0
	DirBackward = 1
	DirBidir    = 2

	dirMask    = 0x3
	targetShift = 2
)

// Node log: {count:u32, capacity:u32} then capacity * u64 entity offsets.
const (
	logHeaderSize = 8

	offLogCount    = 0
	offLogCapacity = 4

	logEntrySize = 8

	initialLogCapacity = 256
)

func readGraphHeader(b []byte) (nodeLogOffset, structuralTotal, walkerTotal uint64) {
	nodeLogOffset = binary.LittleEndian.Uint64(b[offNodeLogOffset:])
	structuralTotal = binary.LittleEndian.Uint64(b[offStructuralTotal:])
	walkerTotal = binary.LittleEndian.Uint64(b[offWalkerTotal:])

	return nodeLogOffset, structuralTotal, walkerTotal
}

func writeGraphHeader(b []byte, nodeLogOffset, structuralTotal, walkerTotal uint64) {
	binary.LittleEndian.PutUint64(b[offNodeLogOffset:], nodeLogOffset)
	binary.LittleEndian.PutUint64(b[offStructuralTotal:], structuralTotal)
	binary.LittleEndian.PutUint64(b[offWalkerTotal:], walkerTotal)
}

// Record is the decoded form of an entity record (always v2 shape in
// memory; v1 files are migrated to v2 before any Record is produced).
type Record struct {
	Offset            uint64
	NameID            uint32
	TypeID            uint32
	AdjOffset         uint64
	Mtime             uint64
	ObsMtime          uint64
	ObsCount          uint8
	Obs0ID            uint32
	Obs1ID            uint32
	StructuralVisits  uint64
	WalkerVisits      uint64
	Psi               float64
}

func decodeRecordV2(offset uint64, b []byte) Record {
	return Record{
		Offset:           offset,
		NameID:           binary.LittleEndian.Uint32(b[offNameID:]),
		TypeID:           binary.LittleEndian.Uint32(b[offTypeID:]),
		AdjOffset:        binary.LittleEndian.Uint64(b[offAdjOffset:]),
		Mtime:            binary.LittleEndian.Uint64(b[offMtime:]),
		ObsMtime:         binary.LittleEndian.Uint64(b[offObsMtime:]),
		ObsCount:         b[offObsCount],
		Obs0ID:           binary.LittleEndian.Uint32(b[offObs0ID:]),
		Obs1ID:           binary.LittleEndian.Uint32(b[offObs1ID:]),
		StructuralVisits: binary.LittleEndian.Uint64(b[offStructuralVisits:]),
		WalkerVisits:     binary.LittleEndian.Uint64(b[offWalkerVisits:]),
		Psi:              float64FromBits(binary.LittleEndian.Uint64(b[offPsi:])),
	}
}

func encodeRecordV2(b []byte, r Record) {
	binary.LittleEndian.PutUint32(b[offNameID:], r.NameID)
	binary.LittleEndian.PutUint32(b[offTypeID:], r.TypeID)
	binary.LittleEndian.PutUint64(b[offAdjOffset:], r.AdjOffset)
	binary.LittleEndian.PutUint64(b[offMtime:], r.Mtime)
	binary.LittleEndian.PutUint64(b[offObsMtime:], r.ObsMtime)
	b[offObsCount] = r.ObsCount
	binary.LittleEndian.PutUint32(b[offObs0ID:], r.Obs0ID)
	binary.LittleEndian.PutUint32(b[offObs1ID:], r.Obs1ID)
	binary.LittleEndian.PutUint64(b[offStructuralVisits:], r.StructuralVisits)
	binary.LittleEndian.PutUint64(b[offWalkerVisits:], r.WalkerVisits)
	binary.LittleEndian.PutUint64(b[offPsi:], float64Bits(r.Psi))
}

// decodeRecordV1 reads a 64-byte v1 record: identical prefix through
// walker_visits, no psi.
func decodeRecordV1(offset uint64, b []byte) Record {
	return Record{
		Offset:           offset,
		NameID:           binary.LittleEndian.Uint32(b[offNameID:]),
		TypeID:           binary.LittleEndian.Uint32(b[offTypeID:]),
		AdjOffset:        binary.LittleEndian.Uint64(b[offAdjOffset:]),
		Mtime:            binary.LittleEndian.Uint64(b[offMtime:]),
		ObsMtime:         binary.LittleEndian.Uint64(b[offObsMtime:]),
		ObsCount:         b[offObsCount],
		Obs0ID:           binary.LittleEndian.Uint32(b[offObs0ID:]),
		Obs1ID:           binary.LittleEndian.Uint32(b[offObs1ID:]),
		StructuralVisits: binary.LittleEndian.Uint64(b[offStructuralVisits:]),
		WalkerVisits:     binary.LittleEndian.Uint64(b[offWalkerVisits:]),
		Psi:              0,
	}
}

// AdjEntry is one decoded adjacency entry.
type AdjEntry struct {
	Target    uint64
	Dir       uint8
	RelTypeID uint32
	Mtime     uint64
}

func targetAndDir(target uint64, dir uint8) uint64 {
	return target<<targetShift | uint64(dir&dirMask)
}

func splitTargetAndDir(v uint64) (target uint64, dir uint8) {
	return v >> targetShift, uint8(v & dirMask)
}

func decodeAdjEntry(b []byte) AdjEntry {
	tad := binary.LittleEndian.Uint64(b[offEntryTargetAndDir:])
	target, dir := splitTargetAndDir(tad)

	return AdjEntry{
		Target:    target,
		Dir:       dir,
		RelTypeID: binary.LittleEndian.Uint32(b[offEntryRelTypeID:]),
		Mtime:     binary.LittleEndian.Uint64(b[offEntryMtime:]),
	}
}

func encodeAdjEntry(b []byte, e AdjEntry) {
	binary.LittleEndian.PutUint64(b[offEntryTargetAndDir:], targetAndDir(e.Target, e.Dir))
	binary.LittleEndian.PutUint32(b[offEntryRelTypeID:], e.RelTypeID)
	binary.LittleEndian.PutUint64(b[offEntryMtime:], e.Mtime)
}

func readAdjHeader(b []byte) (count, capacity uint32) {
	count = binary.LittleEndian.Uint32(b[offAdjCount:])
	capacity = binary.LittleEndian.Uint32(b[offAdjCapacity:])

	return count, capacity
}

func writeAdjHeader(b []byte, count, capacity uint32) {
	binary.LittleEndian.PutUint32(b[offAdjCount:], count)
	binary.LittleEndian.PutUint32(b[offAdjCapacity:], capacity)
}

func adjEntryOffset(i uint32) uint64 {
	return adjHeaderSize + uint64(i)*adjEntrySize
}

func readLogHeader(b []byte) (count, capacity uint32) {
	count = binary.LittleEndian.Uint32(b[offLogCount:])
	capacity = binary.LittleEndian.Uint32(b[offLogCapacity:])

	return count, capacity
}

func writeLogHeader(b []byte, count, capacity uint32) {
	binary.LittleEndian.PutUint32(b[offLogCount:], count)
	binary.LittleEndian.PutUint32(b[offLogCapacity:], capacity)
}

func logEntryOffset(i uint32) uint64 {
	return logHeaderSize + uint64(i)*logEntrySize
}

func readUint64(b []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

func putUint64(b []byte, off, v uint64) {
	binary.LittleEndian.PutUint64(b[off:], v)
}

func float64Bits(f float64) uint64 { return math.Float64bits(f) }

func float64FromBits(b uint64) float64 { return math.Float64frombits(b) }
