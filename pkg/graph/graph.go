// Package graph implements the typed entity/edge graph file: fixed-size
// entity records, variable-capacity bidirectional adjacency blocks, a node
// enumeration log, and the v1->v2 versioned migration, all backed by one
// [arena.Arena].
//
// Grounded on the same header-constant-offset decoding style as pkg/strtable
// and the teacher's pkg/slotcache/format.go, generalized to a multi-record
// typed file instead of a single fixed-layout cache.
package graph

import (
	"fmt"

	"github.com/Levalicious/server-memory-sub000/pkg/arena"
	"github.com/Levalicious/server-memory-sub000/pkg/kgerr"
	"github.com/Levalicious/server-memory-sub000/pkg/strtable"
)

// Graph is a handle to an open graph file.
//
// Graph shares a *strtable.Table with its surrounding application; it does
// not own the table's lifecycle (see §5: the caller must keep the table
// alive at least as long as the Graph). Graph is not internally
// synchronized; see [arena.Arena]'s doc for the concurrency discipline.
type Graph struct {
	a   *arena.Arena
	str *strtable.Table
}

// Open opens or creates the graph file at path, migrating a v1 file to v2
// in place if necessary.
func Open(path string, str *strtable.Table) (*Graph, error) {
	a, err := arena.Open(path, 0, versionV2)
	if err != nil {
		return nil, fmt.Errorf("graph: open %s: %w", path, err)
	}

	g := &Graph{a: a, str: str}

	const arenaHeaderSize = 32

	st := a.Stats()

	switch {
	case st.Allocated == arenaHeaderSize && st.FreeListHead == 0:
		if err := g.initFresh(); err != nil {
			_ = a.Close()
			return nil, err
		}
	case a.Version() == versionV1:
		if err := migrateV1ToV2(path, g); err != nil {
			_ = a.Close()
			return nil, err
		}
	case a.Version() == versionV2:
		// proceed
	default:
		_ = a.Close()
		return nil, fmt.Errorf("graph: %s: version %d: %w", path, a.Version(), kgerr.ErrUnsupportedVersion)
	}

	return g, nil
}

func (g *Graph) initFresh() error {
	hdrOff, err := g.a.Alloc(graphHeaderSize)
	if err != nil {
		return fmt.Errorf("graph: alloc header: %w", err)
	}

	if hdrOff != graphHeaderOffset {
		return fmt.Errorf("graph: header landed at %d, want %d: %w", hdrOff, graphHeaderOffset, kgerr.ErrCorrupt)
	}

	logOff, err := g.allocNodeLog(initialLogCapacity)
	if err != nil {
		return err
	}

	hdr, err := g.a.Bytes(graphHeaderOffset, graphHeaderSize)
	if err != nil {
		return err
	}

	writeGraphHeader(hdr, logOff, 0, 0)
	g.a.SetVersion(versionV2)

	return g.a.Sync()
}

func (g *Graph) allocNodeLog(capacity uint32) (uint64, error) {
	size := uint64(logHeaderSize) + uint64(capacity)*logEntrySize

	off, err := g.a.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("graph: alloc node log: %w", err)
	}

	if off == 0 {
		return 0, fmt.Errorf("graph: alloc node log: %w", kgerr.ErrOOM)
	}

	b, err := g.a.Bytes(off, size)
	if err != nil {
		return 0, err
	}

	writeLogHeader(b, 0, capacity)

	return off, nil
}

func (g *Graph) header() (nodeLogOffset, structuralTotal, walkerTotal uint64, err error) {
	b, err := g.a.Bytes(graphHeaderOffset, graphHeaderSize)
	if err != nil {
		return 0, 0, 0, err
	}

	nodeLogOffset, structuralTotal, walkerTotal = readGraphHeader(b)

	return nodeLogOffset, structuralTotal, walkerTotal, nil
}

func (g *Graph) setHeader(nodeLogOffset, structuralTotal, walkerTotal uint64) error {
	b, err := g.a.Bytes(graphHeaderOffset, graphHeaderSize)
	if err != nil {
		return err
	}

	writeGraphHeader(b, nodeLogOffset, structuralTotal, walkerTotal)

	return nil
}

func (g *Graph) record(offset uint64) ([]byte, error) {
	return g.a.Bytes(offset, entityRecordSizeV2)
}

// CreateEntity interns name and entityType, allocates a fresh record, and
// appends it to the node log.
func (g *Graph) CreateEntity(name, entityType string, mtime uint64, hasObsMtime bool) (Record, error) {
	nameID, err := g.str.Intern([]byte(name))
	if err != nil {
		return Record{}, fmt.Errorf("graph: intern name: %w", err)
	}

	typeID, err := g.str.Intern([]byte(entityType))
	if err != nil {
		return Record{}, fmt.Errorf("graph: intern type: %w", err)
	}

	off, err := g.a.Alloc(entityRecordSizeV2)
	if err != nil {
		return Record{}, fmt.Errorf("graph: alloc entity: %w", err)
	}

	if off == 0 {
		return Record{}, fmt.Errorf("graph: alloc entity: %w", kgerr.ErrOOM)
	}

	obsMtime := uint64(0)
	if hasObsMtime {
		obsMtime = mtime
	}

	rec := Record{
		Offset:    off,
		NameID:    uint32(nameID),
		TypeID:    uint32(typeID),
		AdjOffset: 0,
		Mtime:     mtime,
		ObsMtime:  obsMtime,
		ObsCount:  0,
	}

	b, err := g.record(off)
	if err != nil {
		return Record{}, err
	}

	encodeRecordV2(b, rec)

	if err := g.NodeLogAppend(off); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// ReadEntity decodes the record at offset.
func (g *Graph) ReadEntity(offset uint64) (Record, error) {
	b, err := g.record(offset)
	if err != nil {
		return Record{}, err
	}

	return decodeRecordV2(offset, b), nil
}

// UpdateEntity overwrites the record at rec.Offset in place. Refcounts are
// not adjusted; callers must only mutate non-string fields this way.
func (g *Graph) UpdateEntity(rec Record) error {
	b, err := g.record(rec.Offset)
	if err != nil {
		return err
	}

	encodeRecordV2(b, rec)

	return nil
}

// DeleteEntity releases the entity's owned string references, frees its
// adjacency block if any, removes it from the node log, and frees the
// record. Callers must remove any inbound edges on other entities first.
func (g *Graph) DeleteEntity(offset uint64) error {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return err
	}

	if err := g.str.Release(uint64(rec.NameID)); err != nil {
		return err
	}

	if err := g.str.Release(uint64(rec.TypeID)); err != nil {
		return err
	}

	if rec.Obs0ID != 0 {
		if err := g.str.Release(uint64(rec.Obs0ID)); err != nil {
			return err
		}
	}

	if rec.Obs1ID != 0 {
		if err := g.str.Release(uint64(rec.Obs1ID)); err != nil {
			return err
		}
	}

	if rec.AdjOffset != 0 {
		if err := g.freeAdjBlock(rec.AdjOffset); err != nil {
			return err
		}
	}

	if err := g.NodeLogRemove(offset); err != nil {
		return err
	}

	return g.a.Free(offset)
}

func (g *Graph) freeAdjBlock(adjOff uint64) error {
	return g.a.Free(adjOff)
}

// AddObservation adds text as the next free observation slot.
func (g *Graph) AddObservation(offset uint64, text string, mtime uint64) error {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return err
	}

	if rec.ObsCount == 2 {
		return fmt.Errorf("graph: add observation on %d: %w", offset, kgerr.ErrObsFull)
	}

	id, err := g.str.Intern([]byte(text))
	if err != nil {
		return fmt.Errorf("graph: intern observation: %w", err)
	}

	if rec.ObsCount == 0 {
		rec.Obs0ID = uint32(id)
	} else {
		rec.Obs1ID = uint32(id)
	}

	rec.ObsCount++
	rec.ObsMtime = mtime
	rec.Mtime = mtime

	return g.UpdateEntity(rec)
}

// RemoveObservation releases text if it matches either observation slot,
// compacting obs1 into obs0 if obs0 was removed. Reports whether a removal
// occurred.
func (g *Graph) RemoveObservation(offset uint64, text string, mtime uint64) (bool, error) {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return false, err
	}

	matchSlot := func(id uint32) (bool, error) {
		if id == 0 {
			return false, nil
		}

		stored, err := g.str.Get(uint64(id))
		if err != nil {
			return false, err
		}

		return string(stored) == text, nil
	}

	match0, err := matchSlot(rec.Obs0ID)
	if err != nil {
		return false, err
	}

	match1, err := matchSlot(rec.Obs1ID)
	if err != nil {
		return false, err
	}

	if !match0 && !match1 {
		return false, nil
	}

	if match0 {
		if err := g.str.Release(uint64(rec.Obs0ID)); err != nil {
			return false, err
		}

		rec.Obs0ID = rec.Obs1ID
		rec.Obs1ID = 0
	} else {
		if err := g.str.Release(uint64(rec.Obs1ID)); err != nil {
			return false, err
		}

		rec.Obs1ID = 0
	}

	rec.ObsCount--
	rec.ObsMtime = mtime
	rec.Mtime = mtime

	if err := g.UpdateEntity(rec); err != nil {
		return false, err
	}

	return true, nil
}

// AddEdge appends entry to offset's adjacency block, growing or allocating
// the block as needed.
func (g *Graph) AddEdge(offset uint64, entry AdjEntry) error {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return err
	}

	if rec.AdjOffset == 0 {
		adjOff, err := g.allocAdjBlock(initialAdjCapacity)
		if err != nil {
			return err
		}

		rec.AdjOffset = adjOff
		if err := g.UpdateEntity(rec); err != nil {
			return err
		}
	}

	b, err := g.adjBlock(rec.AdjOffset)
	if err != nil {
		return err
	}

	count, capacity := readAdjHeader(b)

	if count == capacity {
		newOff, err := g.growAdjBlock(rec.AdjOffset, count, capacity)
		if err != nil {
			return err
		}

		rec, err = g.ReadEntity(offset)
		if err != nil {
			return err
		}

		rec.AdjOffset = newOff
		if err := g.UpdateEntity(rec); err != nil {
			return err
		}

		b, err = g.adjBlock(rec.AdjOffset)
		if err != nil {
			return err
		}

		count, capacity = readAdjHeader(b)
	}

	entryOff := adjEntryOffset(count)
	encodeAdjEntry(b[entryOff:entryOff+adjEntrySize], entry)
	writeAdjHeader(b, count+1, capacity)

	return nil
}

func (g *Graph) allocAdjBlock(capacity uint32) (uint64, error) {
	size := uint64(adjHeaderSize) + uint64(capacity)*adjEntrySize

	off, err := g.a.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("graph: alloc adjacency block: %w", err)
	}

	if off == 0 {
		return 0, fmt.Errorf("graph: alloc adjacency block: %w", kgerr.ErrOOM)
	}

	b, err := g.a.Bytes(off, size)
	if err != nil {
		return 0, err
	}

	writeAdjHeader(b, 0, capacity)

	return off, nil
}

func (g *Graph) adjBlock(off uint64) ([]byte, error) {
	hdr, err := g.a.Bytes(off, adjHeaderSize)
	if err != nil {
		return nil, err
	}

	_, capacity := readAdjHeader(hdr)

	return g.a.Bytes(off, uint64(adjHeaderSize)+uint64(capacity)*adjEntrySize)
}

// growAdjBlock doubles capacity, copies existing entries into a freshly
// allocated block, and frees the old one. Returns the new block's offset.
func (g *Graph) growAdjBlock(oldOff uint64, count, capacity uint32) (uint64, error) {
	old, err := g.a.Bytes(oldOff, uint64(adjHeaderSize)+uint64(capacity)*adjEntrySize)
	if err != nil {
		return 0, err
	}

	saved := make([]byte, count*adjEntrySize)
	copy(saved, old[adjHeaderSize:adjHeaderSize+uint64(count)*adjEntrySize])

	newCap := capacity * 2

	newOff, err := g.allocAdjBlock(newCap)
	if err != nil {
		return 0, err
	}

	newBlock, err := g.a.Bytes(newOff, uint64(adjHeaderSize)+uint64(newCap)*adjEntrySize)
	if err != nil {
		return 0, err
	}

	copy(newBlock[adjHeaderSize:], saved)
	writeAdjHeader(newBlock, count, newCap)

	if err := g.a.Free(oldOff); err != nil {
		return 0, fmt.Errorf("graph: free old adjacency block: %w", err)
	}

	return newOff, nil
}

// RemoveEdge scans offset's adjacency block for an entry matching
// (targetOffset, relTypeID, direction), swap-removing it. Reports whether a
// removal occurred.
func (g *Graph) RemoveEdge(offset, targetOffset uint64, relTypeID uint32, direction uint8) (bool, error) {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return false, err
	}

	if rec.AdjOffset == 0 {
		return false, nil
	}

	b, err := g.adjBlock(rec.AdjOffset)
	if err != nil {
		return false, err
	}

	count, capacity := readAdjHeader(b)

	for i := uint32(0); i < count; i++ {
		eo := adjEntryOffset(i)
		e := decodeAdjEntry(b[eo : eo+adjEntrySize])

		if e.Target == targetOffset && e.RelTypeID == relTypeID && e.Dir == direction {
			lastOff := adjEntryOffset(count - 1)
			copy(b[eo:eo+adjEntrySize], b[lastOff:lastOff+adjEntrySize])
			writeAdjHeader(b, count-1, capacity)

			return true, nil
		}
	}

	return false, nil
}

// GetEdges returns a copy of offset's adjacency entries.
func (g *Graph) GetEdges(offset uint64) ([]AdjEntry, error) {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return nil, err
	}

	if rec.AdjOffset == 0 {
		return nil, nil
	}

	b, err := g.adjBlock(rec.AdjOffset)
	if err != nil {
		return nil, err
	}

	count, _ := readAdjHeader(b)

	out := make([]AdjEntry, count)
	for i := uint32(0); i < count; i++ {
		eo := adjEntryOffset(i)
		out[i] = decodeAdjEntry(b[eo : eo+adjEntrySize])
	}

	return out, nil
}

func (g *Graph) nodeLog() ([]byte, uint64, error) {
	nodeLogOffset, _, _, err := g.header()
	if err != nil {
		return nil, 0, err
	}

	hdr, err := g.a.Bytes(nodeLogOffset, logHeaderSize)
	if err != nil {
		return nil, 0, err
	}

	_, capacity := readLogHeader(hdr)

	b, err := g.a.Bytes(nodeLogOffset, uint64(logHeaderSize)+uint64(capacity)*logEntrySize)

	return b, nodeLogOffset, err
}

// NodeLogAppend appends offset to the node log, growing it (doubling
// capacity) if full.
func (g *Graph) NodeLogAppend(offset uint64) error {
	b, logOff, err := g.nodeLog()
	if err != nil {
		return err
	}

	count, capacity := readLogHeader(b)

	if count == capacity {
		newOff, err := g.growNodeLog(logOff, count, capacity)
		if err != nil {
			return err
		}

		logOff = newOff

		b, err = g.a.Bytes(logOff, uint64(logHeaderSize)+uint64(capacity*2)*logEntrySize)
		if err != nil {
			return err
		}

		count, capacity = readLogHeader(b)

		_, structuralTotal, walkerTotal, err := g.header()
		if err != nil {
			return err
		}

		if err := g.setHeader(logOff, structuralTotal, walkerTotal); err != nil {
			return err
		}
	}

	entryOff := logEntryOffset(count)
	writeLogEntry(b, entryOff, offset)
	writeLogHeader(b, count+1, capacity)

	return nil
}

func writeLogEntry(b []byte, entryOff, offset uint64) {
	putUint64(b, entryOff, offset)
}

func (g *Graph) growNodeLog(oldOff uint64, count, capacity uint32) (uint64, error) {
	old, err := g.a.Bytes(oldOff, uint64(logHeaderSize)+uint64(capacity)*logEntrySize)
	if err != nil {
		return 0, err
	}

	saved := make([]byte, uint64(count)*logEntrySize)
	copy(saved, old[logHeaderSize:logHeaderSize+uint64(count)*logEntrySize])

	newCap := capacity * 2
	newOff, err := g.allocNodeLog(newCap)
	if err != nil {
		return 0, err
	}

	newLog, err := g.a.Bytes(newOff, uint64(logHeaderSize)+uint64(newCap)*logEntrySize)
	if err != nil {
		return 0, err
	}

	copy(newLog[logHeaderSize:], saved)
	writeLogHeader(newLog, count, newCap)

	if err := g.a.Free(oldOff); err != nil {
		return 0, fmt.Errorf("graph: free old node log: %w", err)
	}

	return newOff, nil
}

// NodeLogRemove swap-removes offset from the node log. O(n) scan.
func (g *Graph) NodeLogRemove(offset uint64) error {
	b, _, err := g.nodeLog()
	if err != nil {
		return err
	}

	count, capacity := readLogHeader(b)

	for i := uint32(0); i < count; i++ {
		eo := logEntryOffset(i)
		if readUint64(b, eo) == offset {
			lastOff := logEntryOffset(count - 1)
			writeLogEntry(b, eo, readUint64(b, lastOff))
			writeLogHeader(b, count-1, capacity)

			return nil
		}
	}

	return fmt.Errorf("graph: node log remove %d: %w", offset, kgerr.ErrNotFound)
}

// GetAllEntityOffsets returns a snapshot of the node log.
func (g *Graph) GetAllEntityOffsets() ([]uint64, error) {
	b, _, err := g.nodeLog()
	if err != nil {
		return nil, err
	}

	count, _ := readLogHeader(b)

	out := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		out[i] = readUint64(b, logEntryOffset(i))
	}

	return out, nil
}

// GetEntityCount returns the node log's count field.
func (g *Graph) GetEntityCount() (uint32, error) {
	b, _, err := g.nodeLog()
	if err != nil {
		return 0, err
	}

	count, _ := readLogHeader(b)

	return count, nil
}

// IncrementStructuralVisit bumps offset's structural counter and the global
// structural total.
func (g *Graph) IncrementStructuralVisit(offset uint64) error {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return err
	}

	rec.StructuralVisits++
	if err := g.UpdateEntity(rec); err != nil {
		return err
	}

	nodeLogOffset, structuralTotal, walkerTotal, err := g.header()
	if err != nil {
		return err
	}

	return g.setHeader(nodeLogOffset, structuralTotal+1, walkerTotal)
}

// IncrementWalkerVisit bumps offset's walker counter and the global walker
// total.
func (g *Graph) IncrementWalkerVisit(offset uint64) error {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return err
	}

	rec.WalkerVisits++
	if err := g.UpdateEntity(rec); err != nil {
		return err
	}

	nodeLogOffset, structuralTotal, walkerTotal, err := g.header()
	if err != nil {
		return err
	}

	return g.setHeader(nodeLogOffset, structuralTotal, walkerTotal+1)
}

// GetStructuralRank returns entity_counter/global_counter, or 0 when the
// global counter is zero.
func (g *Graph) GetStructuralRank(offset uint64) (float64, error) {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return 0, err
	}

	_, structuralTotal, _, err := g.header()
	if err != nil {
		return 0, err
	}

	if structuralTotal == 0 {
		return 0, nil
	}

	return float64(rec.StructuralVisits) / float64(structuralTotal), nil
}

// GetWalkerRank returns entity_counter/global_counter, or 0 when the global
// counter is zero.
func (g *Graph) GetWalkerRank(offset uint64) (float64, error) {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return 0, err
	}

	_, _, walkerTotal, err := g.header()
	if err != nil {
		return 0, err
	}

	if walkerTotal == 0 {
		return 0, nil
	}

	return float64(rec.WalkerVisits) / float64(walkerTotal), nil
}

// SetPsi writes v into offset's psi field.
func (g *Graph) SetPsi(offset uint64, v float64) error {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return err
	}

	rec.Psi = v

	return g.UpdateEntity(rec)
}

// GetPsi returns offset's psi field.
func (g *Graph) GetPsi(offset uint64) (float64, error) {
	rec, err := g.ReadEntity(offset)
	if err != nil {
		return 0, err
	}

	return rec.Psi, nil
}

// LockShared acquires a blocking shared advisory lock on the graph file.
func (g *Graph) LockShared() error { return g.a.LockShared() }

// LockExclusive acquires a blocking exclusive advisory lock on the graph
// file.
func (g *Graph) LockExclusive() error { return g.a.LockExclusive() }

// Unlock releases the most recently acquired lock.
func (g *Graph) Unlock() error { return g.a.Unlock() }

// Sync flushes the graph file to stable storage.
func (g *Graph) Sync() error { return g.a.Sync() }

// Refresh re-maps the file if another process has grown it.
func (g *Graph) Refresh() error { return g.a.Refresh() }

// Close releases the graph file's resources. It does not close the shared
// string table.
func (g *Graph) Close() error { return g.a.Close() }
