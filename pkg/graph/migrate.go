package graph

import (
	"fmt"
	"os"

	"github.com/Levalicious/server-memory-sub000/pkg/arena"
)

// migrateV1ToV2 rebuilds the v1 graph file at path into the v2 layout in
// place: the original file is renamed to a ".v1" backup, a fresh v2 arena is
// created at path, every v1 entity is re-allocated in the 72-byte v2 shape
// (psi defaults to 0) while recording an old-offset to new-offset map, and
// every edge is reinserted through that map, dropping any edge whose target
// no longer exists (a dangling pointer left by a v1 delete that did not
// clean up an inbound edge).
//
// g.a is replaced in place with the freshly built v2 arena; g.str is
// preserved (migration touches only the graph file, never the string table).
func migrateV1ToV2(path string, g *Graph) error {
	oldArena := g.a

	entities, edges, structuralTotal, walkerTotal, err := readV1(oldArena)
	if err != nil {
		_ = oldArena.Close()
		return err
	}

	if err := oldArena.Close(); err != nil {
		return fmt.Errorf("graph: migrate: close v1 arena: %w", err)
	}

	backupPath := path + ".v1"
	if err := os.Rename(path, backupPath); err != nil {
		return fmt.Errorf("graph: migrate: backup v1 file: %w", err)
	}

	newArena, err := arena.Open(path, 0, versionV2)
	if err != nil {
		return fmt.Errorf("graph: migrate: create v2 arena: %w", err)
	}

	g.a = newArena

	if err := g.initFresh(); err != nil {
		return fmt.Errorf("graph: migrate: init v2 header: %w", err)
	}

	offsetMap := make(map[uint64]uint64, len(entities))

	for _, e := range entities {
		newOff, err := g.a.Alloc(entityRecordSizeV2)
		if err != nil {
			return fmt.Errorf("graph: migrate: alloc entity: %w", err)
		}

		e.Offset = newOff
		e.AdjOffset = 0
		e.Psi = 0

		b, err := g.record(newOff)
		if err != nil {
			return err
		}

		encodeRecordV2(b, e.Record)

		offsetMap[e.oldOffset] = newOff

		if err := g.NodeLogAppend(newOff); err != nil {
			return err
		}
	}

	for oldOffset, entryList := range edges {
		newOffset, ok := offsetMap[oldOffset]
		if !ok {
			continue
		}

		for _, e := range entryList {
			newTarget, ok := offsetMap[e.Target]
			if !ok {
				// Dangling edge: its target was removed in v1 without the
				// corresponding inbound edge being cleaned up. Drop it.
				continue
			}

			e.Target = newTarget

			if err := g.AddEdge(newOffset, e); err != nil {
				return err
			}
		}
	}

	nodeLogOffset, _, _, err := g.header()
	if err != nil {
		return err
	}

	if err := g.setHeader(nodeLogOffset, structuralTotal, walkerTotal); err != nil {
		return err
	}

	return g.a.Sync()
}

// v1Record augments Record with the original (pre-migration) offset, used
// as the key into offsetMap.
type v1Record struct {
	Record
	oldOffset uint64
}

// readV1 walks the v1 node log, decoding every entity record (64 bytes) and
// its adjacency block (if any), and returns the global counters.
func readV1(a *arena.Arena) (entities []v1Record, edges map[uint64][]AdjEntry, structuralTotal, walkerTotal uint64, err error) {
	hdr, err := a.Bytes(graphHeaderOffset, graphHeaderSize)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	nodeLogOffset, structuralTotal, walkerTotal := readGraphHeader(hdr)

	logHdr, err := a.Bytes(nodeLogOffset, logHeaderSize)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	count, capacity := readLogHeader(logHdr)

	logBlock, err := a.Bytes(nodeLogOffset, uint64(logHeaderSize)+uint64(capacity)*logEntrySize)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	entities = make([]v1Record, 0, count)
	edges = make(map[uint64][]AdjEntry, count)

	for i := uint32(0); i < count; i++ {
		off := readUint64(logBlock, logEntryOffset(i))

		recBytes, err := a.Bytes(off, entityRecordSizeV1)
		if err != nil {
			return nil, nil, 0, 0, err
		}

		rec := decodeRecordV1(off, recBytes)

		entities = append(entities, v1Record{Record: rec, oldOffset: off})

		if rec.AdjOffset == 0 {
			continue
		}

		adjHdr, err := a.Bytes(rec.AdjOffset, adjHeaderSize)
		if err != nil {
			return nil, nil, 0, 0, err
		}

		adjCount, adjCapacity := readAdjHeader(adjHdr)

		adjBlock, err := a.Bytes(rec.AdjOffset, uint64(adjHeaderSize)+uint64(adjCapacity)*adjEntrySize)
		if err != nil {
			return nil, nil, 0, 0, err
		}

		entries := make([]AdjEntry, adjCount)
		for j := uint32(0); j < adjCount; j++ {
			eo := adjEntryOffset(j)
			entries[j] = decodeAdjEntry(adjBlock[eo : eo+adjEntrySize])
		}

		edges[off] = entries
	}

	return entities, edges, structuralTotal, walkerTotal, nil
}
