// Package strtable implements the interned, refcounted UTF-8 string table
// backed by an [arena.Arena]: FNV-1a-32-indexed open addressing with linear
// probing and Robin-Hood-style backshift deletion.
//
// Grounded on the bucket-probing shape of the teacher's pkg/slotcache bucket
// index (open-addressed slots over a fixed-capacity table, probe-until-match
// or probe-until-empty), adapted from the teacher's FNV-1a-64/tombstone
// scheme to FNV-1a-32 with backshift removal.
package strtable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Levalicious/server-memory-sub000/pkg/arena"
	"github.com/Levalicious/server-memory-sub000/pkg/kgerr"
)

// Entry is one live string-table row, as yielded by [Table.Entries].
type Entry struct {
	ID       uint64
	Text     []byte
	Refcount uint32
}

// Table is a handle to an open string table.
//
// Table is not internally synchronized; see [arena.Arena]'s doc for the
// concurrency discipline callers must follow.
type Table struct {
	a *arena.Arena
}

// Open opens or creates the string table file at path.
func Open(path string) (*Table, error) {
	a, err := arena.Open(path, 0, arenaFormatVersion)
	if err != nil {
		return nil, fmt.Errorf("strtable: open %s: %w", path, err)
	}

	t := &Table{a: a}

	// A freshly created arena has nothing allocated yet beyond its own
	// 32-byte header; that is the only state in which this table's own
	// header has not been written.
	const arenaHeaderSize = 32

	st := a.Stats()
	if st.Allocated == arenaHeaderSize && st.FreeListHead == 0 {
		if err := t.initFresh(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) initFresh() error {
	ownOff, err := t.a.Alloc(ownHeaderSize)
	if err != nil {
		return fmt.Errorf("strtable: alloc own header: %w", err)
	}

	if ownOff != ownHeaderOffset {
		return fmt.Errorf("strtable: own header landed at %d, want %d: %w", ownOff, ownHeaderOffset, kgerr.ErrCorrupt)
	}

	idxOff, err := t.allocHashIndex(initialBucketCount)
	if err != nil {
		return err
	}

	hdr, err := t.a.Bytes(ownHeaderOffset, ownHeaderSize)
	if err != nil {
		return err
	}

	writeOwnHeader(hdr, idxOff, 0)

	return t.a.Sync()
}

func (t *Table) allocHashIndex(bucketCount uint32) (uint64, error) {
	size := uint64(indexHeaderSize) + uint64(bucketCount)*slotSize

	off, err := t.a.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("strtable: alloc hash index: %w", err)
	}

	if off == 0 {
		return 0, fmt.Errorf("strtable: alloc hash index: %w", kgerr.ErrOOM)
	}

	b, err := t.a.Bytes(off, size)
	if err != nil {
		return 0, err
	}

	writeIndexHeader(b, bucketCount)

	for i := range bucketCount {
		writeSlot(b, i, 0)
	}

	return off, nil
}

func (t *Table) own() (hashIndexOffset uint64, entryCount uint32, err error) {
	b, err := t.a.Bytes(ownHeaderOffset, ownHeaderSize)
	if err != nil {
		return 0, 0, err
	}

	hashIndexOffset, entryCount = readOwnHeader(b)

	return hashIndexOffset, entryCount, nil
}

func (t *Table) setOwn(hashIndexOffset uint64, entryCount uint32) error {
	b, err := t.a.Bytes(ownHeaderOffset, ownHeaderSize)
	if err != nil {
		return err
	}

	writeOwnHeader(b, hashIndexOffset, entryCount)

	return nil
}

func (t *Table) index(idxOff uint64, bucketCount uint32) ([]byte, error) {
	return t.a.Bytes(idxOff, uint64(indexHeaderSize)+uint64(bucketCount)*slotSize)
}

func (t *Table) bucketCountAt(idxOff uint64) (uint32, error) {
	hdr, err := t.a.Bytes(idxOff, indexHeaderSize)
	if err != nil {
		return 0, err
	}

	return readIndexHeader(hdr), nil
}

func (t *Table) entryHeader(off uint64) (refcount, hash uint32, length uint16, err error) {
	b, err := t.a.Bytes(off, entryHeaderSize)
	if err != nil {
		return 0, 0, 0, err
	}

	refcount, hash, length = readEntryHeader(b)

	return refcount, hash, length, nil
}

func (t *Table) entryBytes(off uint64, length uint16) ([]byte, error) {
	return t.a.Bytes(off+entryHeaderSize, uint64(length))
}

func (t *Table) entryMatches(off uint64, hash uint32, s []byte) (bool, error) {
	_, h, length, err := t.entryHeader(off)
	if err != nil {
		return false, err
	}

	if h != hash || int(length) != len(s) {
		return false, nil
	}

	got, err := t.entryBytes(off, length)
	if err != nil {
		return false, err
	}

	return string(got) == string(s), nil
}

// Intern returns the stable id of s, creating it with refcount 1 if absent,
// or incrementing the refcount of the existing entry.
func (t *Table) Intern(s []byte) (uint64, error) {
	if len(s) > maxStringLen {
		return 0, fmt.Errorf("strtable: intern %d bytes: %w", len(s), kgerr.ErrStringTooLong)
	}

	hash := fnv1a32(s)

	idxOff, entryCount, err := t.own()
	if err != nil {
		return 0, err
	}

	bucketCount, err := t.bucketCountAt(idxOff)
	if err != nil {
		return 0, err
	}

	start := hash % bucketCount

	for i := uint32(0); i < bucketCount; i++ {
		// Re-fetched every iteration: createEntry below may grow the arena,
		// which re-mmaps it and invalidates any slice taken before the call.
		idx, err := t.index(idxOff, bucketCount)
		if err != nil {
			return 0, err
		}

		slot := (start + i) % bucketCount
		off := readSlot(idx, slot)

		if off == 0 {
			newOff, err := t.createEntry(hash, s)
			if err != nil {
				return 0, err
			}

			idx, err = t.index(idxOff, bucketCount)
			if err != nil {
				return 0, err
			}

			writeSlot(idx, slot, newOff)

			entryCount++
			if err := t.setOwn(idxOff, entryCount); err != nil {
				return 0, err
			}

			if uint64(entryCount)*loadFactorDen > uint64(bucketCount)*loadFactorNum {
				if err := t.rehash(bucketCount * 2); err != nil {
					return 0, err
				}
			}

			return newOff, nil
		}

		match, err := t.entryMatches(off, hash, s)
		if err != nil {
			return 0, err
		}

		if match {
			rc, h, length, err := t.entryHeader(off)
			if err != nil {
				return 0, err
			}

			hdr, err := t.a.Bytes(off, entryHeaderSize)
			if err != nil {
				return 0, err
			}

			writeEntryHeader(hdr, rc+1, h, length)

			return off, nil
		}
	}

	return 0, fmt.Errorf("strtable: intern: hash index full: %w", kgerr.ErrOOM)
}

func (t *Table) createEntry(hash uint32, s []byte) (uint64, error) {
	off, err := t.a.Alloc(uint64(entryHeaderSize) + uint64(len(s)))
	if err != nil {
		return 0, fmt.Errorf("strtable: alloc entry: %w", err)
	}

	if off == 0 {
		return 0, fmt.Errorf("strtable: alloc entry: %w", kgerr.ErrOOM)
	}

	b, err := t.a.Bytes(off, uint64(entryHeaderSize)+uint64(len(s)))
	if err != nil {
		return 0, err
	}

	writeEntryHeader(b, 1, hash, uint16(len(s)))
	copy(b[entryHeaderSize:], s)

	return off, nil
}

// Find returns the id of s if present.
func (t *Table) Find(s []byte) (id uint64, found bool, err error) {
	if len(s) > maxStringLen {
		return 0, false, fmt.Errorf("strtable: find %d bytes: %w", len(s), kgerr.ErrStringTooLong)
	}

	hash := fnv1a32(s)

	idxOff, _, err := t.own()
	if err != nil {
		return 0, false, err
	}

	bucketCount, err := t.bucketCountAt(idxOff)
	if err != nil {
		return 0, false, err
	}

	idx, err := t.index(idxOff, bucketCount)
	if err != nil {
		return 0, false, err
	}

	start := hash % bucketCount

	for i := uint32(0); i < bucketCount; i++ {
		slot := (start + i) % bucketCount
		off := readSlot(idx, slot)

		if off == 0 {
			return 0, false, nil
		}

		match, err := t.entryMatches(off, hash, s)
		if err != nil {
			return 0, false, err
		}

		if match {
			return off, true, nil
		}
	}

	return 0, false, nil
}

// Get returns the raw UTF-8 bytes stored at id.
func (t *Table) Get(id uint64) ([]byte, error) {
	_, _, length, err := t.entryHeader(id)
	if err != nil {
		return nil, err
	}

	b, err := t.entryBytes(id, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out, nil
}

// AddRef increments id's refcount.
func (t *Table) AddRef(id uint64) error {
	hdr, err := t.a.Bytes(id, entryHeaderSize)
	if err != nil {
		return err
	}

	rc, h, length := readEntryHeader(hdr)
	writeEntryHeader(hdr, rc+1, h, length)

	return nil
}

// Release decrements id's refcount, removing the entry from the hash index
// and freeing its storage once the refcount reaches zero.
func (t *Table) Release(id uint64) error {
	hdr, err := t.a.Bytes(id, entryHeaderSize)
	if err != nil {
		return err
	}

	rc, hash, length := readEntryHeader(hdr)

	if rc > 1 {
		writeEntryHeader(hdr, rc-1, hash, length)
		return nil
	}

	if err := t.removeFromIndex(id, hash); err != nil {
		return err
	}

	if err := t.a.Free(id); err != nil {
		return fmt.Errorf("strtable: free entry %d: %w", id, err)
	}

	idxOff, entryCount, err := t.own()
	if err != nil {
		return err
	}

	if entryCount == 0 {
		return fmt.Errorf("strtable: release: entry_count underflow: %w", kgerr.ErrCorrupt)
	}

	return t.setOwn(idxOff, entryCount-1)
}

// removeFromIndex removes the slot holding id and backshifts subsequent
// occupied slots that can move into the vacated position, per the standard
// linear-probing deletion algorithm (no tombstones).
func (t *Table) removeFromIndex(id uint64, hash uint32) error {
	idxOff, _, err := t.own()
	if err != nil {
		return err
	}

	bucketCount, err := t.bucketCountAt(idxOff)
	if err != nil {
		return err
	}

	idx, err := t.index(idxOff, bucketCount)
	if err != nil {
		return err
	}

	start := hash % bucketCount

	var i uint32 = bucketCount // sentinel: not found

	for probe := uint32(0); probe < bucketCount; probe++ {
		slot := (start + probe) % bucketCount
		if readSlot(idx, slot) == id {
			i = slot
			break
		}
	}

	if i == bucketCount {
		return errors.New("strtable: release: id not present in hash index")
	}

	writeSlot(idx, i, 0)

	j := i

	for {
		j = (j + 1) % bucketCount

		off := readSlot(idx, j)
		if off == 0 {
			return nil
		}

		_, h, _, err := t.entryHeader(off)
		if err != nil {
			return err
		}

		k := h % bucketCount

		if inCyclicRange(i, k, j) {
			continue
		}

		writeSlot(idx, i, off)
		writeSlot(idx, j, 0)
		i = j
	}
}

// inCyclicRange reports whether k lies in the cyclic half-open interval
// (i, j] modulo the table size, i.e. whether the occupied slot at j is still
// reachable by its own probe sequence without passing through the freshly
// vacated slot i, and therefore must stay put.
func inCyclicRange(i, k, j uint32) bool {
	if i <= j {
		return i < k && k <= j
	}

	return k <= j || i < k
}

// Entries yields every occupied slot. Order is unspecified.
func (t *Table) Entries() ([]Entry, error) {
	idxOff, entryCount, err := t.own()
	if err != nil {
		return nil, err
	}

	bucketCount, err := t.bucketCountAt(idxOff)
	if err != nil {
		return nil, err
	}

	idx, err := t.index(idxOff, bucketCount)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, entryCount)

	for i := uint32(0); i < bucketCount; i++ {
		off := readSlot(idx, i)
		if off == 0 {
			continue
		}

		rc, _, length, err := t.entryHeader(off)
		if err != nil {
			return nil, err
		}

		b, err := t.entryBytes(off, length)
		if err != nil {
			return nil, err
		}

		text := make([]byte, len(b))
		copy(text, b)

		out = append(out, Entry{ID: off, Text: text, Refcount: rc})
	}

	return out, nil
}

// Count returns the live entry count.
func (t *Table) Count() (uint32, error) {
	_, entryCount, err := t.own()
	return entryCount, err
}

// rehash replaces the hash index with a fresh table of newBucketCount slots,
// re-inserting every live entry, then frees the old index.
func (t *Table) rehash(newBucketCount uint32) error {
	oldIdxOff, entryCount, err := t.own()
	if err != nil {
		return err
	}

	oldBucketCount, err := t.bucketCountAt(oldIdxOff)
	if err != nil {
		return err
	}

	oldIdx := make([]byte, indexHeaderSize+uint64(oldBucketCount)*slotSize)

	src, err := t.index(oldIdxOff, oldBucketCount)
	if err != nil {
		return err
	}

	copy(oldIdx, src)

	newIdxOff, err := t.allocHashIndex(newBucketCount)
	if err != nil {
		return err
	}

	newIdx, err := t.index(newIdxOff, newBucketCount)
	if err != nil {
		return err
	}

	for i := uint32(0); i < oldBucketCount; i++ {
		off := binary.LittleEndian.Uint64(oldIdx[indexHeaderSize+uint64(i)*slotSize:])
		if off == 0 {
			continue
		}

		_, hash, _, err := t.entryHeader(off)
		if err != nil {
			return err
		}

		insertIntoIndex(newIdx, newBucketCount, hash, off)
	}

	if err := t.a.Free(oldIdxOff); err != nil {
		return fmt.Errorf("strtable: free old hash index: %w", err)
	}

	return t.setOwn(newIdxOff, entryCount)
}

func insertIntoIndex(idx []byte, bucketCount uint32, hash uint32, off uint64) {
	start := hash % bucketCount

	for i := uint32(0); i < bucketCount; i++ {
		slot := (start + i) % bucketCount
		if readSlot(idx, slot) == 0 {
			writeSlot(idx, slot, off)
			return
		}
	}
}

// LockShared acquires a blocking shared advisory lock on the table file.
func (t *Table) LockShared() error { return t.a.LockShared() }

// LockExclusive acquires a blocking exclusive advisory lock on the table file.
func (t *Table) LockExclusive() error { return t.a.LockExclusive() }

// Unlock releases the most recently acquired lock.
func (t *Table) Unlock() error { return t.a.Unlock() }

// Sync flushes the table to stable storage.
func (t *Table) Sync() error { return t.a.Sync() }

// Refresh re-maps the file if another process has grown it.
func (t *Table) Refresh() error { return t.a.Refresh() }

// Close releases the table's resources.
func (t *Table) Close() error { return t.a.Close() }
