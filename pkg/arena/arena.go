// Package arena implements the memory-mapped bump+free-list allocator that
// backs the string table and the graph file.
//
// Grounded on the mmap open/grow/remap sequencing of the teacher's
// pkg/slotcache (syscall.Open/Fstat/Mmap/Ftruncate, magic+version header
// validation) generalized from a single fixed-layout cache file into a
// general-purpose byte-addressable allocator, plus pkg/fs.Locker for the
// advisory whole-file locking §4.1 and §5 require.
package arena

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"

	"github.com/Levalicious/server-memory-sub000/pkg/fs"
	"github.com/Levalicious/server-memory-sub000/pkg/kgerr"
)

// Stats is the observable allocator state exposed by [Arena.Stats].
type Stats struct {
	FileSize     uint64
	Allocated    uint64
	FreeListHead uint64
}

// Arena is a handle to an open, memory-mapped allocator file.
//
// Arena is not internally synchronized for mutating sequences: callers that
// share an instance across goroutines must serialize themselves, and callers
// that share the underlying file across processes must hold the appropriate
// advisory lock (see [Arena.LockShared], [Arena.LockExclusive]) around any
// mutating sequence, per §5.
type Arena struct {
	mu sync.Mutex // guards data/fd/closed against concurrent Refresh/Close within one process

	path   string
	fd     int
	data   []byte // current mmap'd region
	closed bool

	locker  *fs.Locker
	curLock *fs.Lock
}

// Open opens or creates the arena file at path.
//
// If the file does not exist, it is created with at least
// header+64 bytes, rounded up from initialSize; magic/version/file_size/
// allocated are initialized and the free list starts empty. version is the
// caller-owned value (opaque to the arena) stored in the header; it is only
// used when initializing a fresh file.
//
// If the file exists, its magic is verified; a mismatch fails with
// [kgerr.ErrCorrupt].
func Open(path string, initialSize uint64, version uint32) (*Arena, error) {
	if initialSize < minFileSize {
		initialSize = minFileSize
	}

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("arena: open %s: %w", path, err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("arena: fstat %s: %w", path, err)
	}

	a := &Arena{
		path:   path,
		fd:     fd,
		locker: fs.NewLocker(fs.NewReal()),
	}

	if st.Size == 0 {
		if err := a.initFresh(initialSize, version); err != nil {
			_ = syscall.Close(fd)
			return nil, err
		}
	} else {
		if err := a.mapCurrent(uint64(st.Size)); err != nil {
			_ = syscall.Close(fd)
			return nil, err
		}

		if readMagic(a.data) != magic {
			_ = a.Close()
			return nil, fmt.Errorf("arena: %s: %w", path, kgerr.ErrCorrupt)
		}
	}

	return a, nil
}

func (a *Arena) initFresh(initialSize uint64, version uint32) error {
	size := roundUp8(initialSize)

	if err := syscall.Ftruncate(a.fd, int64(size)); err != nil {
		return fmt.Errorf("arena: truncate %s: %w", a.path, err)
	}

	if err := a.mapCurrent(size); err != nil {
		return err
	}

	writeMagicVersion(a.data, version)
	writeFileSize(a.data, size)
	writeAllocated(a.data, headerSize)
	writeFreeListHead(a.data, 0)

	return a.sync()
}

func (a *Arena) mapCurrent(size uint64) error {
	if size > uint64(^uint(0)>>1) {
		return fmt.Errorf("arena: %s: file size %d not representable: %w", a.path, size, kgerr.ErrRange)
	}

	data, err := syscall.Mmap(a.fd, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("arena: mmap %s: %w", a.path, err)
	}

	if a.data != nil {
		_ = syscall.Munmap(a.data)
	}

	a.data = data

	return nil
}

// Version returns the caller-owned version field from the header.
func (a *Arena) Version() uint32 {
	return binary.LittleEndian.Uint32(a.data[offVersion:])
}

// SetVersion overwrites the caller-owned version field. Used by the graph
// layer's migration path.
func (a *Arena) SetVersion(v uint32) {
	binary.LittleEndian.PutUint32(a.data[offVersion:], v)
}

// Stats returns the observable allocator state.
func (a *Arena) Stats() Stats {
	version, fileSize, allocated, freeListHead := readHeader(a.data)
	_ = version

	return Stats{FileSize: fileSize, Allocated: allocated, FreeListHead: freeListHead}
}

// Read copies len(dst) bytes starting at offset into dst.
func (a *Arena) Read(offset uint64, dst []byte) error {
	_, fileSize, _, _ := readHeader(a.data)
	if offset+uint64(len(dst)) > fileSize {
		return fmt.Errorf("arena: read [%d,%d) past file_size %d: %w", offset, offset+uint64(len(dst)), fileSize, kgerr.ErrRange)
	}

	copy(dst, a.data[offset:offset+uint64(len(dst))])

	return nil
}

// Write copies src into the file starting at offset.
func (a *Arena) Write(offset uint64, src []byte) error {
	_, fileSize, _, _ := readHeader(a.data)
	if offset+uint64(len(src)) > fileSize {
		return fmt.Errorf("arena: write [%d,%d) past file_size %d: %w", offset, offset+uint64(len(src)), fileSize, kgerr.ErrRange)
	}

	copy(a.data[offset:offset+uint64(len(src))], src)

	return nil
}

// Bytes returns a direct slice into the current mapping for [offset,
// offset+n). The slice is only valid until the next call that may grow the
// arena (Alloc can trigger growth); callers must not retain it across such
// calls, per §9 "growable mmap addresses may move".
func (a *Arena) Bytes(offset, n uint64) ([]byte, error) {
	_, fileSize, _, _ := readHeader(a.data)
	if offset+n > fileSize {
		return nil, fmt.Errorf("arena: range [%d,%d) past file_size %d: %w", offset, offset+n, fileSize, kgerr.ErrRange)
	}

	return a.data[offset : offset+n], nil
}

// Alloc returns the offset of a region whose usable size is >= size, or 0 on
// OOM.
func (a *Arena) Alloc(size uint64) (uint64, error) {
	total := roundUp8(size + allocHeaderSize)

	if off, ok, err := a.allocFromFreeList(total); err != nil {
		return 0, err
	} else if ok {
		return off, nil
	}

	return a.bumpAlloc(total)
}

// allocFromFreeList performs a first-fit scan of the free list. On a match,
// it either splits the block (remainder >= minSplitRemainder) or consumes it
// whole.
func (a *Arena) allocFromFreeList(total uint64) (uint64, bool, error) {
	_, _, _, head := readHeader(a.data)

	var prev uint64 = 0 // blockStart of previous node, 0 = none (list head)

	cur := head

	for cur != 0 {
		size := binary.LittleEndian.Uint64(a.data[cur:])
		next := binary.LittleEndian.Uint64(a.data[cur+8:])

		if size >= total {
			remainder := size - total

			if remainder >= minSplitRemainder {
				// Split: keep [cur, cur+total) for the caller, leave
				// [cur+total, cur+size) on the free list in next's place.
				newFree := cur + total
				binary.LittleEndian.PutUint64(a.data[newFree:], remainder)
				binary.LittleEndian.PutUint64(a.data[newFree+8:], next)
				a.relinkFreeList(prev, newFree)
				binary.LittleEndian.PutUint64(a.data[cur:], total)
			} else {
				// Consume whole block.
				a.relinkFreeList(prev, next)
			}

			return cur + allocHeaderSize, true, nil
		}

		prev = cur
		cur = next
	}

	return 0, false, nil
}

// relinkFreeList splices replacement into the free list in place of the node
// whose predecessor is prev (prev == 0 means the removed node was the head).
func (a *Arena) relinkFreeList(prev, replacement uint64) {
	if prev == 0 {
		writeFreeListHead(a.data, replacement)
	} else {
		binary.LittleEndian.PutUint64(a.data[prev+8:], replacement)
	}
}

func (a *Arena) bumpAlloc(total uint64) (uint64, error) {
	_, fileSize, allocated, _ := readHeader(a.data)

	if allocated+total > fileSize {
		newSize := maxU64(2*fileSize, allocated+total+4096)
		if err := a.grow(newSize); err != nil {
			return 0, nil //nolint:nilerr // OOM is signalled by offset 0, not an error, per §4.1
		}

		_, fileSize, allocated, _ = readHeader(a.data)
		_ = fileSize
	}

	blockStart := allocated
	binary.LittleEndian.PutUint64(a.data[blockStart:], total)
	writeAllocated(a.data, allocated+total)

	return blockStart + allocHeaderSize, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}

// grow truncates the backing file to newSize and remaps it.
func (a *Arena) grow(newSize uint64) error {
	if err := syscall.Ftruncate(a.fd, int64(newSize)); err != nil {
		return fmt.Errorf("arena: grow %s to %d: %w", a.path, newSize, err)
	}

	if err := a.mapCurrent(newSize); err != nil {
		return err
	}

	writeFileSize(a.data, newSize)

	return nil
}

// Free prepends the block at offset to the free list. Constant time, no
// coalescing.
func (a *Arena) Free(offset uint64) error {
	if offset < headerSize+allocHeaderSize {
		return fmt.Errorf("arena: free invalid offset %d: %w", offset, kgerr.ErrInvalidInput)
	}

	blockStart := offset - allocHeaderSize
	size := binary.LittleEndian.Uint64(a.data[blockStart:])

	_, _, _, head := readHeader(a.data)
	binary.LittleEndian.PutUint64(a.data[blockStart:], size)
	binary.LittleEndian.PutUint64(a.data[blockStart+8:], head)
	writeFreeListHead(a.data, blockStart)

	return nil
}

type freeBlock struct {
	start, size uint64
}

// Coalesce sorts the free list by offset (insertion sort; free lists are
// expected to stay small) and merges adjacent blocks, rebuilding the list in
// offset order. Idempotent.
func (a *Arena) Coalesce() error {
	_, _, _, head := readHeader(a.data)

	var blocks []freeBlock

	for cur := head; cur != 0; {
		size := binary.LittleEndian.Uint64(a.data[cur:])
		next := binary.LittleEndian.Uint64(a.data[cur+8:])
		blocks = append(blocks, freeBlock{start: cur, size: size})
		cur = next
	}

	// Insertion sort by start offset.
	for i := 1; i < len(blocks); i++ {
		j := i
		for j > 0 && blocks[j-1].start > blocks[j].start {
			blocks[j-1], blocks[j] = blocks[j], blocks[j-1]
			j--
		}
	}

	merged := blocks[:0]
	for _, b := range blocks {
		if n := len(merged); n > 0 && merged[n-1].start+merged[n-1].size == b.start {
			merged[n-1].size += b.size
		} else {
			merged = append(merged, b)
		}
	}

	var newHead uint64

	for i := len(merged) - 1; i >= 0; i-- {
		b := merged[i]
		binary.LittleEndian.PutUint64(a.data[b.start:], b.size)
		binary.LittleEndian.PutUint64(a.data[b.start+8:], newHead)
		newHead = b.start
	}

	writeFreeListHead(a.data, newHead)

	return nil
}

// LockShared acquires a blocking shared advisory lock on the arena file.
func (a *Arena) LockShared() error {
	return a.lock(false)
}

// LockExclusive acquires a blocking exclusive advisory lock on the arena
// file.
func (a *Arena) LockExclusive() error {
	return a.lock(true)
}

func (a *Arena) lock(exclusive bool) error {
	var (
		lk  *fs.Lock
		err error
	)

	if exclusive {
		lk, err = a.locker.Lock(a.path)
	} else {
		lk, err = a.locker.RLock(a.path)
	}

	if err != nil {
		return fmt.Errorf("arena: lock %s: %w", a.path, errOrLockKind(err))
	}

	a.curLock = lk

	return nil
}

func errOrLockKind(err error) error {
	return fmt.Errorf("%w: %w", kgerr.ErrLock, err)
}

// Unlock releases the lock held by the most recent LockShared/LockExclusive
// call.
func (a *Arena) Unlock() error {
	if a.curLock == nil {
		return nil
	}

	lk := a.curLock
	a.curLock = nil

	if err := lk.Close(); err != nil {
		return fmt.Errorf("arena: unlock %s: %w", a.path, err)
	}

	return nil
}

// Sync flushes the mapping and the underlying file to stable storage.
func (a *Arena) Sync() error {
	return a.sync()
}

func (a *Arena) sync() error {
	if err := msync(a.data); err != nil {
		return fmt.Errorf("arena: msync %s: %w", a.path, err)
	}

	if err := syscall.Fsync(a.fd); err != nil {
		return fmt.Errorf("arena: fsync %s: %w", a.path, err)
	}

	return nil
}

// Refresh re-maps the file if another process has grown it since the last
// mapping.
func (a *Arena) Refresh() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var st syscall.Stat_t
	if err := syscall.Fstat(a.fd, &st); err != nil {
		return fmt.Errorf("arena: fstat %s: %w", a.path, err)
	}

	if uint64(st.Size) > uint64(len(a.data)) {
		if err := a.mapCurrent(uint64(st.Size)); err != nil {
			return err
		}
	}

	return nil
}

// Close unmaps and closes the underlying file. Idempotent.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	a.closed = true

	var errs []error

	if a.curLock != nil {
		if err := a.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.data != nil {
		if err := syscall.Munmap(a.data); err != nil {
			errs = append(errs, err)
		}

		a.data = nil
	}

	if err := syscall.Close(a.fd); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("arena: close %s: %v", a.path, errs)
	}

	return nil
}

// Path returns the arena's backing file path.
func (a *Arena) Path() string { return a.path }
