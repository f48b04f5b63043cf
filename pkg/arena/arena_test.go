package arena

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Levalicious/server-memory-sub000/pkg/kgerr"
)

func openTemp(t *testing.T) *Arena {
	t.Helper()

	path := filepath.Join(t.TempDir(), "arena.bin")

	a, err := Open(path, 0, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestOpen_CreatesFreshFileWithMinimumSize(t *testing.T) {
	a := openTemp(t)

	st := a.Stats()
	if st.FileSize < minFileSize {
		t.Fatalf("FileSize=%d, want >= %d", st.FileSize, minFileSize)
	}

	if st.Allocated != headerSize {
		t.Fatalf("Allocated=%d, want %d", st.Allocated, headerSize)
	}

	if st.FreeListHead != 0 {
		t.Fatalf("FreeListHead=%d, want 0", st.FreeListHead)
	}

	if a.Version() != 1 {
		t.Fatalf("Version()=%d, want 1", a.Version())
	}
}

func TestOpen_RejectsCorruptMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")

	a, err := Open(path, 0, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the magic bytes directly.
	raw, err := Open(path, 0, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	writeMagicVersion(raw.data, 1)
	raw.data[0] = 0 // break magic
	_ = raw.sync()
	_ = raw.Close()

	_, err = Open(path, 0, 1)
	if !errors.Is(err, kgerr.ErrCorrupt) {
		t.Fatalf("err=%v, want ErrCorrupt", err)
	}
}

func TestAllocWriteRead_RoundTrips(t *testing.T) {
	a := openTemp(t)

	off, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if off == 0 {
		t.Fatalf("Alloc returned 0 (OOM)")
	}

	want := []byte("0123456789abcdef")
	if err := a.Write(off, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 16)
	if err := a.Read(off, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("got=%q, want=%q", got, want)
	}
}

func TestAlloc_DistinctRegionsDoNotOverlap(t *testing.T) {
	a := openTemp(t)

	off1, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}

	off2, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}

	if off1 == off2 {
		t.Fatalf("two allocations returned the same offset %d", off1)
	}

	if err := a.Write(off1, bytes.Repeat([]byte{0xAA}, 32)); err != nil {
		t.Fatalf("Write 1: %v", err)
	}

	if err := a.Write(off2, bytes.Repeat([]byte{0xBB}, 32)); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	got1 := make([]byte, 32)
	_ = a.Read(off1, got1)

	if !bytes.Equal(got1, bytes.Repeat([]byte{0xAA}, 32)) {
		t.Fatalf("region 1 corrupted by region 2's write")
	}
}

func TestFree_ReturnsBlockToFreeList(t *testing.T) {
	a := openTemp(t)

	off, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.Free(off); err != nil {
		t.Fatalf("Free: %v", err)
	}

	st := a.Stats()
	if st.FreeListHead == 0 {
		t.Fatalf("FreeListHead still 0 after Free")
	}
}

func TestAlloc_ReusesFreedBlockBeforeGrowing(t *testing.T) {
	a := openTemp(t)

	off, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	beforeFree := a.Stats()

	if err := a.Free(off); err != nil {
		t.Fatalf("Free: %v", err)
	}

	off2, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}

	after := a.Stats()

	if after.Allocated != beforeFree.Allocated {
		t.Fatalf("Allocated bumped (%d -> %d) when a free block should have been reused", beforeFree.Allocated, after.Allocated)
	}

	if off2 != off {
		t.Fatalf("off2=%d, want reused offset %d", off2, off)
	}
}

func TestAlloc_SplitsOversizedFreeBlock(t *testing.T) {
	a := openTemp(t)

	big, err := a.Alloc(256)
	if err != nil {
		t.Fatalf("Alloc big: %v", err)
	}

	if err := a.Free(big); err != nil {
		t.Fatalf("Free: %v", err)
	}

	small, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc small: %v", err)
	}

	if small != big {
		t.Fatalf("small alloc did not reuse the freed block's start")
	}

	st := a.Stats()
	if st.FreeListHead == 0 {
		t.Fatalf("expected a remainder block to be back on the free list")
	}
}

func TestAlloc_GrowsFileWhenNoFreeBlockFits(t *testing.T) {
	a := openTemp(t)

	before := a.Stats()

	// Allocate past the initial file size to force growth.
	for range 64 {
		if _, err := a.Alloc(256); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}

	after := a.Stats()
	if after.FileSize <= before.FileSize {
		t.Fatalf("FileSize did not grow: before=%d after=%d", before.FileSize, after.FileSize)
	}
}

func TestCoalesce_MergesAdjacentFreeBlocks(t *testing.T) {
	a := openTemp(t)

	offA, _ := a.Alloc(32)
	offB, _ := a.Alloc(32)
	offC, _ := a.Alloc(32)

	if err := a.Free(offA); err != nil {
		t.Fatalf("Free A: %v", err)
	}

	if err := a.Free(offB); err != nil {
		t.Fatalf("Free B: %v", err)
	}

	if err := a.Free(offC); err != nil {
		t.Fatalf("Free C: %v", err)
	}

	if err := a.Coalesce(); err != nil {
		t.Fatalf("Coalesce: %v", err)
	}

	// After merging three adjacent 40-byte blocks (32+8 header, rounded to
	// 8), a single allocation large enough to need all three should now
	// succeed by reusing the merged block instead of growing the file.
	before := a.Stats()

	big, err := a.Alloc(96)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if big == 0 {
		t.Fatalf("Alloc returned 0")
	}

	after := a.Stats()
	if after.Allocated != before.Allocated {
		t.Fatalf("coalesced block was not reused: Allocated grew from %d to %d", before.Allocated, after.Allocated)
	}
}

func TestReadWrite_RejectOutOfRangeOffsets(t *testing.T) {
	a := openTemp(t)

	st := a.Stats()

	err := a.Read(st.FileSize, make([]byte, 8))
	if !errors.Is(err, kgerr.ErrRange) {
		t.Fatalf("Read past file_size: err=%v, want ErrRange", err)
	}

	err = a.Write(st.FileSize, make([]byte, 8))
	if !errors.Is(err, kgerr.ErrRange) {
		t.Fatalf("Write past file_size: err=%v, want ErrRange", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a := openTemp(t)

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLockExclusive_ThenUnlock(t *testing.T) {
	a := openTemp(t)

	if err := a.LockExclusive(); err != nil {
		t.Fatalf("LockExclusive: %v", err)
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestReopen_PreservesAllocatedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")

	a, err := Open(path, 0, 7)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	off, err := a.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.Write(off, []byte("deadbeef")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a2, err := Open(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a2.Close()

	if a2.Version() != 7 {
		t.Fatalf("Version()=%d, want 7 (preserved from first Open)", a2.Version())
	}

	got := make([]byte, 8)
	if err := a2.Read(off, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(got) != "deadbeef" {
		t.Fatalf("got=%q, want %q", got, "deadbeef")
	}
}
