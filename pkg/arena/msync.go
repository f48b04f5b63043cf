package arena

import (
	"syscall"
	"unsafe"
)

// msync flushes dirty pages of the mapping back to the backing file
// synchronously, ahead of the fsync in [Arena.Sync].
func msync(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), syscall.MS_SYNC)
	if errno != 0 {
		return errno
	}

	return nil
}
