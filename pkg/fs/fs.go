// Package fs provides the small filesystem surface [Locker] needs to take
// an advisory lock on the arena file: open it, create its parent directory
// on first use, and stat it to detect inode replacement.
package fs

import (
	"os"
)

// File is an open file descriptor, as needed by [Locker]: enough to flock
// its fd, stat it, and close it again. Satisfied by [os.File].
type File interface {
	// Fd returns the file descriptor, used for [syscall.Flock].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Close closes the file. See [os.File.Close].
	Close() error
}

// FS is the dependency [Locker] is built against, so its tests can swap in
// a fake without touching the real filesystem. [Real] is the only
// production implementation.
type FS interface {
	// OpenFile opens a file with the given flags and permissions. See
	// [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat]. Used to compare (dev, ino) of
	// the path against an already-open lock file descriptor.
	Stat(path string) (os.FileInfo, error)
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
