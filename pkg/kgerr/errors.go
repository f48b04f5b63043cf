// Package kgerr defines the sentinel error taxonomy shared by the arena,
// string table, and graph file layers.
//
// Callers classify errors with [errors.Is]; implementations wrap these
// sentinels with [fmt.Errorf] and "%w" to attach operation context without
// losing classification.
package kgerr

import "errors"

var (
	// ErrCorrupt indicates a file magic mismatch, an impossible header value,
	// or an offset out of bounds. Raised only at open time; terminal.
	ErrCorrupt = errors.New("kgraph: corrupt")

	// ErrUnsupportedVersion indicates the graph file's version field is
	// outside {1, 2} at open. Raised only at open time; terminal.
	ErrUnsupportedVersion = errors.New("kgraph: unsupported version")

	// ErrOOM indicates the arena refused to grow, or an internal allocation
	// (hash-index rehash, new adjacency block) returned offset 0.
	ErrOOM = errors.New("kgraph: out of memory")

	// ErrRange indicates a read or write would cross file_size.
	ErrRange = errors.New("kgraph: offset out of range")

	// ErrLock indicates advisory-lock acquisition failed at the OS level.
	ErrLock = errors.New("kgraph: lock failed")

	// ErrObsFull indicates an attempt to add a third observation to an
	// entity that already holds two.
	ErrObsFull = errors.New("kgraph: observation slots full")

	// ErrStringTooLong indicates an interned string exceeds 65535 bytes.
	ErrStringTooLong = errors.New("kgraph: string exceeds 65535 bytes")

	// ErrNotFound indicates a lookup (entity offset, string id) did not
	// resolve to a live record, letting callers distinguish "absent" from
	// other failures.
	ErrNotFound = errors.New("kgraph: not found")

	// ErrClosed indicates an operation on a handle that has been closed.
	ErrClosed = errors.New("kgraph: closed")

	// ErrInvalidInput indicates a caller supplied an invalid argument
	// (a zero offset, a negative capacity, a direction outside
	// {forward, backward}, ...).
	ErrInvalidInput = errors.New("kgraph: invalid input")
)
