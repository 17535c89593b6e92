// Package shmem manages POSIX shared-memory objects: creation policies,
// permission handling, mapping, and owner-tracked unlinking. It is the only
// package that talks to the shm filesystem; everything above it works on
// mapped byte slices.
package shmem

import "fmt"

// AccessMode selects the protection a mapping is established with.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

// Policy selects how an object is created or opened.
type Policy int

const (
	// Open an existing object; fail if absent.
	Open Policy = iota
	// ExclusiveCreate creates the object; fail if present.
	ExclusiveCreate
	// CreateOrOpen creates the object, falling back to a plain open as
	// non-owner when it already exists.
	CreateOrOpen
	// PurgeAndCreate unlinks any stale object first (ENOENT ignored),
	// then creates exclusively.
	PurgeAndCreate
)

func (p Policy) String() string {
	switch p {
	case Open:
		return "OPEN"
	case ExclusiveCreate:
		return "EXCLUSIVE_CREATE"
	case CreateOrOpen:
		return "CREATE_OR_OPEN"
	case PurgeAndCreate:
		return "PURGE_AND_CREATE"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// SegmentInfo describes one segment of the broker's directory as handed to
// clients at registration: the id used in packed chunk references, the shm
// object name, the mapping size, and whether the client maps it writable.
// Reader and writer group names are carried as metadata from the config.
type SegmentInfo struct {
	ID          uint16
	Name        string
	Size        uint64
	Writable    bool
	ReaderGroup string
	WriterGroup string
}
