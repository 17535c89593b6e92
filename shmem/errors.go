package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorKind classifies segment-creation failures at the domain level so
// callers never have to inspect raw errnos.
type ErrorKind int

const (
	EmptyName ErrorKind = iota
	NameWithoutLeadingSlash
	InsufficientPermissions
	NoResizeSupport
	RequestedMemoryExceedsMax
	InvalidDescriptor
	AlreadyExists
	DoesNotExist
	PathIsDirectory
	TooManySymbolicLinks
	ProcessFileLimitReached
	SystemFileLimitReached
	OutOfMemory
	Unknown
)

var kindNames = map[ErrorKind]string{
	EmptyName:                 "EmptyName",
	NameWithoutLeadingSlash:   "NameWithoutLeadingSlash",
	InsufficientPermissions:   "InsufficientPermissions",
	NoResizeSupport:           "NoResizeSupport",
	RequestedMemoryExceedsMax: "RequestedMemoryExceedsMax",
	InvalidDescriptor:         "InvalidDescriptor",
	AlreadyExists:             "AlreadyExists",
	DoesNotExist:              "DoesNotExist",
	PathIsDirectory:           "PathIsDirectory",
	TooManySymbolicLinks:      "TooManySymbolicLinks",
	ProcessFileLimitReached:   "ProcessFileLimitReached",
	SystemFileLimitReached:    "SystemFileLimitReached",
	OutOfMemory:               "OutOfMemory",
	Unknown:                   "Unknown",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the failure type returned by segment operations.
type Error struct {
	Kind  ErrorKind
	Name  string
	Errno error // underlying errno, nil for pure validation failures
}

func (e *Error) Error() string {
	if e.Errno != nil {
		return fmt.Sprintf("shmem %q: %s: %v", e.Name, e.Kind, e.Errno)
	}
	return fmt.Sprintf("shmem %q: %s", e.Name, e.Kind)
}

func (e *Error) Unwrap() error { return e.Errno }

// KindOf extracts the domain kind from any error; Unknown when err is not
// a shmem error.
func KindOf(err error) ErrorKind {
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return Unknown
}

// errnoToKind mirrors the classic shm_open/ftruncate errno table.
func errnoToKind(errno unix.Errno) ErrorKind {
	switch errno {
	case unix.EACCES:
		return InsufficientPermissions
	case unix.EPERM:
		return NoResizeSupport
	case unix.EFBIG, unix.EINVAL:
		return RequestedMemoryExceedsMax
	case unix.EBADF:
		return InvalidDescriptor
	case unix.EEXIST:
		return AlreadyExists
	case unix.EISDIR:
		return PathIsDirectory
	case unix.ELOOP:
		return TooManySymbolicLinks
	case unix.EMFILE:
		return ProcessFileLimitReached
	case unix.ENFILE:
		return SystemFileLimitReached
	case unix.ENOENT:
		return DoesNotExist
	case unix.ENOMEM:
		return OutOfMemory
	}
	return Unknown
}
