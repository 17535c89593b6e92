//go:build linux

package shmem

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// shmDir is where the shm filesystem lives; shm_open(3) is open(2) on a
// file under this mount.
const shmDir = "/dev/shm"

// Object is one mapped shared-memory object. Mem is valid until Close.
type Object struct {
	Name  string
	Size  uint64
	Mem   []byte
	fd    int
	owner bool
	mode  AccessMode
}

// umaskMu serializes the process-wide umask manipulation around creates.
// umask is per-process state, so concurrent creates must not interleave.
var umaskMu sync.Mutex

func shmPath(name string) string { return shmDir + name }

func validateName(name string) *Error {
	if name == "" {
		return &Error{Kind: EmptyName, Name: name}
	}
	if name[0] != '/' {
		return &Error{Kind: NameWithoutLeadingSlash, Name: name}
	}
	return nil
}

func oflagsFor(mode AccessMode, policy Policy) int {
	flags := unix.O_CLOEXEC
	if mode == ReadOnly {
		flags |= unix.O_RDONLY
	} else {
		flags |= unix.O_RDWR
	}
	if policy != Open {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	return flags
}

// New creates or opens the object per policy and maps it. For Open the
// size argument is ignored; the existing object size is used. The create
// path clears the process umask so perm is applied verbatim.
func New(name string, size uint64, mode AccessMode, policy Policy, perm uint32) (*Object, error) {
	if verr := validateName(name); verr != nil {
		return nil, verr
	}

	o := &Object{Name: name, mode: mode, fd: -1}
	o.owner = policy == ExclusiveCreate || policy == PurgeAndCreate || policy == CreateOrOpen

	umaskMu.Lock()
	saved := unix.Umask(0)
	if policy == PurgeAndCreate {
		if err := unix.Unlink(shmPath(name)); err != nil && !errors.Is(err, unix.ENOENT) {
			unix.Umask(saved)
			umaskMu.Unlock()
			return nil, &Error{Kind: errnoOf(err), Name: name, Errno: err}
		}
	}
	fd, err := unix.Open(shmPath(name), oflagsFor(mode, policy), perm)
	if err != nil && policy == CreateOrOpen && errors.Is(err, unix.EEXIST) {
		// someone else owns it, fall back to a plain open
		fd, err = unix.Open(shmPath(name), oflagsFor(mode, Open), perm)
		o.owner = false
	}
	unix.Umask(saved)
	umaskMu.Unlock()
	if err != nil {
		return nil, &Error{Kind: errnoOf(err), Name: name, Errno: err}
	}
	o.fd = fd

	if o.owner {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			o.unlinkOwned()
			return nil, &Error{Kind: errnoOf(err), Name: name, Errno: err}
		}
		o.Size = size
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, &Error{Kind: errnoOf(err), Name: name, Errno: err}
		}
		o.Size = uint64(st.Size)
	}

	prot := unix.PROT_READ
	if mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(fd, 0, int(o.Size), prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		if o.owner {
			o.unlinkOwned()
		}
		return nil, &Error{Kind: errnoOf(err), Name: name, Errno: err}
	}
	o.Mem = mem
	return o, nil
}

// HasOwnership reports whether this process created the object and will
// unlink it on Destroy.
func (o *Object) HasOwnership() bool { return o.owner }

// Close unmaps and closes without unlinking; the object survives for
// other mappers.
func (o *Object) Close() error {
	var first error
	if o.Mem != nil {
		first = unix.Munmap(o.Mem)
		o.Mem = nil
	}
	if o.fd >= 0 {
		if err := unix.Close(o.fd); err != nil && first == nil {
			first = err
		}
		o.fd = -1
	}
	return first
}

// Destroy closes and, if this process owns the object, unlinks it.
func (o *Object) Destroy() error {
	err := o.Close()
	if o.owner {
		if uerr := o.unlinkOwned(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

func (o *Object) unlinkOwned() error {
	if err := unix.Unlink(shmPath(o.Name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return &Error{Kind: errnoOf(err), Name: o.Name, Errno: err}
	}
	return nil
}

// UnlinkIfExists removes a named object regardless of ownership, for
// startup purges and tests. ENOENT is not an error.
func UnlinkIfExists(name string) error {
	if verr := validateName(name); verr != nil {
		return verr
	}
	if err := unix.Unlink(shmPath(name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return &Error{Kind: errnoOf(err), Name: name, Errno: err}
	}
	return nil
}

func errnoOf(err error) ErrorKind {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errnoToKind(errno)
	}
	return Unknown
}

// NameTooLong reports whether name exceeds the shm filesystem NAME_MAX;
// the kernel enforces the limit, this is for callers that build names
// programmatically and want to fail early.
func NameTooLong(name string) bool { return len(name) > nameMax }

const nameMax = 255
