// Package registry tracks every registered client process: identity,
// session, liveness, and the segments it may map. It owns the crash
// cleanup path: when a monitored client misses its keepalive deadline,
// the sweep deregisters it and the port manager reclaims everything the
// process held.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SyPeter/shmbus/ports"
	"github.com/SyPeter/shmbus/shmem"
)

var (
	// ErrNameInUse reports a second live registration under one name.
	ErrNameInUse = errors.New("registry: name in use")
	// ErrUnknownProcess reports an operation on an unregistered name.
	ErrUnknownProcess = errors.New("registry: unknown process")
)

// Record is one registered process.
type Record struct {
	Name      string
	Pid       int
	User      string
	Monitored bool
	Session   uint64
	LastSeen  time.Time
	Segments  []shmem.SegmentInfo
}

// Registry is the process table. A daemon-local mutex guards it; the
// data path never enters here.
type Registry struct {
	mu          sync.Mutex
	records     map[string]*Record
	nextSession uint64
	deadline    time.Duration
	mgr         *ports.Manager
	segments    []shmem.SegmentInfo
}

// New builds a registry handing out the given segment map. deadline is
// the keepalive expiry for monitored processes.
func New(deadline time.Duration, mgr *ports.Manager, segments []shmem.SegmentInfo) *Registry {
	return &Registry{
		records:  make(map[string]*Record),
		deadline: deadline,
		mgr:      mgr,
		segments: segments,
	}
}

// Register admits a process. The session id is strictly greater than any
// session ever issued by this registry, which is what lets a name be
// reused after a crash: stale traffic carrying the dead session is
// rejected by Touch.
func (r *Registry) Register(name string, pid int, user string, monitored bool, now time.Time) (uint64, []shmem.SegmentInfo, error) {
	if name == "" {
		return 0, nil, fmt.Errorf("registry: empty process name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.records[name]; live {
		return 0, nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	r.nextSession++
	rec := &Record{
		Name:      name,
		Pid:       pid,
		User:      user,
		Monitored: monitored,
		Session:   r.nextSession,
		LastSeen:  now,
		Segments:  r.segments,
	}
	r.records[name] = rec
	return rec.Session, rec.Segments, nil
}

// Touch refreshes liveness iff the session matches the live record.
// Stale keepalives from a crashed predecessor are silently dropped.
func (r *Registry) Touch(name string, session uint64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok || rec.Session != session {
		return false
	}
	rec.LastSeen = now
	return true
}

// Deregister removes a process and reclaims everything it owned: ports
// destroyed, queue and history references released by the port manager.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	_, ok := r.records[name]
	delete(r.records, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProcess, name)
	}
	r.mgr.DestroyProcessPorts(name)
	return nil
}

// Sweep deregisters every monitored record whose keepalive deadline
// expired before now; returns the evicted names.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var dead []string
	for name, rec := range r.records {
		if rec.Monitored && now.Sub(rec.LastSeen) > r.deadline {
			dead = append(dead, name)
		}
	}
	r.mu.Unlock()
	for _, name := range dead {
		// Deregister relocks; eviction is rare and teardown is heavy,
		// so the sweep does not hold the table lock across it.
		_ = r.Deregister(name)
	}
	return dead
}

// Lookup returns a copy of the record for name.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SessionOf returns the live session for name, 0 when absent.
func (r *Registry) SessionOf(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok {
		return rec.Session
	}
	return 0
}

// Count reports live records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Deadline reports the configured keepalive expiry.
func (r *Registry) Deadline() time.Duration { return r.deadline }
