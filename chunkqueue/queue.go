// Package chunkqueue implements the per-connection delivery queue: a
// bounded ring of packed chunk references in shared memory with one
// producer (the publisher) and one consumer (the subscriber). Indices
// are monotonic 64-bit counters; the ring position is index&mask. Under
// the drop-oldest policy the read index is additionally CAS-claimed by
// the producer when it must evict, which is the only point the two sides
// contend.
package chunkqueue

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/SyPeter/shmbus/layout"
)

// Policy decides what a full queue does with a new entry.
type Policy uint32

const (
	// DropOldest evicts the oldest unread entry to make room.
	DropOldest Policy = iota
	// Block rejects the push; the producer sees ErrWouldBlock.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	}
	return fmt.Sprintf("Policy(%d)", uint32(p))
}

var (
	// ErrWouldBlock reports a full queue under the Block policy. The
	// queue is unchanged; the caller decides whether to retry or drop.
	ErrWouldBlock = errors.New("chunkqueue: full, would block")
	// ErrEmpty reports an empty queue to the consumer.
	ErrEmpty = errors.New("chunkqueue: empty")
)

// HeaderSize is the in-segment queue header: three cache lines keeping
// metadata, write index, and read index from false sharing.
const HeaderSize = 3 * layout.CacheLine

type header struct {
	capacity uint64
	policy   uint32
	_        uint32
	_        [layout.CacheLine - 16]byte
	writeIdx uint64 // producer-only store, atomic
	_        [layout.CacheLine - 8]byte
	readIdx  uint64 // consumer pop / producer eviction, CAS
	_        [layout.CacheLine - 8]byte
}

const _ = uint64(HeaderSize) - uint64(unsafe.Sizeof(header{}))

// Size returns the arena bytes needed for a queue of the given capacity.
func Size(capacity uint64) uint64 { return HeaderSize + 8*capacity }

// Queue is a process-local view over the shared ring. The same Queue
// value must not be shared between the producing and consuming role; each
// side opens its own view.
type Queue struct {
	hdr   *header
	slots []uint64
	mask  uint64
	ref   layout.Ref
}

// Alloc carves a queue out of the management segment's arena and
// initializes it. Broker-only. Capacity must be a power of two.
func Alloc(m *layout.Mapper, seg uint16, capacity uint64, policy Policy) (layout.Ref, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return layout.NilRef, fmt.Errorf("chunkqueue: capacity %d must be a power of two", capacity)
	}
	h := m.Header(seg)
	if h == nil {
		return layout.NilRef, fmt.Errorf("chunkqueue: segment %d not mapped", seg)
	}
	off, err := h.ArenaAlloc(Size(capacity))
	if err != nil {
		return layout.NilRef, err
	}
	ref := layout.MakeRef(seg, off)
	q := View(m, ref)
	q.hdr.capacity = capacity
	q.hdr.policy = uint32(policy)
	atomic.StoreUint64(&q.hdr.writeIdx, 0)
	atomic.StoreUint64(&q.hdr.readIdx, 0)
	return ref, nil
}

// Reset rewinds an existing queue for reuse between matches. The broker
// must have drained it first; entries skipped here leak references.
func Reset(m *layout.Mapper, ref layout.Ref, policy Policy) {
	q := View(m, ref)
	q.hdr.policy = uint32(policy)
	atomic.StoreUint64(&q.hdr.readIdx, atomic.LoadUint64(&q.hdr.writeIdx))
}

// View opens a queue previously created with Alloc.
func View(m *layout.Mapper, ref layout.Ref) *Queue {
	hdr := (*header)(m.Pointer(ref))
	cap := hdr.capacity
	var slots []uint64
	if cap > 0 {
		slotBase := m.Pointer(layout.MakeRef(ref.Segment(), ref.Offset()+HeaderSize))
		slots = unsafe.Slice((*uint64)(slotBase), cap)
	}
	return &Queue{hdr: hdr, slots: slots, mask: cap - 1, ref: ref}
}

func (q *Queue) Capacity() uint64 { return q.hdr.capacity }
func (q *Queue) Policy() Policy   { return Policy(q.hdr.policy) }
func (q *Queue) Ref() layout.Ref  { return q.ref }

// Len is the number of unread entries. Racy by nature; exact only when
// both sides are quiescent.
func (q *Queue) Len() uint64 {
	return atomic.LoadUint64(&q.hdr.writeIdx) - atomic.LoadUint64(&q.hdr.readIdx)
}

// Push appends ref for the consumer. Producer-only.
//
// Drop-oldest on a full ring claims the oldest entry by CAS-advancing
// the read index, reads the evicted slot before overwriting it (the ring
// position of the evicted and the new entry coincide exactly when the
// ring is full), and returns the evicted reference so the caller can
// release it. Block policy returns ErrWouldBlock without mutation.
func (q *Queue) Push(ref layout.Ref) (evicted layout.Ref, err error) {
	w := atomic.LoadUint64(&q.hdr.writeIdx)
	for {
		r := atomic.LoadUint64(&q.hdr.readIdx)
		if w-r < q.hdr.capacity {
			break
		}
		if Policy(q.hdr.policy) == Block {
			return layout.NilRef, ErrWouldBlock
		}
		if atomic.CompareAndSwapUint64(&q.hdr.readIdx, r, r+1) {
			// the slot is ours now, the consumer can no longer claim it
			evicted = layout.Ref(atomic.LoadUint64(&q.slots[r&q.mask]))
			break
		}
		// consumer popped concurrently; re-check occupancy
	}
	atomic.StoreUint64(&q.slots[w&q.mask], uint64(ref))
	atomic.StoreUint64(&q.hdr.writeIdx, w+1)
	return evicted, nil
}

// Pop removes and returns the oldest entry. Consumer-only.
//
// The slot is read before the CAS: a successful claim proves the
// producer had not evicted that index, so the value read was intact.
func (q *Queue) Pop() (layout.Ref, error) {
	for {
		r := atomic.LoadUint64(&q.hdr.readIdx)
		w := atomic.LoadUint64(&q.hdr.writeIdx)
		if r == w {
			return layout.NilRef, ErrEmpty
		}
		v := atomic.LoadUint64(&q.slots[r&q.mask])
		if atomic.CompareAndSwapUint64(&q.hdr.readIdx, r, r+1) {
			return layout.Ref(v), nil
		}
		// lost the slot to a producer-side eviction, try the next one
	}
}

// Drain pops every unread entry into fn. Used by teardown paths; the
// producer may still be live, so Drain simply pops until empty.
func (q *Queue) Drain(fn func(layout.Ref)) int {
	n := 0
	for {
		ref, err := q.Pop()
		if err != nil {
			return n
		}
		n++
		fn(ref)
	}
}
