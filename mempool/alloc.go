package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
)

// ErrOutOfChunks is returned when every pool large enough for the
// request is exhausted. There is no splitting and no silent fallback.
var ErrOutOfChunks = errors.New("mempool: out of chunks")

// Allocator spans the chunk pools of every attached segment and is the
// single entry point for acquire/retain/release. Attach happens at
// setup; afterwards the allocator is immutable and safe on the data
// path.
type Allocator struct {
	m       *layout.Mapper
	classes []*Pool            // all pools, ascending chunk size
	bySeg   map[uint16][]*Pool // pool-table order per segment
}

func NewAllocator(m *layout.Mapper) *Allocator {
	return &Allocator{m: m, bySeg: make(map[uint16][]*Pool)}
}

// AttachSegment makes a formatted segment's pools available. Setup-time
// only.
func (a *Allocator) AttachSegment(seg uint16) error {
	if _, dup := a.bySeg[seg]; dup {
		return fmt.Errorf("mempool: segment %d already attached", seg)
	}
	pools, err := openPools(a.m, seg)
	if err != nil {
		return err
	}
	a.bySeg[seg] = pools
	a.classes = append(a.classes, pools...)
	sort.SliceStable(a.classes, func(i, j int) bool {
		return a.classes[i].ChunkSize() < a.classes[j].ChunkSize()
	})
	return nil
}

// Mapper exposes the underlying resolver for packages layered on top.
func (a *Allocator) Mapper() *layout.Mapper { return a.m }

// Pools returns the attached pools of one segment in pool-table order.
func (a *Allocator) Pools(seg uint16) []*Pool { return a.bySeg[seg] }

// Acquire returns a chunk whose payload capacity is at least size bytes,
// taken from the smallest sufficient class; an exhausted class escalates
// to the next larger one. A request no configured class can hold fails
// immediately with ErrOutOfChunks.
func (a *Allocator) Acquire(size uint32) (layout.Ref, *ChunkHeader, error) {
	need := uint64(size) + constants.ChunkHeaderSize
	fits := false
	for _, p := range a.classes {
		if p.ChunkSize() < need {
			continue
		}
		fits = true
		if ref, hdr, ok := p.acquire(size); ok {
			return ref, hdr, nil
		}
	}
	if !fits {
		return layout.NilRef, nil, fmt.Errorf("%w: no class holds %d payload bytes", ErrOutOfChunks, size)
	}
	return layout.NilRef, nil, ErrOutOfChunks
}

// Retain adds one reference. The chunk must be live; retaining a dead
// chunk is a contract violation and panics.
func (a *Allocator) Retain(ref layout.Ref) {
	hdr := headerAt(a.m, ref)
	for {
		c := atomic.LoadUint32(&hdr.refCount)
		if c == 0 {
			panic(fmt.Sprintf("mempool: retain on dead chunk %v", ref))
		}
		if c >= 1<<31 {
			panic(fmt.Sprintf("mempool: reference count overflow on %v", ref))
		}
		if atomic.CompareAndSwapUint32(&hdr.refCount, c, c+1) {
			return
		}
	}
}

// Release drops one reference; the decrement that observes zero returns
// the chunk to its origin pool. Exactly one releaser can observe zero,
// so the push happens exactly once.
func (a *Allocator) Release(ref layout.Ref) {
	hdr := headerAt(a.m, ref)
	c := atomic.AddUint32(&hdr.refCount, ^uint32(0))
	if c == ^uint32(0) {
		panic(fmt.Sprintf("mempool: release on dead chunk %v", ref))
	}
	if c != 0 {
		return
	}
	pools := a.bySeg[ref.Segment()]
	origin := hdr.OriginPool()
	if int(origin) >= len(pools) {
		panic(fmt.Sprintf("mempool: chunk %v claims unknown origin pool %d", ref, origin))
	}
	pools[origin].release(ref.Offset())
}

// Header returns the chunk header view.
func (a *Allocator) Header(ref layout.Ref) *ChunkHeader { return headerAt(a.m, ref) }

// Payload returns the payload bytes of a live chunk.
func (a *Allocator) Payload(ref layout.Ref) []byte {
	hdr := headerAt(a.m, ref)
	return payloadOf(a.m, ref, hdr.payloadSize)
}

// PayloadCapacity returns the writable payload bytes up to the chunk's
// class capacity, for publishers that size the payload after loaning.
func (a *Allocator) PayloadCapacity(ref layout.Ref) []byte {
	pools := a.bySeg[ref.Segment()]
	hdr := headerAt(a.m, ref)
	p := pools[hdr.OriginPool()]
	return payloadOf(a.m, ref, uint32(p.ChunkSize()-constants.ChunkHeaderSize))
}
