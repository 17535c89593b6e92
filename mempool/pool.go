// Package mempool carves fixed-size chunk pools out of shared-memory
// segments and hands out reference-counted chunks. Allocate and free are
// lock-free across processes; a chunk is live while its reference count
// is above zero and returns to its origin pool exactly once when the
// final holder releases it.
package mempool

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
)

// PoolDesc is the in-segment descriptor of one size class. freeHead and
// inUse are the shared mutable words; everything else is immutable after
// Format.
type PoolDesc struct {
	chunkSize  uint64
	chunkCount uint64
	baseOff    uint64
	nextOff    uint64
	freeHead   uint64 // packed index+tag, atomic
	inUse      uint64 // live chunks, atomic, diagnostics only
	_          [layout.PoolDescSize - 48]byte
}

const _ = uint64(layout.PoolDescSize) - uint64(unsafe.Sizeof(PoolDesc{}))

// ClassConfig is one size class of a segment's pool layout.
type ClassConfig struct {
	ChunkSize  uint64 // bytes per chunk, header included, multiple of 64
	ChunkCount uint64
}

func (c ClassConfig) validate() error {
	if c.ChunkSize%layout.CacheLine != 0 || c.ChunkSize <= constants.ChunkHeaderSize {
		return fmt.Errorf("mempool: chunk size %d must be a multiple of %d and larger than the header", c.ChunkSize, layout.CacheLine)
	}
	if c.ChunkCount == 0 {
		return fmt.Errorf("mempool: empty size class %d", c.ChunkSize)
	}
	return nil
}

// SegmentSize returns the shm object size needed for a data segment
// hosting the given classes.
func SegmentSize(classes []ClassConfig) uint64 {
	spec := layout.FormatSpec{PoolCount: len(classes)}
	size := spec.MetaSize()
	for _, c := range classes {
		size = layout.Align(size+4*c.ChunkCount, layout.CacheLine) // next-link table
		size += c.ChunkSize * c.ChunkCount
	}
	return size
}

// FormatPools lays the classes out behind the segment header and
// initializes every free list. Classes must be sorted by ascending,
// unique chunk size. Broker-only, before any client maps the segment.
func FormatPools(mem []byte, h *layout.SegmentHeader, classes []ClassConfig) error {
	if h.PoolCount() != len(classes) {
		return fmt.Errorf("mempool: header has %d pool slots, config has %d", h.PoolCount(), len(classes))
	}
	off := layout.FormatSpec{PoolCount: len(classes)}.MetaSize()
	var prev uint64
	for i, c := range classes {
		if err := c.validate(); err != nil {
			return err
		}
		if c.ChunkSize <= prev {
			return fmt.Errorf("mempool: size classes must ascend, %d after %d", c.ChunkSize, prev)
		}
		prev = c.ChunkSize

		d := descAt(mem, h, i)
		d.chunkSize = c.ChunkSize
		d.chunkCount = c.ChunkCount
		d.nextOff = layout.Align(off, layout.CacheLine)
		off = layout.Align(d.nextOff+4*c.ChunkCount, layout.CacheLine)
		d.baseOff = off
		off += c.ChunkSize * c.ChunkCount
		if off > uint64(len(mem)) {
			return fmt.Errorf("mempool: segment too small for class %d (%d > %d)", c.ChunkSize, off, len(mem))
		}

		next := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[d.nextOff])), c.ChunkCount)
		flInit(&d.freeHead, next, uint32(c.ChunkCount))
		for j := uint64(0); j < c.ChunkCount; j++ {
			hdr := (*ChunkHeader)(unsafe.Pointer(&mem[d.baseOff+j*c.ChunkSize]))
			hdr.originPool = uint32(i)
		}
	}
	return nil
}

func descAt(mem []byte, h *layout.SegmentHeader, i int) *PoolDesc {
	return (*PoolDesc)(unsafe.Pointer(&mem[h.PoolTableOff()+uint64(i)*layout.PoolDescSize]))
}

// Pool is the process-local view of one size class.
type Pool struct {
	desc *PoolDesc
	next []uint32
	mem  []byte
	seg  uint16
	idx  uint32
}

// openPools builds views over a formatted segment.
func openPools(m *layout.Mapper, seg uint16) ([]*Pool, error) {
	mem := m.Base(seg)
	h := m.Header(seg)
	if h == nil || !h.Valid() {
		return nil, fmt.Errorf("mempool: segment %d is not broker-formatted", seg)
	}
	pools := make([]*Pool, 0, h.PoolCount())
	for i := 0; i < h.PoolCount(); i++ {
		d := descAt(mem, h, i)
		pools = append(pools, &Pool{
			desc: d,
			next: unsafe.Slice((*uint32)(unsafe.Pointer(&mem[d.nextOff])), d.chunkCount),
			mem:  mem,
			seg:  seg,
			idx:  uint32(i),
		})
	}
	return pools, nil
}

func (p *Pool) ChunkSize() uint64  { return p.desc.chunkSize }
func (p *Pool) ChunkCount() uint64 { return p.desc.chunkCount }

// InUse is the number of live chunks, for diagnostics and invariants.
func (p *Pool) InUse() uint64 { return atomic.LoadUint64(&p.desc.inUse) }

// FreeCount is ChunkCount minus live chunks.
func (p *Pool) FreeCount() uint64 { return p.desc.chunkCount - p.InUse() }

// acquire pops a free chunk and primes its header with one reference.
func (p *Pool) acquire(payload uint32) (layout.Ref, *ChunkHeader, bool) {
	idx, ok := flPop(&p.desc.freeHead, p.next)
	if !ok {
		return layout.NilRef, nil, false
	}
	atomic.AddUint64(&p.desc.inUse, 1)
	off := p.desc.baseOff + uint64(idx)*p.desc.chunkSize
	hdr := (*ChunkHeader)(unsafe.Pointer(&p.mem[off]))
	hdr.originPool = p.idx
	hdr.payloadSize = payload
	hdr.userHeaderSize = 0
	hdr.sequence = 0
	hdr.originatorPort = 0
	atomic.StoreUint32(&hdr.refCount, 1)
	return layout.MakeRef(p.seg, off), hdr, true
}

// release returns the chunk at off to the free list. Caller guarantees
// the reference count already hit zero.
func (p *Pool) release(off uint64) {
	idx := uint32((off - p.desc.baseOff) / p.desc.chunkSize)
	flPush(&p.desc.freeHead, p.next, idx)
	atomic.AddUint64(&p.desc.inUse, ^uint64(0))
}
