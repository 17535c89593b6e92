// Package layout defines the cross-process memory layout of broker
// segments. Pointers are never stored in shared memory: every in-segment
// reference is a packed (segment-id, offset) pair resolved against the
// local mapping base, because each process may map a segment at a
// different virtual address.
package layout

import (
	"fmt"
	"unsafe"

	"github.com/SyPeter/shmbus/constants"
)

const (
	// Magic identifies a broker-formatted segment.
	Magic = uint64(0x5348_4d42_5553_0001) // "SHMBUS" + format tag

	// Version of the segment layout. Mismatch means the client and
	// broker binaries disagree and mapping must fail.
	Version = uint32(1)

	// SegmentHeaderSize is the formatted prefix of every segment.
	SegmentHeaderSize = 128

	// CacheLine is the padding unit for contended words.
	CacheLine = 64
)

// Ref is a packed cross-process reference: segment id in the top 16 bits,
// byte offset in the low 48. Offset 0 is the segment header, so 0 doubles
// as the nil reference.
type Ref uint64

// NilRef is the zero reference.
const NilRef Ref = 0

const offsetMask = (uint64(1) << 48) - 1

// MakeRef packs a segment id and offset.
func MakeRef(seg uint16, off uint64) Ref {
	return Ref(uint64(seg)<<48 | off&offsetMask)
}

func (r Ref) Segment() uint16 { return uint16(uint64(r) >> 48) }
func (r Ref) Offset() uint64  { return uint64(r) & offsetMask }

func (r Ref) String() string {
	return fmt.Sprintf("ref{seg=%d off=%#x}", r.Segment(), r.Offset())
}

// Align rounds n up to the next multiple of a (a must be a power of two).
func Align(n, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }

// SegmentHeader sits at offset 0 of every broker segment. It is written
// once by the broker before any client maps the segment and is read-only
// afterwards, except for queueArenaNext which only the broker advances.
type SegmentHeader struct {
	magic          uint64
	version        uint32
	segmentID      uint32
	totalSize      uint64
	poolCount      uint32
	portCount      uint32
	poolTableOff   uint64
	portTableOff   uint64
	queueArenaOff  uint64
	queueArenaEnd  uint64
	queueArenaNext uint64
	_              [SegmentHeaderSize - 72]byte
}

func (h *SegmentHeader) Magic() uint64        { return h.magic }
func (h *SegmentHeader) Version() uint32      { return h.version }
func (h *SegmentHeader) SegmentID() uint16    { return uint16(h.segmentID) }
func (h *SegmentHeader) TotalSize() uint64    { return h.totalSize }
func (h *SegmentHeader) PoolCount() int       { return int(h.poolCount) }
func (h *SegmentHeader) PortCount() int       { return int(h.portCount) }
func (h *SegmentHeader) PoolTableOff() uint64 { return h.poolTableOff }
func (h *SegmentHeader) PortTableOff() uint64 { return h.portTableOff }

// Valid checks magic and version after mapping a foreign segment.
func (h *SegmentHeader) Valid() bool {
	return h.magic == Magic && h.version == Version
}

// Mapper resolves packed references against this process's mapping bases.
// It is populated at attach time and read-only afterwards, so it is safe
// for concurrent use on the data path.
type Mapper struct {
	bases [constants.MaxSegments][]byte
}

// Add registers a mapped segment. The slice must cover the whole segment.
func (m *Mapper) Add(id uint16, mem []byte) error {
	if int(id) >= len(m.bases) {
		return fmt.Errorf("layout: segment id %d out of range", id)
	}
	if m.bases[id] != nil {
		return fmt.Errorf("layout: segment id %d already mapped", id)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 {
		return fmt.Errorf("layout: segment %d mapping is not 8-byte aligned", id)
	}
	m.bases[id] = mem
	return nil
}

// Base returns the raw mapping for a segment, nil if unmapped.
func (m *Mapper) Base(id uint16) []byte {
	if int(id) >= len(m.bases) {
		return nil
	}
	return m.bases[id]
}

// Header returns the segment header view of a mapped segment.
func (m *Mapper) Header(id uint16) *SegmentHeader {
	b := m.Base(id)
	if b == nil || len(b) < SegmentHeaderSize {
		return nil
	}
	return (*SegmentHeader)(unsafe.Pointer(unsafe.SliceData(b)))
}

// Pointer resolves a reference to a local address. The caller guarantees
// the reference is valid for the mapped segment; out-of-range resolution
// panics, it is a logic error.
func (m *Mapper) Pointer(r Ref) unsafe.Pointer {
	b := m.bases[r.Segment()]
	off := r.Offset()
	if b == nil || off >= uint64(len(b)) {
		panic(fmt.Sprintf("layout: unresolvable %v", r))
	}
	return unsafe.Pointer(&b[off])
}

// Bytes resolves a reference to an n-byte slice of the mapping.
func (m *Mapper) Bytes(r Ref, n uint64) []byte {
	b := m.bases[r.Segment()]
	off := r.Offset()
	if b == nil || off+n > uint64(len(b)) {
		panic(fmt.Sprintf("layout: unresolvable %v +%d", r, n))
	}
	return b[off : off+n : off+n]
}

// FormatSpec describes what a segment must host; Format computes the
// layout and writes the header.
type FormatSpec struct {
	SegmentID      uint16
	PortCount      int    // port descriptor slots (management segment)
	QueueArenaSize uint64 // delivery-queue arena bytes (management segment)
	PoolCount      int    // pool descriptor slots (data segments)
}

// MetaSize returns the formatted size of everything before pool chunk
// storage: header, pool table, port table, queue arena.
func (s FormatSpec) MetaSize() uint64 {
	size := uint64(SegmentHeaderSize)
	size = Align(size+uint64(s.PoolCount)*PoolDescSize, CacheLine)
	size = Align(size+uint64(s.PortCount)*constants.PortSlotSize, CacheLine)
	size = Align(size+s.QueueArenaSize, CacheLine)
	return size
}

// Format writes the segment header into mem and returns the header view.
// mem must be zeroed (fresh ftruncated shm is).
func Format(mem []byte, s FormatSpec) (*SegmentHeader, error) {
	if uint64(len(mem)) < s.MetaSize() {
		return nil, fmt.Errorf("layout: segment %d too small: %d < %d", s.SegmentID, len(mem), s.MetaSize())
	}
	h := (*SegmentHeader)(unsafe.Pointer(unsafe.SliceData(mem)))
	off := uint64(SegmentHeaderSize)

	h.poolTableOff = off
	h.poolCount = uint32(s.PoolCount)
	off = Align(off+uint64(s.PoolCount)*PoolDescSize, CacheLine)

	h.portTableOff = off
	h.portCount = uint32(s.PortCount)
	off = Align(off+uint64(s.PortCount)*constants.PortSlotSize, CacheLine)

	h.queueArenaOff = off
	off = Align(off+s.QueueArenaSize, CacheLine)
	h.queueArenaEnd = off
	h.queueArenaNext = h.queueArenaOff

	h.segmentID = uint32(s.SegmentID)
	h.totalSize = uint64(len(mem))
	h.version = Version
	h.magic = Magic
	return h, nil
}

// ArenaAlloc carves n bytes (cache-line aligned) out of the segment's
// queue arena. Broker-only; the cursor is not shared with clients.
func (h *SegmentHeader) ArenaAlloc(n uint64) (uint64, error) {
	n = Align(n, CacheLine)
	if h.queueArenaNext+n > h.queueArenaEnd {
		return 0, fmt.Errorf("layout: queue arena exhausted (%d bytes requested)", n)
	}
	off := h.queueArenaNext
	h.queueArenaNext += n
	return off, nil
}

// PoolDescSize is the per-pool descriptor slot in the pool table; the
// concrete field layout belongs to mempool.
const PoolDescSize = 64
