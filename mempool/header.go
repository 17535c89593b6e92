package mempool

import (
	"sync/atomic"
	"unsafe"

	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
)

// ChunkHeader is the fixed 64-byte prefix of every chunk. It lives in
// shared memory; refCount is the only field mutated after publication and
// must only be touched through Retain/Release.
type ChunkHeader struct {
	refCount       uint32
	originPool     uint32
	payloadSize    uint32
	userHeaderSize uint32
	sequence       uint64
	originatorPort uint64
	_              [constants.ChunkHeaderSize - 32]byte
}

func (h *ChunkHeader) RefCount() uint32       { return atomic.LoadUint32(&h.refCount) }
func (h *ChunkHeader) OriginPool() uint32     { return h.originPool }
func (h *ChunkHeader) PayloadSize() uint32    { return h.payloadSize }
func (h *ChunkHeader) UserHeaderSize() uint32 { return h.userHeaderSize }
func (h *ChunkHeader) Sequence() uint64       { return h.sequence }
func (h *ChunkHeader) OriginatorPort() uint64 { return h.originatorPort }

// SetSequence stamps the publisher-local monotonic sequence number.
// Publisher-only, before the chunk is published.
func (h *ChunkHeader) SetSequence(seq uint64) { h.sequence = seq }

// SetOriginatorPort stamps the publishing port id. Publisher-only.
func (h *ChunkHeader) SetOriginatorPort(id uint64) { h.originatorPort = id }

// SetUserHeaderSize records an application header carried at the front of
// the payload area. Publisher-only, before publish.
func (h *ChunkHeader) SetUserHeaderSize(n uint32) { h.userHeaderSize = n }

// headerAt interprets the chunk memory at ref as a header.
func headerAt(m *layout.Mapper, ref layout.Ref) *ChunkHeader {
	return (*ChunkHeader)(m.Pointer(ref))
}

// payloadOf returns the payload bytes following the header.
func payloadOf(m *layout.Mapper, ref layout.Ref, n uint32) []byte {
	b := m.Bytes(layout.MakeRef(ref.Segment(), ref.Offset()+constants.ChunkHeaderSize), uint64(n))
	return b
}

// compile-time layout guard: the header must be exactly ChunkHeaderSize.
const _ = uint64(constants.ChunkHeaderSize) - uint64(unsafe.Sizeof(ChunkHeader{}))
