package client

import (
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/mempool"
)

// Chunk is one zero-copy message. Payload aliases shared memory directly:
// a publisher writes it in place before Publish, a subscriber reads it in
// place and must not touch it after Release.
type Chunk struct {
	Ref     layout.Ref
	Header  *mempool.ChunkHeader
	Payload []byte

	inUseSlot int
}
