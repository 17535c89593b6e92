package ports

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
)

// Port descriptor kinds and states as stored in shared memory.
const (
	KindFree = uint32(iota)
	KindPublisher
	KindSubscriber
)

const (
	// Publisher states.
	StateNotOffered = uint32(iota)
	StateOffered
	// Subscriber states.
	StateWaitForOffer
	StateSubscribed
	StateUnsubscribed
)

// Desc is one port descriptor slot in the management segment.
//
// Write discipline: the broker mutates the seqlocked region (kind,
// state, policy, identity words, link set) under version bumps; clients
// read it with the retry loop in ReadLinks. The history ring, in-use
// list, and sequence counter are written only by the owning client and
// read by the broker solely after that client is gone.
type Desc struct {
	version  uint32 // seqlock: odd while the broker is writing
	kind     uint32
	state    uint32
	policy   uint32
	portID   uint64
	svcKey   uint64
	queueCap uint64
	linkGen  uint64 // bumped on every link-set change
	linkCnt  uint64
	links    [constants.MaxPortLinks]uint64

	historyCap  uint64
	historyHead uint64 // total history pushes ever, ring position derived
	history     [constants.MaxHistoryCapacity]uint64

	inUse   [constants.MaxInFlightChunks]uint64
	nextSeq uint64

	_ [48]byte // pad to PortSlotSize
}

const _ = uint64(constants.PortSlotSize) - uint64(unsafe.Sizeof(Desc{}))

// ── broker-side seqlock writes ──────────────────────────────────────────

func (d *Desc) writeBegin() { atomic.AddUint32(&d.version, 1) }
func (d *Desc) writeEnd()   { atomic.AddUint32(&d.version, 1) }

func (d *Desc) Kind() uint32     { return atomic.LoadUint32(&d.kind) }
func (d *Desc) State() uint32    { return atomic.LoadUint32(&d.state) }
func (d *Desc) PortID() uint64   { return atomic.LoadUint64(&d.portID) }
func (d *Desc) QueueCap() uint64 { return atomic.LoadUint64(&d.queueCap) }
func (d *Desc) HistoryCap() uint64 {
	return atomic.LoadUint64(&d.historyCap)
}

func (d *Desc) setState(s uint32) { atomic.StoreUint32(&d.state, s) }

// initSlot primes a fresh descriptor. Caller holds the seqlock write
// side; stores are atomic because a stale client may still be reading a
// recycled slot.
func (d *Desc) initSlot(kind, state, policy uint32, portID, svcKey, queueCap, historyCap uint64) {
	atomic.StoreUint32(&d.kind, kind)
	atomic.StoreUint32(&d.state, state)
	atomic.StoreUint32(&d.policy, policy)
	atomic.StoreUint64(&d.portID, portID)
	atomic.StoreUint64(&d.svcKey, svcKey)
	atomic.StoreUint64(&d.queueCap, queueCap)
	atomic.StoreUint64(&d.historyCap, historyCap)
	atomic.StoreUint64(&d.historyHead, 0)
	atomic.StoreUint64(&d.nextSeq, 0)
	d.clearLinks()
	for i := range d.inUse {
		atomic.StoreUint64(&d.inUse[i], 0)
	}
}

// addLink appends a queue reference to the link set. Caller holds the
// manager lock and the seqlock write side.
func (d *Desc) addLink(q layout.Ref) bool {
	n := d.linkCnt
	if n >= constants.MaxPortLinks {
		return false
	}
	atomic.StoreUint64(&d.links[n], uint64(q))
	atomic.StoreUint64(&d.linkCnt, n+1)
	atomic.AddUint64(&d.linkGen, 1)
	return true
}

// removeLink deletes a queue reference, preserving the order of the
// remaining links (fan-out order is registration order).
func (d *Desc) removeLink(q layout.Ref) bool {
	n := d.linkCnt
	for i := uint64(0); i < n; i++ {
		if layout.Ref(d.links[i]) != q {
			continue
		}
		for j := i; j+1 < n; j++ {
			atomic.StoreUint64(&d.links[j], d.links[j+1])
		}
		atomic.StoreUint64(&d.links[n-1], 0)
		atomic.StoreUint64(&d.linkCnt, n-1)
		atomic.AddUint64(&d.linkGen, 1)
		return true
	}
	return false
}

func (d *Desc) clearLinks() {
	for i := range d.links {
		atomic.StoreUint64(&d.links[i], 0)
	}
	atomic.StoreUint64(&d.linkCnt, 0)
	atomic.AddUint64(&d.linkGen, 1)
}

// ── client-side seqlocked read ──────────────────────────────────────────

// ReadLinks snapshots the link set consistently. buf is reused when it
// has capacity. Safe against concurrent broker writes.
func (d *Desc) ReadLinks(buf []layout.Ref) (gen uint64, links []layout.Ref) {
	for {
		v1 := atomic.LoadUint32(&d.version)
		if v1&1 != 0 {
			runtime.Gosched()
			continue
		}
		gen = atomic.LoadUint64(&d.linkGen)
		n := atomic.LoadUint64(&d.linkCnt)
		if n > constants.MaxPortLinks {
			continue
		}
		links = buf[:0]
		for i := uint64(0); i < n; i++ {
			links = append(links, layout.Ref(atomic.LoadUint64(&d.links[i])))
		}
		if atomic.LoadUint32(&d.version) == v1 {
			return gen, links
		}
	}
}

// ── owner-written words (history, in-flight, sequence) ──────────────────

// NextSequence returns and advances the publisher's monotonic sequence
// counter. Owner-only.
func (d *Desc) NextSequence() uint64 {
	s := d.nextSeq
	d.nextSeq = s + 1
	return s
}

// HistoryPush records a published chunk in the replay ring, returning
// the evicted entry once the ring is full. Owner-only.
func (d *Desc) HistoryPush(ref layout.Ref) (evicted layout.Ref, hasEvicted bool) {
	cap := d.historyCap
	if cap == 0 {
		return layout.NilRef, false
	}
	head := d.historyHead
	slot := head % cap
	if head >= cap {
		evicted = layout.Ref(atomic.LoadUint64(&d.history[slot]))
		hasEvicted = true
	}
	atomic.StoreUint64(&d.history[slot], uint64(ref))
	atomic.StoreUint64(&d.historyHead, head+1)
	return evicted, hasEvicted
}

// HistorySnapshot lists the retained entries oldest first. Owner-only
// (replay) or broker-after-death (cleanup).
func (d *Desc) HistorySnapshot(buf []layout.Ref) []layout.Ref {
	cap := d.historyCap
	head := atomic.LoadUint64(&d.historyHead)
	n := head
	if n > cap {
		n = cap
	}
	out := buf[:0]
	for i := uint64(0); i < n; i++ {
		out = append(out, layout.Ref(atomic.LoadUint64(&d.history[(head-n+i)%cap])))
	}
	return out
}

// historyReset zeroes the ring after the broker drained it.
func (d *Desc) historyReset() {
	for i := range d.history {
		atomic.StoreUint64(&d.history[i], 0)
	}
	atomic.StoreUint64(&d.historyHead, 0)
}

// InUseAdd records a chunk the owner holds outside any queue. Returns
// the slot for InUseClear, or -1 when the in-flight set is full.
func (d *Desc) InUseAdd(ref layout.Ref) int {
	for i := range d.inUse {
		if atomic.LoadUint64(&d.inUse[i]) == 0 {
			atomic.StoreUint64(&d.inUse[i], uint64(ref))
			return i
		}
	}
	return -1
}

// InUseClear releases the tracking slot (not the chunk).
func (d *Desc) InUseClear(slot int) {
	if slot >= 0 {
		atomic.StoreUint64(&d.inUse[slot], 0)
	}
}

// InUseDrain empties the in-flight set into fn; broker cleanup path.
func (d *Desc) InUseDrain(fn func(layout.Ref)) int {
	n := 0
	for i := range d.inUse {
		v := atomic.SwapUint64(&d.inUse[i], 0)
		if v != 0 {
			n++
			fn(layout.Ref(v))
		}
	}
	return n
}

// Table is the process-local view of the port descriptor table.
type Table struct {
	m     *layout.Mapper
	seg   uint16
	off   uint64
	count int
}

// OpenTable binds to the table of a mapped management segment.
func OpenTable(m *layout.Mapper, seg uint16) *Table {
	h := m.Header(seg)
	return &Table{m: m, seg: seg, off: h.PortTableOff(), count: h.PortCount()}
}

// Count returns the number of descriptor slots.
func (t *Table) Count() int { return t.count }

// Slot returns the descriptor at index i.
func (t *Table) Slot(i int) *Desc {
	if i < 0 || i >= t.count {
		panic("ports: slot index out of range")
	}
	ref := layout.MakeRef(t.seg, t.off+uint64(i)*constants.PortSlotSize)
	return (*Desc)(t.m.Pointer(ref))
}
