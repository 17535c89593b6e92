package client

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/SyPeter/shmbus/chunkqueue"
	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/ports"
	"github.com/SyPeter/shmbus/wire"
)

var (
	// ErrBlocked reports that at least one matched subscriber uses the
	// block policy and its queue was full; the chunk was still delivered
	// to every subscriber with room. The caller decides whether to
	// retry, drop, or back off.
	ErrBlocked = errors.New("client: publish blocked by full queue")
	// ErrTooManyInFlight reports an exhausted loan-tracking set; the
	// publisher must publish or release loans before taking more.
	ErrTooManyInFlight = errors.New("client: too many loaned chunks")
)

// Publisher is the sending endpoint of one service. It is not safe for
// concurrent use: each delivery queue has exactly one producer.
type Publisher struct {
	rt   *Runtime
	svc  ports.ServiceId
	slot int
	desc *ports.Desc

	seenGen uint64
	linkBuf []layout.Ref
	queues  map[layout.Ref]*chunkqueue.Queue
	live    []*chunkqueue.Queue // views of the current link set, fan-out order
}

// NewPublisher creates a publisher port. The port starts not-offered;
// call Offer to become visible to subscribers.
func (r *Runtime) NewPublisher(svc ports.ServiceId, historyCapacity uint64) (*Publisher, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	req := wire.Encode(wire.OpCreatePublisher, r.name, strconv.FormatUint(r.session, 10),
		svc.Service, svc.Instance, svc.Event, strconv.FormatUint(historyCapacity, 10))
	slot, err := r.call(req)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		rt:     r,
		svc:    svc,
		slot:   slot,
		desc:   r.table.Slot(slot),
		queues: make(map[layout.Ref]*chunkqueue.Queue),
	}, nil
}

// Service returns the port's service id.
func (p *Publisher) Service() ports.ServiceId { return p.svc }

// Offer makes the port visible; matching happens in the broker.
func (p *Publisher) Offer() error {
	return p.rt.send(wire.Encode(wire.OpOffer, p.rt.name, strconv.FormatUint(p.rt.session, 10),
		p.svc.Service, p.svc.Instance, p.svc.Event))
}

// StopOffer withdraws the port; matched subscribers revert to waiting.
func (p *Publisher) StopOffer() error {
	return p.rt.send(wire.Encode(wire.OpStopOffer, p.rt.name, strconv.FormatUint(p.rt.session, 10),
		p.svc.Service, p.svc.Instance, p.svc.Event))
}

// Loan acquires a chunk with at least size payload bytes. The loan is
// tracked in the port's in-flight set so a crash between Loan and
// Publish cannot leak the chunk.
func (p *Publisher) Loan(size uint32) (Chunk, error) {
	ref, hdr, err := p.rt.alloc.Acquire(size)
	if err != nil {
		return Chunk{}, err
	}
	slot := p.desc.InUseAdd(ref)
	if slot < 0 {
		p.rt.alloc.Release(ref)
		return Chunk{}, ErrTooManyInFlight
	}
	hdr.SetOriginatorPort(p.desc.PortID())
	return Chunk{
		Ref:       ref,
		Header:    hdr,
		Payload:   p.rt.alloc.PayloadCapacity(ref)[:size],
		inUseSlot: slot,
	}, nil
}

// ReleaseLoan returns an unpublished loan to its pool.
func (p *Publisher) ReleaseLoan(c Chunk) {
	p.desc.InUseClear(c.inUseSlot)
	p.rt.alloc.Release(c.Ref)
}

// Publish stamps the sequence number and fans the chunk out to every
// matched subscriber queue in deterministic order. Newly attached queues
// receive the history replay first, so a late joiner always sees the
// retained backlog before live traffic.
func (p *Publisher) Publish(c Chunk) error {
	c.Header.SetSequence(p.desc.NextSequence())

	gen, links := p.desc.ReadLinks(p.linkBuf)
	p.linkBuf = links
	if gen != p.seenGen {
		p.refreshLinks(links)
		p.seenGen = gen
	}

	blocked := false
	for _, q := range p.live {
		p.rt.alloc.Retain(c.Ref)
		evicted, err := q.Push(c.Ref)
		switch {
		case err != nil:
			// full block-policy queue: undo the reference, surface it
			p.rt.alloc.Release(c.Ref)
			blocked = true
		case evicted != layout.NilRef:
			p.rt.alloc.Release(evicted)
		}
	}

	// the publisher's own reference moves into the history ring, or dies
	if p.desc.HistoryCap() > 0 {
		if evicted, has := p.desc.HistoryPush(c.Ref); has {
			p.rt.alloc.Release(evicted)
		}
	} else {
		p.rt.alloc.Release(c.Ref)
	}
	p.desc.InUseClear(c.inUseSlot)

	if blocked {
		return ErrBlocked
	}
	return nil
}

// refreshLinks rebuilds the fan-out views after the broker edited the
// link set, replaying history into queues seen for the first time.
func (p *Publisher) refreshLinks(links []layout.Ref) {
	p.live = p.live[:0]
	current := make(map[layout.Ref]bool, len(links))
	for _, ref := range links {
		current[ref] = true
		q, known := p.queues[ref]
		if !known {
			q = chunkqueue.View(p.rt.mapper, ref)
			p.queues[ref] = q
			p.replayHistory(q)
		}
		p.live = append(p.live, q)
	}
	for ref := range p.queues {
		if !current[ref] {
			delete(p.queues, ref)
		}
	}
}

// replayHistory pushes the retained backlog, oldest first, into a newly
// attached queue.
func (p *Publisher) replayHistory(q *chunkqueue.Queue) {
	var buf [constants.MaxHistoryCapacity]layout.Ref
	for _, ref := range p.desc.HistorySnapshot(buf[:0]) {
		p.rt.alloc.Retain(ref)
		evicted, err := q.Push(ref)
		switch {
		case err != nil:
			p.rt.alloc.Release(ref) // block policy and already full
		case evicted != layout.NilRef:
			p.rt.alloc.Release(evicted)
		}
	}
}

// Destroy tears the port down at the broker and invalidates the
// publisher.
func (p *Publisher) Destroy() error {
	req := wire.Encode(wire.OpDestroyPublisher, p.rt.name, strconv.FormatUint(p.rt.session, 10),
		p.svc.Service, p.svc.Instance, p.svc.Event)
	if err := p.rt.send(req); err != nil {
		return fmt.Errorf("client: destroy publisher: %w", err)
	}
	p.live = nil
	p.queues = nil
	return nil
}
