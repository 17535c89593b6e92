package client

import (
	"errors"
	"strconv"
	"time"

	"github.com/SyPeter/shmbus/chunkqueue"
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/ports"
	"github.com/SyPeter/shmbus/wire"
)

// ErrNoChunks reports that every matched queue is empty.
var ErrNoChunks = errors.New("client: no chunks available")

// Subscriber is the receiving endpoint of one service. One delivery
// queue exists per matched publisher; Take drains them round-robin, so
// ordering across publishers is this consumer's arrival order. Not safe
// for concurrent use.
type Subscriber struct {
	rt   *Runtime
	svc  ports.ServiceId
	slot int
	desc *ports.Desc

	seenGen uint64
	linkBuf []layout.Ref
	queues  map[layout.Ref]*chunkqueue.Queue
	live    []*chunkqueue.Queue
	rr      int // round-robin cursor over live
}

// NewSubscriber creates a subscriber port. queueCapacity 0 selects the
// default; policy decides full-queue behavior per delivery queue.
func (r *Runtime) NewSubscriber(svc ports.ServiceId, queueCapacity uint64, policy chunkqueue.Policy) (*Subscriber, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	req := wire.Encode(wire.OpCreateSubscriber, r.name, strconv.FormatUint(r.session, 10),
		svc.Service, svc.Instance, svc.Event,
		strconv.FormatUint(queueCapacity, 10), strconv.FormatUint(uint64(policy), 10))
	slot, err := r.call(req)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		rt:     r,
		svc:    svc,
		slot:   slot,
		desc:   r.table.Slot(slot),
		queues: make(map[layout.Ref]*chunkqueue.Queue),
	}, nil
}

// Service returns the port's service id.
func (s *Subscriber) Service() ports.ServiceId { return s.svc }

// State reports the shared port state (wait-for-offer, subscribed, ...).
func (s *Subscriber) State() uint32 { return s.desc.State() }

// Take returns the next chunk, draining matched publishers round-robin.
// The chunk stays live until Release.
func (s *Subscriber) Take() (Chunk, error) {
	gen, links := s.desc.ReadLinks(s.linkBuf)
	s.linkBuf = links
	if gen != s.seenGen {
		s.refreshLinks(links)
		s.seenGen = gen
	}
	n := len(s.live)
	for i := 0; i < n; i++ {
		q := s.live[(s.rr+i)%n]
		ref, err := q.Pop()
		if err != nil {
			continue
		}
		s.rr = (s.rr + i + 1) % n
		hdr := s.rt.alloc.Header(ref)
		return Chunk{
			Ref:       ref,
			Header:    hdr,
			Payload:   s.rt.alloc.Payload(ref),
			inUseSlot: s.desc.InUseAdd(ref),
		}, nil
	}
	return Chunk{}, ErrNoChunks
}

// Release hands the chunk back; the final holder's release returns it to
// its pool.
func (s *Subscriber) Release(c Chunk) {
	s.desc.InUseClear(c.inUseSlot)
	s.rt.alloc.Release(c.Ref)
}

// TakeWait spins for a chunk until the timeout elapses, using the
// adaptive strategy from waitStrategy: tight polls first, then yields,
// then short sleeps. Returns ErrNoChunks on timeout.
func (s *Subscriber) TakeWait(timeout time.Duration) (Chunk, error) {
	var out Chunk
	w := newWaitStrategy()
	ok := w.waitUntil(timeout, func() bool {
		c, err := s.Take()
		if err != nil {
			return false
		}
		out = c
		return true
	})
	if !ok {
		return Chunk{}, ErrNoChunks
	}
	return out, nil
}

func (s *Subscriber) refreshLinks(links []layout.Ref) {
	s.live = s.live[:0]
	current := make(map[layout.Ref]bool, len(links))
	for _, ref := range links {
		current[ref] = true
		q, known := s.queues[ref]
		if !known {
			q = chunkqueue.View(s.rt.mapper, ref)
			s.queues[ref] = q
		}
		s.live = append(s.live, q)
	}
	for ref := range s.queues {
		if !current[ref] {
			delete(s.queues, ref)
		}
	}
	if s.rr >= len(s.live) {
		s.rr = 0
	}
}

// Unsubscribe tears the port down at the broker; unread chunks are
// released there.
func (s *Subscriber) Unsubscribe() error {
	req := wire.Encode(wire.OpDestroySubscriber, s.rt.name, strconv.FormatUint(s.rt.session, 10),
		s.svc.Service, s.svc.Instance, s.svc.Event)
	if err := s.rt.send(req); err != nil {
		return err
	}
	s.live = nil
	s.queues = nil
	return nil
}
