package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SyPeter/shmbus/chunkqueue"
	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/mempool"
)

var (
	// ErrNoSuchPort reports an operation on a port the manager does not
	// know under that owner and service id.
	ErrNoSuchPort = errors.New("ports: no such port")
	// ErrTableFull reports an exhausted port descriptor table.
	ErrTableFull = errors.New("ports: descriptor table full")
	// ErrFanoutFull reports a publisher that cannot take another queue.
	ErrFanoutFull = errors.New("ports: fan-out full")
)

// Notifier delivers matching events to clients; the broker backs it with
// the control channel, tests with a recording stub.
type Notifier interface {
	Matched(client string, svc ServiceId)
	Unmatched(client string, svc ServiceId)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Matched(string, ServiceId)   {}
func (NopNotifier) Unmatched(string, ServiceId) {}

type entry struct {
	owner string
	svc   ServiceId
	key   uint64
	slot  int
	desc  *Desc

	// publisher side
	offered    bool
	historyCap uint64

	// subscriber side
	queueCap uint64
	policy   chunkqueue.Policy
	pairs    map[*entry]layout.Ref // matched publisher → this pair's queue
}

// Manager tracks every live port, performs service matching, and edits
// the shared descriptors. All mutation happens under one daemon-local
// mutex; clients only ever read the descriptors.
type Manager struct {
	mu     sync.Mutex
	m      *layout.Mapper
	alloc  *mempool.Allocator
	seg    uint16 // management segment hosting table and queue arena
	table  *Table
	notify Notifier

	nextPortID uint64
	slotUsed   []bool
	pubs       []*entry // registration order, drives fan-out order
	subs       []*entry

	// queues parked by destroyed subscribers, reusable by capacity
	parked map[uint64][]layout.Ref
}

// NewManager binds a manager to a formatted management segment.
func NewManager(alloc *mempool.Allocator, seg uint16, notify Notifier) *Manager {
	if notify == nil {
		notify = NopNotifier{}
	}
	t := OpenTable(alloc.Mapper(), seg)
	return &Manager{
		m:          alloc.Mapper(),
		alloc:      alloc,
		seg:        seg,
		table:      t,
		notify:     notify,
		nextPortID: 1,
		slotUsed:   make([]bool, t.Count()),
		parked:     make(map[uint64][]layout.Ref),
	}
}

func (mg *Manager) takeSlot() (int, error) {
	for i, used := range mg.slotUsed {
		if !used {
			mg.slotUsed[i] = true
			return i, nil
		}
	}
	return 0, ErrTableFull
}

// CreatePublisher installs a publisher port in the not-offered state and
// returns its descriptor slot.
func (mg *Manager) CreatePublisher(owner string, svc ServiceId, historyCap uint64) (int, error) {
	if err := svc.Validate(); err != nil {
		return 0, err
	}
	if historyCap > constants.MaxHistoryCapacity {
		return 0, fmt.Errorf("ports: history capacity %d exceeds %d", historyCap, constants.MaxHistoryCapacity)
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()

	slot, err := mg.takeSlot()
	if err != nil {
		return 0, err
	}
	d := mg.table.Slot(slot)
	d.writeBegin()
	d.initSlot(KindPublisher, StateNotOffered, 0, mg.nextPortID, svc.Key(), 0, historyCap)
	d.writeEnd()
	mg.nextPortID++

	mg.pubs = append(mg.pubs, &entry{
		owner: owner, svc: svc, key: svc.Key(), slot: slot, desc: d,
		historyCap: historyCap,
	})
	return slot, nil
}

// CreateSubscriber installs a subscriber port and immediately matches it
// against every offered publisher with the same service id.
func (mg *Manager) CreateSubscriber(owner string, svc ServiceId, queueCap uint64, policy chunkqueue.Policy) (int, error) {
	if err := svc.Validate(); err != nil {
		return 0, err
	}
	if queueCap == 0 {
		queueCap = constants.DefaultQueueCapacity
	}
	if queueCap&(queueCap-1) != 0 {
		return 0, fmt.Errorf("ports: queue capacity %d must be a power of two", queueCap)
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()

	slot, err := mg.takeSlot()
	if err != nil {
		return 0, err
	}
	d := mg.table.Slot(slot)
	d.writeBegin()
	d.initSlot(KindSubscriber, StateWaitForOffer, uint32(policy), mg.nextPortID, svc.Key(), queueCap, 0)
	d.writeEnd()
	mg.nextPortID++

	sub := &entry{
		owner: owner, svc: svc, key: svc.Key(), slot: slot, desc: d,
		queueCap: queueCap, policy: policy, pairs: make(map[*entry]layout.Ref),
	}
	mg.subs = append(mg.subs, sub)

	for _, pub := range mg.pubs {
		if pub.offered && pub.key == sub.key && pub.svc == sub.svc {
			if err := mg.connect(pub, sub); err != nil {
				if errors.Is(err, ErrFanoutFull) {
					continue // port stays live, just not matched to this pair
				}
				return 0, err
			}
		}
	}
	return slot, nil
}

// Offer makes a publisher visible and matches every waiting subscriber,
// in subscriber-registration order.
func (mg *Manager) Offer(owner string, svc ServiceId) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	pub := mg.findPub(owner, svc)
	if pub == nil {
		return ErrNoSuchPort
	}
	if pub.offered {
		return nil
	}
	pub.offered = true
	pub.desc.writeBegin()
	pub.desc.setState(StateOffered)
	pub.desc.writeEnd()

	for _, sub := range mg.subs {
		if sub.key == pub.key && sub.svc == pub.svc && sub.desc.State() != StateUnsubscribed {
			if err := mg.connect(pub, sub); err != nil {
				if errors.Is(err, ErrFanoutFull) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// StopOffer withdraws a publisher. Matched subscribers revert to
// wait-for-offer; their queues are drained with every unread reference
// released. Chunk payloads survive as long as any holder remains.
func (mg *Manager) StopOffer(owner string, svc ServiceId) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	pub := mg.findPub(owner, svc)
	if pub == nil {
		return ErrNoSuchPort
	}
	mg.stopOfferLocked(pub)
	return nil
}

func (mg *Manager) stopOfferLocked(pub *entry) {
	if !pub.offered {
		return
	}
	pub.offered = false
	pub.desc.writeBegin()
	pub.desc.setState(StateNotOffered)
	pub.desc.clearLinks()
	pub.desc.writeEnd()

	for _, sub := range mg.subs {
		q, ok := sub.pairs[pub]
		if !ok {
			continue
		}
		mg.drainQueue(q)
		sub.desc.writeBegin()
		sub.desc.removeLink(q)
		if sub.desc.linkCnt == 0 && sub.desc.State() == StateSubscribed {
			sub.desc.setState(StateWaitForOffer)
		}
		sub.desc.writeEnd()
		mg.notify.Unmatched(sub.owner, sub.svc)
	}
}

// connect installs (or revives) the delivery queue of one
// publisher/subscriber pair. Caller holds the lock.
func (mg *Manager) connect(pub, sub *entry) error {
	q, ok := sub.pairs[pub]
	if !ok {
		if parked := mg.parked[sub.queueCap]; len(parked) > 0 {
			q = parked[len(parked)-1]
			mg.parked[sub.queueCap] = parked[:len(parked)-1]
			chunkqueue.Reset(mg.m, q, sub.policy)
		} else {
			var err error
			q, err = chunkqueue.Alloc(mg.m, mg.seg, sub.queueCap, sub.policy)
			if err != nil {
				return err
			}
		}
		sub.pairs[pub] = q
	}

	pub.desc.writeBegin()
	okAdd := pub.desc.addLink(q)
	pub.desc.writeEnd()
	if !okAdd {
		return ErrFanoutFull
	}

	sub.desc.writeBegin()
	if !sub.desc.addLink(q) {
		sub.desc.writeEnd()
		pub.desc.writeBegin()
		pub.desc.removeLink(q)
		pub.desc.writeEnd()
		return ErrFanoutFull
	}
	sub.desc.setState(StateSubscribed)
	sub.desc.writeEnd()

	mg.notify.Matched(sub.owner, sub.svc)
	return nil
}

// DestroyPublisher tears a publisher down: fan-out drained, history and
// in-flight references released, slot freed.
func (mg *Manager) DestroyPublisher(owner string, svc ServiceId) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	pub := mg.findPub(owner, svc)
	if pub == nil {
		return ErrNoSuchPort
	}
	mg.teardownPub(pub)
	return nil
}

// DestroySubscriber removes a subscriber port; unread queue entries are
// released and the queue parked for reuse.
func (mg *Manager) DestroySubscriber(owner string, svc ServiceId) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	sub := mg.findSub(owner, svc)
	if sub == nil {
		return ErrNoSuchPort
	}
	mg.teardownSub(sub)
	return nil
}

func (mg *Manager) teardownPub(pub *entry) {
	mg.stopOfferLocked(pub)

	// release retained history and anything loaned but never published
	var hbuf [constants.MaxHistoryCapacity]layout.Ref
	for _, ref := range pub.desc.HistorySnapshot(hbuf[:0]) {
		mg.alloc.Release(ref)
	}
	pub.desc.historyReset()
	pub.desc.InUseDrain(func(ref layout.Ref) { mg.alloc.Release(ref) })

	mg.freeSlot(pub.desc, pub.slot)
	mg.pubs = removeEntry(mg.pubs, pub)
}

func (mg *Manager) teardownSub(sub *entry) {
	for pub, q := range sub.pairs {
		pub.desc.writeBegin()
		pub.desc.removeLink(q)
		pub.desc.writeEnd()
		mg.drainQueue(q)
		mg.parked[sub.queueCap] = append(mg.parked[sub.queueCap], q)
	}
	sub.pairs = nil
	sub.desc.InUseDrain(func(ref layout.Ref) { mg.alloc.Release(ref) })

	sub.desc.writeBegin()
	sub.desc.setState(StateUnsubscribed)
	sub.desc.clearLinks()
	sub.desc.writeEnd()

	mg.freeSlot(sub.desc, sub.slot)
	mg.subs = removeEntry(mg.subs, sub)
}

// DestroyProcessPorts removes every port owned by a process; the crash
// and deregistration cleanup entry point.
func (mg *Manager) DestroyProcessPorts(owner string) (pubs, subs int) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	for _, pub := range append([]*entry(nil), mg.pubs...) {
		if pub.owner == owner {
			mg.teardownPub(pub)
			pubs++
		}
	}
	for _, sub := range append([]*entry(nil), mg.subs...) {
		if sub.owner == owner {
			mg.teardownSub(sub)
			subs++
		}
	}
	return pubs, subs
}

// Counts reports live publisher and subscriber ports.
func (mg *Manager) Counts() (pubs, subs int) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.pubs), len(mg.subs)
}

func (mg *Manager) drainQueue(q layout.Ref) {
	chunkqueue.View(mg.m, q).Drain(func(ref layout.Ref) {
		mg.alloc.Release(ref)
	})
}

func (mg *Manager) freeSlot(d *Desc, slot int) {
	d.writeBegin()
	d.initSlot(KindFree, StateNotOffered, 0, 0, 0, 0, 0)
	d.writeEnd()
	mg.slotUsed[slot] = false
}

func (mg *Manager) findPub(owner string, svc ServiceId) *entry {
	for _, e := range mg.pubs {
		if e.owner == owner && e.svc == svc {
			return e
		}
	}
	return nil
}

func (mg *Manager) findSub(owner string, svc ServiceId) *entry {
	for _, e := range mg.subs {
		if e.owner == owner && e.svc == svc {
			return e
		}
	}
	return nil
}

func removeEntry(list []*entry, e *entry) []*entry {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
