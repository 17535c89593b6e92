package ports

import (
	"errors"
	"testing"

	"github.com/SyPeter/shmbus/chunkqueue"
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/mempool"
)

// recordingNotifier captures match events for assertions.
type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Matched(client string, svc ServiceId) {
	n.events = append(n.events, "match:"+client+":"+svc.String())
}
func (n *recordingNotifier) Unmatched(client string, svc ServiceId) {
	n.events = append(n.events, "unmatch:"+client+":"+svc.String())
}

// newTestManager formats a management and a data segment in ordinary
// memory and wires a manager over them.
func newTestManager(t *testing.T) (*Manager, *mempool.Allocator, *recordingNotifier) {
	t.Helper()
	m := &layout.Mapper{}

	mgmtSpec := layout.FormatSpec{SegmentID: 0, PortCount: 16, QueueArenaSize: 1 << 16}
	mgmt := make([]byte, mgmtSpec.MetaSize())
	if _, err := layout.Format(mgmt, mgmtSpec); err != nil {
		t.Fatalf("format mgmt: %v", err)
	}
	if err := m.Add(0, mgmt); err != nil {
		t.Fatalf("map mgmt: %v", err)
	}

	classes := []mempool.ClassConfig{{ChunkSize: 128, ChunkCount: 16}}
	data := make([]byte, mempool.SegmentSize(classes))
	h, err := layout.Format(data, layout.FormatSpec{SegmentID: 1, PoolCount: 1})
	if err != nil {
		t.Fatalf("format data: %v", err)
	}
	if err := mempool.FormatPools(data, h, classes); err != nil {
		t.Fatalf("format pools: %v", err)
	}
	if err := m.Add(1, data); err != nil {
		t.Fatalf("map data: %v", err)
	}

	alloc := mempool.NewAllocator(m)
	if err := alloc.AttachSegment(1); err != nil {
		t.Fatalf("attach: %v", err)
	}
	n := &recordingNotifier{}
	return NewManager(alloc, 0, n), alloc, n
}

var radar = ServiceId{Service: "Radar", Instance: "FrontLeft", Event: "Object"}

func TestServiceIdValidation(t *testing.T) {
	if err := radar.Validate(); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	bad := ServiceId{Service: "", Instance: "x", Event: "y"}
	if err := bad.Validate(); err == nil {
		t.Fatal("empty component accepted")
	}
	long := ServiceId{Service: string(make([]byte, 65)), Instance: "x", Event: "y"}
	if err := long.Validate(); err == nil {
		t.Fatal("overlong component accepted")
	}
}

func TestServiceIdKeyStructure(t *testing.T) {
	a := ServiceId{Service: "ab", Instance: "c", Event: "d"}
	b := ServiceId{Service: "a", Instance: "bc", Event: "d"}
	if a.Key() == b.Key() {
		t.Fatal("length-prefixed key collided structurally")
	}
	if a.Key() != a.Key() {
		t.Fatal("key not deterministic")
	}
}

func TestOfferMatchesWaitingSubscriber(t *testing.T) {
	mg, _, n := newTestManager(t)

	subSlot, err := mg.CreateSubscriber("sub-proc", radar, 8, chunkqueue.DropOldest)
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
	subDesc := mg.table.Slot(subSlot)
	if subDesc.State() != StateWaitForOffer {
		t.Fatalf("fresh subscriber state = %d", subDesc.State())
	}

	pubSlot, err := mg.CreatePublisher("pub-proc", radar, 0)
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	pubDesc := mg.table.Slot(pubSlot)
	if pubDesc.State() != StateNotOffered {
		t.Fatalf("fresh publisher state = %d", pubDesc.State())
	}

	if err := mg.Offer("pub-proc", radar); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if pubDesc.State() != StateOffered {
		t.Fatal("publisher not offered")
	}
	if subDesc.State() != StateSubscribed {
		t.Fatal("subscriber not subscribed after matching offer")
	}

	_, pubLinks := pubDesc.ReadLinks(nil)
	_, subLinks := subDesc.ReadLinks(nil)
	if len(pubLinks) != 1 || len(subLinks) != 1 || pubLinks[0] != subLinks[0] {
		t.Fatalf("link sets: pub=%v sub=%v", pubLinks, subLinks)
	}
	if len(n.events) != 1 || n.events[0] != "match:sub-proc:Radar/FrontLeft/Object" {
		t.Fatalf("events = %v", n.events)
	}
}

func TestSubscribeAfterOfferMatchesImmediately(t *testing.T) {
	mg, _, _ := newTestManager(t)
	if _, err := mg.CreatePublisher("pub", radar, 0); err != nil {
		t.Fatal(err)
	}
	if err := mg.Offer("pub", radar); err != nil {
		t.Fatal(err)
	}
	slot, err := mg.CreateSubscriber("sub", radar, 8, chunkqueue.DropOldest)
	if err != nil {
		t.Fatal(err)
	}
	if mg.table.Slot(slot).State() != StateSubscribed {
		t.Fatal("late subscriber not matched against offered publisher")
	}
}

func TestNoMatchAcrossDifferentServices(t *testing.T) {
	mg, _, _ := newTestManager(t)
	other := ServiceId{Service: "Radar", Instance: "FrontRight", Event: "Object"}
	mg.CreatePublisher("pub", radar, 0)
	mg.Offer("pub", radar)
	slot, _ := mg.CreateSubscriber("sub", other, 8, chunkqueue.DropOldest)
	if mg.table.Slot(slot).State() != StateWaitForOffer {
		t.Fatal("subscriber matched a different instance")
	}
}

func TestStopOfferRevertsSubscribers(t *testing.T) {
	mg, alloc, n := newTestManager(t)
	mg.CreatePublisher("pub", radar, 0)
	subSlot, _ := mg.CreateSubscriber("sub", radar, 8, chunkqueue.DropOldest)
	mg.Offer("pub", radar)

	// park an unread chunk in the pair queue, as a publisher would
	subDesc := mg.table.Slot(subSlot)
	_, links := subDesc.ReadLinks(nil)
	ref, _, err := alloc.Acquire(16)
	if err != nil {
		t.Fatal(err)
	}
	q := chunkqueue.View(alloc.Mapper(), links[0])
	if _, err := q.Push(ref); err != nil {
		t.Fatal(err)
	}

	free := alloc.Pools(1)[0].FreeCount()
	if err := mg.StopOffer("pub", radar); err != nil {
		t.Fatal(err)
	}
	if subDesc.State() != StateWaitForOffer {
		t.Fatal("subscriber did not revert to wait-for-offer")
	}
	if got := alloc.Pools(1)[0].FreeCount(); got != free+1 {
		t.Fatalf("queued chunk not released on stop-offer: free %d, want %d", got, free+1)
	}
	found := false
	for _, e := range n.events {
		if e == "unmatch:sub:Radar/FrontLeft/Object" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no unmatch event: %v", n.events)
	}
}

func TestReofferReusesPairQueue(t *testing.T) {
	mg, _, _ := newTestManager(t)
	mg.CreatePublisher("pub", radar, 0)
	subSlot, _ := mg.CreateSubscriber("sub", radar, 8, chunkqueue.DropOldest)
	mg.Offer("pub", radar)
	subDesc := mg.table.Slot(subSlot)
	_, first := subDesc.ReadLinks(nil)

	mg.StopOffer("pub", radar)
	mg.Offer("pub", radar)
	_, second := subDesc.ReadLinks(nil)
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("pair queue not reused: %v then %v", first, second)
	}
}

// TestSubscribeUnsubscribeRoundTrip checks that a subscribe/unsubscribe
// cycle leaves the publisher's fan-out empty and the pool undisturbed.
func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	mg, alloc, _ := newTestManager(t)
	pubSlot, _ := mg.CreatePublisher("pub", radar, 0)
	mg.Offer("pub", radar)
	free := alloc.Pools(1)[0].FreeCount()

	if _, err := mg.CreateSubscriber("sub", radar, 8, chunkqueue.DropOldest); err != nil {
		t.Fatal(err)
	}
	if err := mg.DestroySubscriber("sub", radar); err != nil {
		t.Fatal(err)
	}

	pubDesc := mg.table.Slot(pubSlot)
	if _, links := pubDesc.ReadLinks(nil); len(links) != 0 {
		t.Fatalf("publisher fan-out not empty: %v", links)
	}
	if got := alloc.Pools(1)[0].FreeCount(); got != free {
		t.Fatalf("pool disturbed: %d != %d", got, free)
	}
	if _, subs := mg.Counts(); subs != 0 {
		t.Fatal("subscriber entry survived")
	}
}

func TestFanoutOrderIsRegistrationOrder(t *testing.T) {
	mg, _, _ := newTestManager(t)
	pubSlot, _ := mg.CreatePublisher("pub", radar, 0)
	s1, _ := mg.CreateSubscriber("sub1", radar, 8, chunkqueue.DropOldest)
	s2, _ := mg.CreateSubscriber("sub2", radar, 8, chunkqueue.DropOldest)
	mg.Offer("pub", radar)

	_, pubLinks := mg.table.Slot(pubSlot).ReadLinks(nil)
	_, l1 := mg.table.Slot(s1).ReadLinks(nil)
	_, l2 := mg.table.Slot(s2).ReadLinks(nil)
	if len(pubLinks) != 2 || pubLinks[0] != l1[0] || pubLinks[1] != l2[0] {
		t.Fatalf("fan-out order: pub=%v sub1=%v sub2=%v", pubLinks, l1, l2)
	}
}

func TestDestroyProcessPortsReleasesEverything(t *testing.T) {
	mg, alloc, _ := newTestManager(t)
	free := alloc.Pools(1)[0].FreeCount()

	pubSlot, _ := mg.CreatePublisher("proc", radar, 4)
	mg.Offer("proc", radar)
	pubDesc := mg.table.Slot(pubSlot)

	// simulate the owner: one chunk loaned but unpublished, one retained
	// in history
	loaned, _, err := alloc.Acquire(16)
	if err != nil {
		t.Fatal(err)
	}
	pubDesc.InUseAdd(loaned)
	published, _, err := alloc.Acquire(16)
	if err != nil {
		t.Fatal(err)
	}
	pubDesc.HistoryPush(published)

	pubs, subs := mg.DestroyProcessPorts("proc")
	if pubs != 1 || subs != 0 {
		t.Fatalf("destroyed %d/%d ports", pubs, subs)
	}
	if got := alloc.Pools(1)[0].FreeCount(); got != free {
		t.Fatalf("crash cleanup leaked chunks: free %d, want %d", got, free)
	}
	if pubDesc.Kind() != KindFree {
		t.Fatal("descriptor slot not freed")
	}
}

func TestHistoryRing(t *testing.T) {
	mg, alloc, _ := newTestManager(t)
	slot, _ := mg.CreatePublisher("pub", radar, 2)
	d := mg.table.Slot(slot)

	r1, _, _ := alloc.Acquire(8)
	r2, _, _ := alloc.Acquire(8)
	r3, _, _ := alloc.Acquire(8)
	if _, has := d.HistoryPush(r1); has {
		t.Fatal("eviction from non-full ring")
	}
	d.HistoryPush(r2)
	ev, has := d.HistoryPush(r3)
	if !has || ev != r1 {
		t.Fatalf("evicted %v, want %v", ev, r1)
	}
	snap := d.HistorySnapshot(nil)
	if len(snap) != 2 || snap[0] != r2 || snap[1] != r3 {
		t.Fatalf("snapshot = %v, want [r2 r3]", snap)
	}
	alloc.Release(r1)
	mg.DestroyProcessPorts("pub")
	// r2, r3 released by teardown; pool must be whole again
	if alloc.Pools(1)[0].FreeCount() != 16 {
		t.Fatal("history teardown leaked")
	}
}

func TestUnknownPortErrors(t *testing.T) {
	mg, _, _ := newTestManager(t)
	if err := mg.Offer("ghost", radar); !errors.Is(err, ErrNoSuchPort) {
		t.Fatalf("offer unknown = %v", err)
	}
	if err := mg.DestroySubscriber("ghost", radar); !errors.Is(err, ErrNoSuchPort) {
		t.Fatalf("destroy unknown = %v", err)
	}
}

func TestHistoryCapBounded(t *testing.T) {
	mg, _, _ := newTestManager(t)
	if _, err := mg.CreatePublisher("pub", radar, 1000); err == nil {
		t.Fatal("oversized history accepted")
	}
}
