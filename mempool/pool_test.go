package mempool

import (
	"errors"
	"sync"
	"testing"

	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/layout"
)

// newTestAllocator formats a segment in ordinary memory; the allocator
// never knows whether the bytes came from mmap or make.
func newTestAllocator(t *testing.T, classes []ClassConfig) (*Allocator, *layout.Mapper) {
	t.Helper()
	mem := make([]byte, SegmentSize(classes))
	h, err := layout.Format(mem, layout.FormatSpec{SegmentID: 1, PoolCount: len(classes)})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if err := FormatPools(mem, h, classes); err != nil {
		t.Fatalf("format pools: %v", err)
	}
	m := &layout.Mapper{}
	if err := m.Add(1, mem); err != nil {
		t.Fatalf("map: %v", err)
	}
	a := NewAllocator(m)
	if err := a.AttachSegment(1); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return a, m
}

var testClasses = []ClassConfig{
	{ChunkSize: 128, ChunkCount: 8},
	{ChunkSize: 256, ChunkCount: 4},
	{ChunkSize: 1024, ChunkCount: 2},
}

func freeCounts(a *Allocator) []uint64 {
	var out []uint64
	for _, p := range a.Pools(1) {
		out = append(out, p.FreeCount())
	}
	return out
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)
	before := freeCounts(a)

	ref, hdr, err := a.Acquire(32)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if hdr.RefCount() != 1 {
		t.Fatalf("fresh chunk refcount = %d, want 1", hdr.RefCount())
	}
	if hdr.PayloadSize() != 32 {
		t.Fatalf("payload size = %d, want 32", hdr.PayloadSize())
	}
	if got := a.Pools(1)[0].FreeCount(); got != before[0]-1 {
		t.Fatalf("free count after acquire = %d, want %d", got, before[0]-1)
	}

	a.Release(ref)
	for i, got := range freeCounts(a) {
		if got != before[i] {
			t.Fatalf("pool %d free count = %d after release, want %d", i, got, before[i])
		}
	}
}

func TestSmallestSufficientClass(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)

	// 64 payload + 64 header = 128 exactly fits class 0
	ref, hdr, err := a.Acquire(64)
	if err != nil {
		t.Fatalf("acquire boundary: %v", err)
	}
	if hdr.OriginPool() != 0 {
		t.Fatalf("origin pool = %d, want 0", hdr.OriginPool())
	}
	a.Release(ref)

	// one byte more must promote to the next class
	ref, hdr, err = a.Acquire(65)
	if err != nil {
		t.Fatalf("acquire promoted: %v", err)
	}
	if hdr.OriginPool() != 1 {
		t.Fatalf("origin pool = %d, want 1", hdr.OriginPool())
	}
	a.Release(ref)
}

func TestOversizeRequestFailsImmediately(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)
	if _, _, err := a.Acquire(4096); !errors.Is(err, ErrOutOfChunks) {
		t.Fatalf("oversize acquire = %v, want ErrOutOfChunks", err)
	}
	for i, got := range freeCounts(a) {
		if want := testClasses[i].ChunkCount; got != want {
			t.Fatalf("pool %d disturbed by failed acquire: %d != %d", i, got, want)
		}
	}
}

func TestExhaustionEscalatesThenFails(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)

	var held []layout.Ref
	for i := 0; i < int(testClasses[0].ChunkCount); i++ {
		ref, _, err := a.Acquire(32)
		if err != nil {
			t.Fatalf("drain class 0: %v", err)
		}
		held = append(held, ref)
	}

	// class 0 empty: the same request lands in class 1
	ref, hdr, err := a.Acquire(32)
	if err != nil {
		t.Fatalf("escalated acquire: %v", err)
	}
	if hdr.OriginPool() != 1 {
		t.Fatalf("escalated origin pool = %d, want 1", hdr.OriginPool())
	}
	held = append(held, ref)

	// drain everything else, then the request must fail
	for {
		r, _, err := a.Acquire(32)
		if err != nil {
			if !errors.Is(err, ErrOutOfChunks) {
				t.Fatalf("exhaustion error = %v", err)
			}
			break
		}
		held = append(held, r)
	}

	for _, r := range held {
		a.Release(r)
	}
	for i, got := range freeCounts(a) {
		if want := testClasses[i].ChunkCount; got != want {
			t.Fatalf("pool %d free count = %d after full release, want %d", i, got, want)
		}
	}
}

func TestRetainRelease(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)
	ref, hdr, err := a.Acquire(16)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a.Retain(ref)
	a.Retain(ref)
	if hdr.RefCount() != 3 {
		t.Fatalf("refcount = %d, want 3", hdr.RefCount())
	}
	a.Release(ref)
	a.Release(ref)
	if hdr.RefCount() != 1 {
		t.Fatalf("refcount = %d, want 1", hdr.RefCount())
	}
	if a.Pools(1)[0].FreeCount() != testClasses[0].ChunkCount-1 {
		t.Fatal("chunk returned to pool while still referenced")
	}
	a.Release(ref)
	if a.Pools(1)[0].FreeCount() != testClasses[0].ChunkCount {
		t.Fatal("final release did not return the chunk")
	}
}

func TestRetainDeadChunkPanics(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)
	ref, _, err := a.Acquire(16)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a.Release(ref)
	defer func() {
		if recover() == nil {
			t.Fatal("retain on a dead chunk did not panic")
		}
	}()
	a.Retain(ref)
}

func TestPayloadWriteReadInPlace(t *testing.T) {
	a, _ := newTestAllocator(t, testClasses)
	ref, _, err := a.Acquire(8)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	copy(a.Payload(ref), []byte("payload!"))
	if string(a.Payload(ref)) != "payload!" {
		t.Fatalf("payload round trip = %q", a.Payload(ref))
	}
	a.Release(ref)
}

// TestConcurrentChurn hammers one class from many goroutines and checks
// the conservation invariant afterwards: every chunk is either free or
// was released, never both, never neither.
func TestConcurrentChurn(t *testing.T) {
	classes := []ClassConfig{{ChunkSize: 128, ChunkCount: 64}}
	a, _ := newTestAllocator(t, classes)

	const (
		workers = 8
		rounds  = 2000
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []layout.Ref
			for i := 0; i < rounds; i++ {
				if ref, _, err := a.Acquire(16); err == nil {
					local = append(local, ref)
				}
				if len(local) > 4 {
					a.Release(local[0])
					local = local[1:]
				}
			}
			for _, r := range local {
				a.Release(r)
			}
		}()
	}
	wg.Wait()

	p := a.Pools(1)[0]
	if p.FreeCount() != classes[0].ChunkCount {
		t.Fatalf("free count after churn = %d, want %d", p.FreeCount(), classes[0].ChunkCount)
	}

	// the free list must hold every index exactly once
	seen := make(map[layout.Ref]bool)
	for i := uint64(0); i < classes[0].ChunkCount; i++ {
		ref, _, err := a.Acquire(16)
		if err != nil {
			t.Fatalf("refill acquire %d: %v", i, err)
		}
		if seen[ref] {
			t.Fatalf("chunk %v handed out twice", ref)
		}
		seen[ref] = true
	}
	if _, _, err := a.Acquire(16); !errors.Is(err, ErrOutOfChunks) {
		t.Fatal("free list held more indices than chunkCount")
	}
}

func TestChunkHeaderPrefix(t *testing.T) {
	if constants.ChunkHeaderSize != 64 {
		t.Fatalf("header size constant = %d", constants.ChunkHeaderSize)
	}
}
