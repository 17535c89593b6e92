package client

import (
	"runtime"
	"time"
)

// waitStrategy is the subscriber-side adaptive poll: a bounded spin
// phase with periodic yields, then millisecond sleeps until the
// deadline. The spin limit shrinks after misses and grows after hits so
// a hot stream stays on the fast path and an idle one backs off the CPU.
type waitStrategy struct {
	limit   int
	minSpin int
	maxSpin int
	incStep int
	decStep int
}

func newWaitStrategy() *waitStrategy {
	return &waitStrategy{
		limit:   2000,
		minSpin: 100,
		maxSpin: 20000,
		incStep: 200,
		decStep: 100,
	}
}

// waitUntil polls condition until it holds or timeout elapses.
func (w *waitStrategy) waitUntil(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		for i := 0; i < w.limit; i++ {
			if condition() {
				if w.limit += w.incStep; w.limit > w.maxSpin {
					w.limit = w.maxSpin
				}
				return true
			}
			if i&0x3F == 0 {
				runtime.Gosched()
			}
		}
		if w.limit -= w.decStep; w.limit < w.minSpin {
			w.limit = w.minSpin
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
