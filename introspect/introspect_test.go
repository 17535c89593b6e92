package introspect

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecorderPersistsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	r.Emit(KindRegister, "worker", "", map[string]any{"pid": 42})
	r.Emit(KindMatched, "worker", "Radar/FrontLeft/Object", nil)
	r.Emit(KindMatched, "viewer", "Radar/FrontLeft/Object", nil)

	// Close flushes the writer before the reopened count below
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	if n, err := r2.CountEvents(KindMatched); err != nil || n != 2 {
		t.Fatalf("matched events = %d, %v", n, err)
	}
	if n, _ := r2.CountEvents(KindRegister); n != 1 {
		t.Fatalf("register events = %d", n)
	}
}

func TestNilRecorderIsInert(t *testing.T) {
	var r *Recorder
	r.Emit(KindRegister, "x", "", nil) // must not panic
	r.Record(Event{Kind: KindMatched, When: time.Now()})
	if err := r.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if n, err := r.CountEvents(KindRegister); n != 0 || err != nil {
		t.Fatal("nil recorder reported events")
	}
}

func TestMetricsRegistered(t *testing.T) {
	m := NewMetrics()
	m.RegisteredProcesses.Set(3)
	m.SweepEvictions.Inc()
	m.ChunksInUse.WithLabelValues("/data", "0").Set(7)
	if m.Handler() == nil {
		t.Fatal("no metrics handler")
	}
}
