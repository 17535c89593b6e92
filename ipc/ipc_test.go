package ipc

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := Listen(dir, "endpoint-a")
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := Listen(dir, "endpoint-b")
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	if err := a.Send("endpoint-b", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 128)
	got, err := b.RecvTimeout(buf, time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestDatagramBoundariesPreserved(t *testing.T) {
	dir := t.TempDir()
	a, _ := Listen(dir, "a")
	defer a.Close()
	b, _ := Listen(dir, "b")
	defer b.Close()

	a.Send("b", []byte("one"))
	a.Send("b", []byte("twotwo"))
	buf := make([]byte, 64)
	first, err := b.RecvTimeout(buf, time.Second)
	if err != nil || string(first) != "one" {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := b.RecvTimeout(buf, time.Second)
	if err != nil || string(second) != "twotwo" {
		t.Fatalf("second = %q, %v", second, err)
	}
}

func TestSendToAbsentPeerFails(t *testing.T) {
	dir := t.TempDir()
	a, _ := Listen(dir, "a")
	defer a.Close()
	if err := a.Send("nobody", []byte("x")); err == nil {
		t.Fatal("send to absent peer succeeded")
	}
}

func TestRecvTimeout(t *testing.T) {
	dir := t.TempDir()
	a, _ := Listen(dir, "a")
	defer a.Close()
	start := time.Now()
	if _, err := a.RecvTimeout(make([]byte, 16), 30*time.Millisecond); err == nil {
		t.Fatal("recv on silent socket succeeded")
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout did not fire promptly")
	}
}

func TestStaleSocketReplaced(t *testing.T) {
	dir := t.TempDir()
	a, err := Listen(dir, "a")
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	// a crashed predecessor leaves its socket file behind
	path := a.Path()
	a.conn.Close() // close without removing
	if _, err := Listen(dir, "a"); err != nil {
		t.Fatalf("relisten over stale socket: %v", err)
	}
	if path != SocketPath(dir, "a") {
		t.Fatalf("path mismatch: %s", path)
	}
}

func TestSocketPathSanitizesNames(t *testing.T) {
	dir := t.TempDir()
	p := SocketPath(dir, "../evil/name")
	if filepath.Dir(p) != dir {
		t.Fatalf("sanitized path escapes dir: %s", p)
	}
}
