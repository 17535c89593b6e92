// Package ipc provides the local control channels: one unix datagram
// socket per participant inside a runtime directory. The broker listens
// on the well-known endpoint; each client listens on an endpoint named
// after itself for replies and notifications. Datagram boundaries are
// message boundaries, so no stream framing is needed on top of wire.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Endpoint is one bound datagram socket.
type Endpoint struct {
	conn *net.UnixConn
	path string
	dir  string
}

// SocketPath maps a channel name to its socket path. Names are
// flattened so client names cannot escape the runtime directory.
func SocketPath(dir, name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	return filepath.Join(dir, clean+".sock")
}

// Listen binds the named endpoint, replacing any stale socket left by a
// crashed predecessor.
func Listen(dir, name string) (*Endpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ipc: runtime dir: %w", err)
	}
	path := SocketPath(dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: stale socket %s: %w", path, err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	return &Endpoint{conn: conn, path: path, dir: dir}, nil
}

// Recv blocks for the next datagram and returns the payload slice of
// buf.
func (e *Endpoint) Recv(buf []byte) ([]byte, error) {
	n, _, err := e.conn.ReadFromUnix(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RecvTimeout is Recv bounded by a deadline; a zero timeout blocks.
func (e *Endpoint) RecvTimeout(buf []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer e.conn.SetReadDeadline(time.Time{})
	}
	return e.Recv(buf)
}

// Send delivers one datagram to the named endpoint in the same runtime
// directory. Fails if the peer is not listening.
func (e *Endpoint) Send(name string, payload []byte) error {
	addr := &net.UnixAddr{Name: SocketPath(e.dir, name), Net: "unixgram"}
	_, err := e.conn.WriteToUnix(payload, addr)
	return err
}

// SetRecvDeadline arms an absolute read deadline; the zero time clears
// it. Used by shutdown paths to unblock a pending Recv.
func (e *Endpoint) SetRecvDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// Path reports the endpoint socket path, for diagnostics.
func (e *Endpoint) Path() string { return e.path }

// Close unbinds and removes the socket.
func (e *Endpoint) Close() error {
	err := e.conn.Close()
	if rerr := os.Remove(e.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}
