// Package client is the process-side runtime: it registers with the
// broker over the control channel, maps the assigned segments, and
// exposes the zero-copy publisher and subscriber endpoints. After
// attachment, publishing and receiving never talk to the broker — they
// operate directly on the shared descriptors, pools, and queues.
package client

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/ipc"
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/mempool"
	"github.com/SyPeter/shmbus/ports"
	"github.com/SyPeter/shmbus/shmem"
	"github.com/SyPeter/shmbus/wire"
)

var (
	// ErrRejected reports a refused registration (usually NameInUse).
	ErrRejected = errors.New("client: registration rejected")
	// ErrTerminated reports that the broker ordered this runtime to shut
	// down; no further operations are possible.
	ErrTerminated = errors.New("client: terminated by broker")
	// ErrTimeout reports a missing broker reply.
	ErrTimeout = errors.New("client: broker reply timeout")
)

// replyTimeout bounds every synchronous control exchange.
const replyTimeout = 5 * time.Second

// Options tune an attachment.
type Options struct {
	RuntimeDir string // control-socket directory, default constants.DefaultRuntimeDir
	Monitored  bool   // participate in keepalive supervision
	User       string // reported to the registry; defaults to $USER
}

// Runtime is one attached client process.
type Runtime struct {
	name    string
	session uint64
	ep      *ipc.Endpoint
	mapper  *layout.Mapper
	alloc   *mempool.Allocator
	table   *ports.Table
	objs    []*shmem.Object
	segIDs  []uint16

	mu         sync.Mutex
	terminated bool
	matched    map[ports.ServiceId]int // MATCHED minus UNMATCHED per service

	stopKeepalive chan struct{}
	keepaliveDone chan struct{}
	monitored     bool
}

// Attach registers name with the broker and maps every assigned
// segment.
func Attach(name string, opts Options) (*Runtime, error) {
	if name == "" {
		return nil, fmt.Errorf("client: empty runtime name")
	}
	dir := opts.RuntimeDir
	if dir == "" {
		dir = constants.DefaultRuntimeDir
	}
	user := opts.User
	if user == "" {
		user = os.Getenv("USER")
	}

	ep, err := ipc.Listen(dir, name)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		name:          name,
		ep:            ep,
		mapper:        &layout.Mapper{},
		matched:       make(map[ports.ServiceId]int),
		stopKeepalive: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
		monitored:     opts.Monitored,
	}

	mon := "0"
	if opts.Monitored {
		mon = "1"
	}
	req := wire.Encode(wire.OpReg, name, strconv.Itoa(os.Getpid()), user, mon)
	if err := ep.Send(constants.BrokerChannelName, req); err != nil {
		ep.Close()
		return nil, fmt.Errorf("client: broker unreachable: %w", err)
	}

	keepaliveMs, err := r.awaitRegAck()
	if err != nil {
		ep.Close()
		return nil, err
	}
	r.alloc = mempool.NewAllocator(r.mapper)
	for _, id := range r.segIDs {
		if id == 0 {
			continue // the management segment hosts no pools
		}
		if err := r.alloc.AttachSegment(id); err != nil {
			r.unmapAll()
			ep.Close()
			return nil, err
		}
	}
	r.table = ports.OpenTable(r.mapper, 0)

	if opts.Monitored {
		go r.keepaliveLoop(time.Duration(keepaliveMs) * time.Millisecond / 2)
	} else {
		close(r.keepaliveDone)
	}
	return r, nil
}

// awaitRegAck processes the registration reply and maps the segments it
// lists.
func (r *Runtime) awaitRegAck() (keepaliveMs uint64, err error) {
	buf := make([]byte, constants.MaxDatagramSize)
	deadline := time.Now().Add(replyTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, ErrTimeout
		}
		payload, rerr := r.ep.RecvTimeout(buf, remain)
		if rerr != nil {
			return 0, ErrTimeout
		}
		s := wire.NewScanner(payload)
		op, serr := s.NextString()
		if serr != nil {
			continue
		}
		switch op {
		case wire.OpRegNak:
			reason, _ := s.NextString()
			return 0, fmt.Errorf("%w: %s", ErrRejected, reason)
		case wire.OpRegAck:
			session, e1 := s.NextUint()
			ka, e2 := s.NextUint()
			nseg, e3 := s.NextUint()
			if e1 != nil || e2 != nil || e3 != nil {
				return 0, wire.ErrMalformed
			}
			r.session = session
			for i := uint64(0); i < nseg; i++ {
				id, e1 := s.NextUint()
				segName, e2 := s.NextString()
				_, e3 := s.NextUint() // size; the mapping takes the object's real size
				_, e4 := s.NextUint() // writable flag; local bus maps read-write
				if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
					r.unmapAll()
					return 0, wire.ErrMalformed
				}
				obj, oerr := shmem.New(segName, 0, shmem.ReadWrite, shmem.Open, 0)
				if oerr != nil {
					r.unmapAll()
					return 0, oerr
				}
				r.objs = append(r.objs, obj)
				r.segIDs = append(r.segIDs, uint16(id))
				if aerr := r.mapper.Add(uint16(id), obj.Mem); aerr != nil {
					r.unmapAll()
					return 0, aerr
				}
			}
			return ka, nil
		default:
			// notification raced the ack; fold it in and keep waiting
			r.consumeNotification(op, &s)
		}
	}
}

// call sends a request and waits for a PORT_ACK/PORT_NAK, folding in any
// notifications that arrive first.
func (r *Runtime) call(req []byte) (slot int, err error) {
	if r.isTerminated() {
		return 0, ErrTerminated
	}
	if err := r.ep.Send(constants.BrokerChannelName, req); err != nil {
		return 0, err
	}
	buf := make([]byte, constants.MaxDatagramSize)
	deadline := time.Now().Add(replyTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, ErrTimeout
		}
		payload, rerr := r.ep.RecvTimeout(buf, remain)
		if rerr != nil {
			return 0, ErrTimeout
		}
		s := wire.NewScanner(payload)
		op, serr := s.NextString()
		if serr != nil {
			continue
		}
		switch op {
		case wire.OpPortAck:
			v, aerr := s.NextUint()
			if aerr != nil {
				return 0, wire.ErrMalformed
			}
			return int(v), nil
		case wire.OpPortNak:
			reason, _ := s.NextString()
			return 0, fmt.Errorf("client: broker refused: %s", reason)
		default:
			r.consumeNotification(op, &s)
			if r.isTerminated() {
				return 0, ErrTerminated
			}
		}
	}
}

// send fires a one-way control message.
func (r *Runtime) send(req []byte) error {
	if r.isTerminated() {
		return ErrTerminated
	}
	return r.ep.Send(constants.BrokerChannelName, req)
}

// Poll drains pending broker notifications without blocking.
func (r *Runtime) Poll() {
	buf := make([]byte, constants.MaxDatagramSize)
	for {
		payload, err := r.ep.RecvTimeout(buf, time.Millisecond)
		if err != nil {
			return
		}
		s := wire.NewScanner(payload)
		op, serr := s.NextString()
		if serr != nil {
			continue
		}
		r.consumeNotification(op, &s)
	}
}

func (r *Runtime) consumeNotification(op string, s *wire.Scanner) {
	switch op {
	case wire.OpMatched, wire.OpUnmatched:
		svcName, e1 := s.NextString()
		inst, e2 := s.NextString()
		event, e3 := s.NextString()
		if e1 != nil || e2 != nil || e3 != nil {
			return
		}
		svc := ports.ServiceId{Service: svcName, Instance: inst, Event: event}
		r.mu.Lock()
		if op == wire.OpMatched {
			r.matched[svc]++
		} else {
			r.matched[svc]--
		}
		r.mu.Unlock()
	case wire.OpTerminate:
		r.mu.Lock()
		r.terminated = true
		r.mu.Unlock()
	}
}

// MatchCount reports the net MATCHED notifications seen for a service.
func (r *Runtime) MatchCount(svc ports.ServiceId) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matched[svc]
}

func (r *Runtime) isTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// Session returns the session id issued at registration.
func (r *Runtime) Session() uint64 { return r.session }

// Name returns the runtime name.
func (r *Runtime) Name() string { return r.name }

func (r *Runtime) keepaliveLoop(interval time.Duration) {
	defer close(r.keepaliveDone)
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.stopKeepalive:
			return
		case <-t.C:
			msg := wire.Encode(wire.OpKeepalive, r.name, strconv.FormatUint(r.session, 10))
			if err := r.ep.Send(constants.BrokerChannelName, msg); err != nil {
				return // broker gone; the sweep will reap us
			}
		}
	}
}

// Close deregisters cleanly and releases every local resource.
func (r *Runtime) Close() error {
	r.stopKeepaliveLoop()
	if !r.isTerminated() {
		msg := wire.Encode(wire.OpDereg, r.name, strconv.FormatUint(r.session, 10))
		_ = r.ep.Send(constants.BrokerChannelName, msg)
	}
	r.unmapAll()
	return r.ep.Close()
}

// Abandon drops the runtime without deregistering, leaving the broker to
// discover the death via the keepalive deadline. Crash-path testing
// hook.
func (r *Runtime) Abandon() error {
	r.stopKeepaliveLoop()
	r.unmapAll()
	return r.ep.Close()
}

func (r *Runtime) stopKeepaliveLoop() {
	if !r.monitored {
		return
	}
	select {
	case <-r.stopKeepalive:
	default:
		close(r.stopKeepalive)
	}
	<-r.keepaliveDone
	r.monitored = false
}

func (r *Runtime) unmapAll() {
	for _, o := range r.objs {
		o.Close()
	}
	r.objs = nil
}
