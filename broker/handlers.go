package broker

import (
	"errors"
	"strconv"
	"time"

	"github.com/SyPeter/shmbus/chunkqueue"
	"github.com/SyPeter/shmbus/introspect"
	"github.com/SyPeter/shmbus/ports"
	"github.com/SyPeter/shmbus/registry"
	"github.com/SyPeter/shmbus/wire"
)

// dispatch parses and executes one inbound control datagram.
//
// Every inbound message carries the sender's name as its first argument
// (and, for all post-registration operations, the session id as the
// second), so replies and liveness attribution never depend on socket
// identity. A malformed frame from a registered client is a liveness
// violation: the client is told to terminate and is deregistered.
func (b *Broker) dispatch(payload []byte) {
	s := wire.NewScanner(payload)
	op, err := s.NextString()
	if err != nil {
		b.protocolError("", err)
		return
	}
	name, err := s.NextString()
	if err != nil {
		b.protocolError("", err)
		return
	}

	switch op {
	case wire.OpReg:
		b.handleReg(name, &s)
		return
	case wire.OpKeepalive:
		if session, err := s.NextUint(); err == nil {
			b.reg.Touch(name, session, time.Now())
		}
		return
	}

	// everything else requires a live session
	session, err := s.NextUint()
	if err != nil {
		b.violation(name, err)
		return
	}
	if b.reg.SessionOf(name) != session {
		return // stale traffic from a dead predecessor, drop silently
	}

	switch op {
	case wire.OpDereg:
		if err := b.reg.Deregister(name); err == nil {
			b.rec.Emit(introspect.KindDeregister, name, "", nil)
		}
	case wire.OpCreatePublisher:
		b.handleCreatePublisher(name, &s)
	case wire.OpDestroyPublisher:
		svc, err := scanService(&s)
		if err != nil {
			b.violation(name, err)
			return
		}
		if err := b.mgr.DestroyPublisher(name, svc); err != nil {
			dropError("broker: destroy publisher", err)
		}
		b.rec.Emit(introspect.KindPortDestroyed, name, svc.String(), map[string]any{"kind": "publisher"})
	case wire.OpCreateSubscriber:
		b.handleCreateSubscriber(name, &s)
	case wire.OpDestroySubscriber:
		svc, err := scanService(&s)
		if err != nil {
			b.violation(name, err)
			return
		}
		if err := b.mgr.DestroySubscriber(name, svc); err != nil {
			dropError("broker: destroy subscriber", err)
		}
		b.rec.Emit(introspect.KindPortDestroyed, name, svc.String(), map[string]any{"kind": "subscriber"})
	case wire.OpOffer:
		svc, err := scanService(&s)
		if err != nil {
			b.violation(name, err)
			return
		}
		if err := b.mgr.Offer(name, svc); err != nil {
			dropError("broker: offer", err)
		}
	case wire.OpStopOffer:
		svc, err := scanService(&s)
		if err != nil {
			b.violation(name, err)
			return
		}
		if err := b.mgr.StopOffer(name, svc); err != nil {
			dropError("broker: stop offer", err)
		}
	default:
		// unknown op: rejected, not a liveness violation — only a
		// malformed frame of a recognized op deregisters the sender
		b.protocolError(name, wire.ErrMalformed)
	}
}

// handleReg admits a client: REG name pid user monitored.
func (b *Broker) handleReg(name string, s *wire.Scanner) {
	pid, err1 := s.NextUint()
	user, err2 := s.NextString()
	mon, err3 := s.NextUint()
	if err1 != nil || err2 != nil || err3 != nil {
		b.protocolError(name, wire.ErrMalformed)
		return
	}
	session, segs, err := b.reg.Register(name, int(pid), user, mon == 1, time.Now())
	if err != nil {
		reason := "rejected"
		if errors.Is(err, registry.ErrNameInUse) {
			reason = "name in use"
		}
		b.reply(name, wire.Encode(wire.OpRegNak, reason))
		return
	}
	msg := wire.Encode(wire.OpRegAck,
		strconv.FormatUint(session, 10),
		strconv.FormatUint(uint64(b.cfg.KeepaliveTimeoutMs), 10),
		strconv.Itoa(len(segs)))
	for _, si := range segs {
		msg = wire.AppendUint(msg, uint64(si.ID))
		msg = wire.AppendString(msg, si.Name)
		msg = wire.AppendUint(msg, si.Size)
		writable := uint64(0)
		if si.Writable {
			writable = 1
		}
		msg = wire.AppendUint(msg, writable)
	}
	b.reply(name, msg)
	b.rec.Emit(introspect.KindRegister, name, "", map[string]any{
		"pid": pid, "user": user, "session": session, "monitored": mon == 1,
	})
}

// handleCreatePublisher: CREATE_PUBLISHER name session svc inst event history.
func (b *Broker) handleCreatePublisher(name string, s *wire.Scanner) {
	svc, err := scanService(s)
	if err != nil {
		b.violation(name, err)
		return
	}
	history, err := s.NextUint()
	if err != nil {
		b.violation(name, err)
		return
	}
	slot, err := b.mgr.CreatePublisher(name, svc, history)
	if err != nil {
		b.reply(name, wire.Encode(wire.OpPortNak, err.Error()))
		return
	}
	b.reply(name, wire.Encode(wire.OpPortAck, strconv.Itoa(slot)))
	b.rec.Emit(introspect.KindPortCreated, name, svc.String(), map[string]any{
		"kind": "publisher", "history": history,
	})
}

// handleCreateSubscriber: CREATE_SUBSCRIBER name session svc inst event cap policy.
func (b *Broker) handleCreateSubscriber(name string, s *wire.Scanner) {
	svc, err := scanService(s)
	if err != nil {
		b.violation(name, err)
		return
	}
	queueCap, err1 := s.NextUint()
	policy, err2 := s.NextUint()
	if err1 != nil || err2 != nil || policy > uint64(chunkqueue.Block) {
		b.violation(name, wire.ErrMalformed)
		return
	}
	slot, err := b.mgr.CreateSubscriber(name, svc, queueCap, chunkqueue.Policy(policy))
	if err != nil {
		b.reply(name, wire.Encode(wire.OpPortNak, err.Error()))
		return
	}
	b.reply(name, wire.Encode(wire.OpPortAck, strconv.Itoa(slot)))
	b.rec.Emit(introspect.KindPortCreated, name, svc.String(), map[string]any{
		"kind": "subscriber", "capacity": queueCap, "policy": policy,
	})
}

func scanService(s *wire.Scanner) (ports.ServiceId, error) {
	svc, err1 := s.NextString()
	inst, err2 := s.NextString()
	event, err3 := s.NextString()
	if err1 != nil || err2 != nil || err3 != nil {
		return ports.ServiceId{}, wire.ErrMalformed
	}
	return ports.ServiceId{Service: svc, Instance: inst, Event: event}, nil
}

// violation handles a malformed frame from a registered client: the
// client is told to terminate and its registration is torn down.
func (b *Broker) violation(name string, err error) {
	b.protocolError(name, err)
	if b.reg.SessionOf(name) == 0 {
		return
	}
	b.reply(name, wire.Encode(wire.OpTerminate))
	if derr := b.reg.Deregister(name); derr == nil {
		b.rec.Emit(introspect.KindDeregister, name, "", map[string]any{"cause": "protocol violation"})
	}
}

func (b *Broker) protocolError(name string, err error) {
	dropError("broker: protocol error from "+name, err)
	b.rec.Emit(introspect.KindProtocolError, name, "", nil)
	if b.met != nil {
		b.met.ProtocolErrors.Inc()
	}
}

func (b *Broker) reply(name string, msg []byte) {
	if err := b.ep.Send(name, msg); err != nil {
		dropError("broker: reply to "+name, err)
	}
}
