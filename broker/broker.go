// Package broker wires the daemon together: segment bring-up, the port
// manager and process registry, the control loop over the local channel,
// and the monitor that sweeps dead clients. The broker never touches
// payload traffic; after setup its only work is control messages and
// supervision.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/SyPeter/shmbus/config"
	"github.com/SyPeter/shmbus/constants"
	"github.com/SyPeter/shmbus/control"
	"github.com/SyPeter/shmbus/introspect"
	"github.com/SyPeter/shmbus/ipc"
	"github.com/SyPeter/shmbus/layout"
	"github.com/SyPeter/shmbus/mempool"
	"github.com/SyPeter/shmbus/ports"
	"github.com/SyPeter/shmbus/registry"
	"github.com/SyPeter/shmbus/shmem"
	"github.com/SyPeter/shmbus/wire"
)

// mgmtSegID is always segment 0; data segments follow in config order.
const mgmtSegID = uint16(0)

// Broker is one running daemon instance.
type Broker struct {
	cfg    *config.Config
	ep     *ipc.Endpoint
	objs   []*shmem.Object
	mapper *layout.Mapper
	alloc  *mempool.Allocator
	mgr    *ports.Manager
	reg    *registry.Registry
	rec    *introspect.Recorder
	met    *introspect.Metrics

	segInfos []shmem.SegmentInfo
	interval time.Duration
}

// New creates every segment, formats the layout, and binds the control
// endpoint. On error nothing stays behind: created segments are
// destroyed before returning.
func New(cfg *config.Config) (b *Broker, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b = &Broker{
		cfg:      cfg,
		mapper:   &layout.Mapper{},
		interval: time.Duration(cfg.MonitoringIntervalMs) * time.Millisecond,
	}
	if b.interval <= 0 {
		b.interval = constants.DefaultMonitoringIntervalMs * time.Millisecond
	}
	defer func() {
		if err != nil {
			b.teardown()
		}
	}()

	// management segment: port table plus delivery-queue arena
	mgmtSpec := layout.FormatSpec{
		SegmentID:      mgmtSegID,
		PortCount:      cfg.PortCapacity,
		QueueArenaSize: cfg.QueueArenaSize,
	}
	mgmt, err := shmem.New(cfg.MgmtSegmentName(), mgmtSpec.MetaSize(), shmem.ReadWrite, shmem.PurgeAndCreate, 0o660)
	if err != nil {
		return nil, fmt.Errorf("broker: management segment: %w", err)
	}
	b.objs = append(b.objs, mgmt)
	if _, err := layout.Format(mgmt.Mem, mgmtSpec); err != nil {
		return nil, err
	}
	if err := b.mapper.Add(mgmtSegID, mgmt.Mem); err != nil {
		return nil, err
	}
	b.segInfos = append(b.segInfos, shmem.SegmentInfo{
		ID: mgmtSegID, Name: mgmt.Name, Size: mgmt.Size, Writable: true,
	})

	b.alloc = mempool.NewAllocator(b.mapper)

	for i, sc := range cfg.Segments {
		id := uint16(i + 1)
		classes := make([]mempool.ClassConfig, len(sc.Pools))
		for j, p := range sc.Pools {
			classes[j] = mempool.ClassConfig{ChunkSize: p.ChunkSize, ChunkCount: p.ChunkCount}
		}
		mode, err := sc.ModeBits()
		if err != nil {
			return nil, err
		}
		obj, err := shmem.New(sc.Name, mempool.SegmentSize(classes), shmem.ReadWrite, shmem.PurgeAndCreate, mode)
		if err != nil {
			return nil, fmt.Errorf("broker: data segment %q: %w", sc.Name, err)
		}
		b.objs = append(b.objs, obj)
		h, err := layout.Format(obj.Mem, layout.FormatSpec{SegmentID: id, PoolCount: len(classes)})
		if err != nil {
			return nil, err
		}
		if err := mempool.FormatPools(obj.Mem, h, classes); err != nil {
			return nil, err
		}
		if err := b.mapper.Add(id, obj.Mem); err != nil {
			return nil, err
		}
		if err := b.alloc.AttachSegment(id); err != nil {
			return nil, err
		}
		b.segInfos = append(b.segInfos, shmem.SegmentInfo{
			ID: id, Name: obj.Name, Size: obj.Size, Writable: true,
			ReaderGroup: sc.ReaderGroup, WriterGroup: sc.WriterGroup,
		})
	}

	if cfg.IntrospectionDB != "" {
		rec, err := introspect.Open(cfg.IntrospectionDB)
		if err != nil {
			return nil, err
		}
		b.rec = rec
	}
	if cfg.MetricsAddr != "" {
		b.met = introspect.NewMetrics()
	}

	b.mgr = ports.NewManager(b.alloc, mgmtSegID, &notifier{b: b})
	keepalive := time.Duration(cfg.KeepaliveTimeoutMs) * time.Millisecond
	b.reg = registry.New(keepalive, b.mgr, b.segInfos)

	ep, err := ipc.Listen(cfg.RuntimeDir, constants.BrokerChannelName)
	if err != nil {
		return nil, err
	}
	b.ep = ep

	for _, si := range b.segInfos {
		b.rec.Emit(introspect.KindSegmentCreated, "", "", map[string]any{
			"segment": si.Name, "size": si.Size,
		})
	}
	return b, nil
}

// Registry exposes the process registry, for tests and tooling.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// PortManager exposes the port manager, for tests and tooling.
func (b *Broker) PortManager() *ports.Manager { return b.mgr }

// Allocator exposes the chunk allocator, for tests and tooling.
func (b *Broker) Allocator() *mempool.Allocator { return b.alloc }

// Run serves until ctx is canceled, then tears everything down,
// unlinking every owned segment. Cancelling ctx is what makes Run return;
// control.Shutdown on its own stops the loops but Run keeps waiting on ctx.
func (b *Broker) Run(ctx context.Context) error {
	control.Reset()
	var g taskgroup.Group
	g.Go(b.controlLoop)
	g.Go(b.monitorLoop)
	if b.met != nil {
		addr := b.cfg.MetricsAddr
		go func() {
			if err := b.met.Serve(addr); err != nil {
				dropError("broker: metrics listener", err)
			}
		}()
	}
	g.Go(func() error {
		<-ctx.Done()
		control.Shutdown()
		b.ep.SetRecvDeadline(time.Now())
		return nil
	})
	err := g.Wait()
	b.teardown()
	return err
}

// controlLoop is the daemon's single-threaded command processor.
func (b *Broker) controlLoop() error {
	buf := make([]byte, constants.MaxDatagramSize)
	for !control.ShuttingDown() {
		payload, err := b.ep.RecvTimeout(buf, 250*time.Millisecond)
		if err != nil {
			continue // deadline tick or transient socket error
		}
		control.SignalActivity()
		b.dispatch(payload)
	}
	return nil
}

// monitorLoop drives the registry sweep and samples the gauges.
func (b *Broker) monitorLoop() error {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for !control.ShuttingDown() {
		now := <-t.C
		for _, name := range b.reg.Sweep(now) {
			dropError("broker: swept dead process "+name, nil)
			b.rec.Emit(introspect.KindSweepEviction, name, "", nil)
			if b.met != nil {
				b.met.SweepEvictions.Inc()
			}
		}
		b.sampleMetrics()
	}
	return nil
}

func (b *Broker) sampleMetrics() {
	if b.met == nil {
		return
	}
	b.met.RegisteredProcesses.Set(float64(b.reg.Count()))
	pubs, subs := b.mgr.Counts()
	b.met.PublisherPorts.Set(float64(pubs))
	b.met.SubscriberPorts.Set(float64(subs))
	for _, si := range b.segInfos[1:] {
		for i, p := range b.alloc.Pools(si.ID) {
			b.met.ChunksInUse.WithLabelValues(si.Name, strconv.Itoa(i)).Set(float64(p.InUse()))
		}
	}
}

func (b *Broker) teardown() {
	if b.ep != nil {
		b.ep.Close()
		b.ep = nil
	}
	for _, o := range b.objs {
		b.rec.Emit(introspect.KindSegmentRemoved, "", "", map[string]any{"segment": o.Name})
		if err := o.Destroy(); err != nil {
			dropError("broker: destroy segment "+o.Name, err)
		}
	}
	b.objs = nil
	if b.rec != nil {
		b.rec.Close()
		b.rec = nil
	}
}

// notifier forwards port-match events to clients over the control
// channel and mirrors them into introspection.
type notifier struct{ b *Broker }

func (n *notifier) Matched(client string, svc ports.ServiceId) {
	n.send(wire.OpMatched, client, svc)
	n.b.rec.Emit(introspect.KindMatched, client, svc.String(), nil)
}

func (n *notifier) Unmatched(client string, svc ports.ServiceId) {
	n.send(wire.OpUnmatched, client, svc)
	n.b.rec.Emit(introspect.KindUnmatched, client, svc.String(), nil)
}

func (n *notifier) send(op, client string, svc ports.ServiceId) {
	msg := wire.Encode(op, svc.Service, svc.Instance, svc.Event)
	if err := n.b.ep.Send(client, msg); err != nil {
		// the client may already be gone; matching state is in shm anyway
		dropError("broker: notify "+client, err)
	}
}
