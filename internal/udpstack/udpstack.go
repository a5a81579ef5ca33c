// Package udpstack implements the NAT-style UDP forwarder of spec.md
// §4.3: one protected datagram socket per flow, reused for the flow's
// entire lifetime, with a receiver goroutine per flow and a periodic
// sweeper evicting idle flows. The flow-table and sweeper shape are
// grounded directly in the teacher's udpFlowTable/gcOnce
// (internal/tun_native.go) and UDPSessionManager.GC
// (internal/udp_session_manager.go).
package udpstack

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"netgatewayd/internal/domaincache"
	"netgatewayd/internal/dnsinspect"
	"netgatewayd/internal/flowkey"
	"netgatewayd/internal/gwpacket"
	"netgatewayd/internal/identity"
	"netgatewayd/internal/policy"
	"netgatewayd/internal/protectedsock"
	"netgatewayd/internal/stats"
)

const (
	// IdleTimeout is the minimum inactivity period (spec.md §4.3) after
	// which a flow becomes eligible for eviction: long enough to outlast
	// the 30-90s keepalive period common to messaging protocols.
	IdleTimeout = 120 * time.Second
	// SweepInterval is how often the sweeper walks the flow table.
	SweepInterval = 30 * time.Second

	dnsPort = 53
)

// Writer delivers a synthesized downlink datagram to the tunnel device.
type Writer interface {
	WritePacket(pkt []byte) error
}

// Config carries every dependency the UDP engine needs but does not own.
type Config struct {
	Policy    *policy.Store
	Domains   *domaincache.Cache
	Identity  *identity.Resolver
	Protector *protectedsock.Protector
	Inspector *dnsinspect.Inspector
	Stats     *stats.Collector
}

// Table owns every live UDP flow.
type Table struct {
	cfg    Config
	writer Writer
	listen func(ctx context.Context, network, laddr string) (net.PacketConn, error)

	mu    sync.Mutex
	flows map[flowkey.Key]*flow
	now   func() time.Time
}

// New returns an empty UDP flow table writing synthesized packets to w.
func New(cfg Config, w Writer) *Table {
	t := &Table{cfg: cfg, writer: w, flows: make(map[flowkey.Key]*flow), now: time.Now}
	if cfg.Protector != nil {
		t.listen = cfg.Protector.ListenPacket
	} else {
		t.listen = func(ctx context.Context, network, laddr string) (net.PacketConn, error) {
			var lc net.ListenConfig
			return lc.ListenPacket(ctx, network, laddr)
		}
	}
	return t
}

type flow struct {
	key    flowkey.Key
	table  *Table
	conn   net.PacketConn
	remote *net.UDPAddr

	mu       sync.Mutex
	lastSeen time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// HandlePacket dispatches one inbound UDP datagram from the guest. It is
// the sole entry point the demultiplexer calls for UDP traffic.
func (t *Table) HandlePacket(ctx context.Context, meta flowkey.Metadata) {
	if meta.Key.DstPort == dnsPort && t.cfg.Inspector != nil {
		t.cfg.Inspector.ObserveQuery(meta.Payload)
	}

	t.mu.Lock()
	f := t.flows[meta.Key]
	t.mu.Unlock()

	if f != nil {
		f.send(meta.Payload)
		return
	}
	t.openFlow(ctx, meta)
}

func (t *Table) openFlow(ctx context.Context, meta flowkey.Metadata) {
	key := meta.Key

	var domain *string
	if t.cfg.Domains != nil {
		if d, ok := t.cfg.Domains.Lookup(key.DstAddr); ok {
			domain = &d
		}
	}
	var uid *uint32
	if t.cfg.Identity != nil {
		if u, err := t.cfg.Identity.Resolve(ctx, flowkey.UDP, key.SrcPort); err == nil {
			uid = &u
		}
	}

	decision := policy.Evaluate(t.cfg.Policy, flowkey.UDP, uid, domain)
	if t.cfg.Stats != nil {
		if decision == policy.Block {
			t.cfg.Stats.Inc(stats.CounterPolicyBlocked, 1)
		} else {
			t.cfg.Stats.Inc(stats.CounterPolicyAllowed, 1)
		}
	}
	if decision == policy.Block {
		return
	}

	conn, err := t.listen(ctx, "udp4", "")
	if err != nil {
		return
	}
	remote := &net.UDPAddr{IP: key.DstAddr.AsSlice(), Port: int(key.DstPort)}

	flowCtx, cancel := context.WithCancel(ctx)
	f := &flow{
		key: key, table: t, conn: conn, remote: remote,
		lastSeen: t.now(), cancel: cancel, done: make(chan struct{}),
	}

	t.mu.Lock()
	if _, exists := t.flows[key]; exists {
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	t.flows[key] = f
	t.mu.Unlock()

	if t.cfg.Stats != nil {
		t.cfg.Stats.Inc(stats.CounterUDPFlowsOpened, 1)
		t.cfg.Stats.Set(stats.GaugeUDPFlowsActive, float64(t.activeCount()))
	}

	go f.receiveLoop(flowCtx)
	f.send(meta.Payload)
}

func (f *flow) send(payload []byte) {
	f.mu.Lock()
	f.lastSeen = f.table.now()
	f.mu.Unlock()
	if _, err := f.conn.WriteTo(payload, f.remote); err != nil {
		log.Printf("udpstack: write to %s: %v", f.key, err)
	}
}

func (f *flow) receiveLoop(ctx context.Context) {
	defer close(f.done)
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(SweepInterval))
		n, _, err := f.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		payload := buf[:n]

		if f.key.DstPort == dnsPort && f.table.cfg.Inspector != nil {
			f.table.cfg.Inspector.ObserveResponse(payload)
		}

		f.mu.Lock()
		f.lastSeen = f.table.now()
		f.mu.Unlock()

		pkt := gwpacket.BuildUDPReply(f.key, payload)
		if err := f.table.writer.WritePacket(pkt); err != nil {
			log.Printf("udpstack: write reply for %s: %v", f.key, err)
		}
	}
}

func (t *Table) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// ActiveFlows returns the number of flows currently tracked.
func (t *Table) ActiveFlows() int {
	return t.activeCount()
}

// RunSweeper blocks, evicting idle flows every SweepInterval, until ctx
// is canceled. The gateway runs this as its dedicated sweeper task.
func (t *Table) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Table) sweepOnce() {
	now := t.now()
	var evicted []*flow

	t.mu.Lock()
	for k, f := range t.flows {
		f.mu.Lock()
		idle := now.Sub(f.lastSeen)
		f.mu.Unlock()
		if idle >= IdleTimeout {
			delete(t.flows, k)
			evicted = append(evicted, f)
		}
	}
	t.mu.Unlock()

	for _, f := range evicted {
		f.cancel()
		_ = f.conn.Close()
	}
	if len(evicted) > 0 && t.cfg.Stats != nil {
		t.cfg.Stats.Inc(stats.CounterUDPFlowsEvicted, uint64(len(evicted)))
		t.cfg.Stats.Set(stats.GaugeUDPFlowsActive, float64(t.activeCount()))
	}
}

// Close tears down every live flow and blocks until each flow's
// receiver task has exited.
func (t *Table) Close() {
	t.mu.Lock()
	all := make([]*flow, 0, len(t.flows))
	for k, f := range t.flows {
		delete(t.flows, k)
		all = append(all, f)
	}
	t.mu.Unlock()

	for _, f := range all {
		f.cancel()
		_ = f.conn.Close()
		<-f.done
	}
}
