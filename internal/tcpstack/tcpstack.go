// Package tcpstack is the TUN-side TCP peer: a per-flow state machine
// that terminates the guest's TCP connection locally and bridges its
// bytes to a protected outbound stream socket. It implements the
// fail-open posture spec.md calls for — sequence/ack/flag anomalies
// are never grounds for a reset, only a handful of explicit conditions
// are.
//
// The state-transition shape (allocate-on-SYN, half-close bookkeeping,
// per-flow goroutine ownership) is adapted from the retrieval pack's
// telepresence vif/tcp handler, a from-scratch userspace TCP peer for a
// TUN device, stripped of its retransmission queue and window tracking
// since spec.md treats those as out of scope. The outbound dial and
// bridging idiom (protect, then connect, then hand the socket to a
// forwarding goroutine) follows the teacher's ProxyTCPOverOutlineWS
// (internal/outline_tcp.go). Each flow has one goroutine, the downlink
// reader; guest bytes are written to the outbound socket directly from
// HandlePacket.
package tcpstack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	"netgatewayd/internal/domaincache"
	"netgatewayd/internal/flowkey"
	"netgatewayd/internal/gwpacket"
	"netgatewayd/internal/identity"
	"netgatewayd/internal/policy"
	"netgatewayd/internal/protectedsock"
	"netgatewayd/internal/stats"
)

// State is one of the states of spec.md §4.2's TCP state machine.
type State int

const (
	StateClosed State = iota
	StateSynSent
	StateEstablished
	StateFinWaitApp
	StateFinWaitServer
	StateTimeWait
	StateReset
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWaitApp:
		return "FIN_WAIT_APP"
	case StateFinWaitServer:
		return "FIN_WAIT_SERVER"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Writer delivers a synthesized downlink packet to the tunnel device.
// tundev implements this over the underlying TUN handle.
type Writer interface {
	WritePacket(pkt []byte) error
}

const (
	defaultWindow      = 65535
	idleReflectTimeout = 30 * time.Second
	timeWaitGrace      = 5 * time.Second
)

// Config carries every dependency the TCP engine needs but does not own.
type Config struct {
	Policy      *policy.Store
	Domains     *domaincache.Cache
	Identity    *identity.Resolver // may be nil: identity resolution is optional
	Protector   *protectedsock.Protector
	Stats       *stats.Collector
	MTU         int
	DialTimeout time.Duration
}

// Table owns every live TCP flow.
type Table struct {
	cfg    Config
	writer Writer
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)

	mu    sync.Mutex
	flows map[flowkey.Key]*flow
}

// New returns an empty TCP flow table writing synthesized packets to w.
func New(cfg Config, w Writer) *Table {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	t := &Table{cfg: cfg, writer: w, flows: make(map[flowkey.Key]*flow)}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.Protector != nil {
		dialer.Control = cfg.Protector.ControlFunc()
	}
	t.dial = dialer.DialContext
	return t
}

// Close tears down every live flow and blocks until each flow's
// downlink reader has exited, satisfying the gateway's requirement that
// stop does not return while any per-flow task is still running. An
// established flow is closed with a FIN-ACK toward the guest; a
// half-closed flow (FIN_WAIT_APP or FIN_WAIT_SERVER) is reset.
func (t *Table) Close() {
	t.mu.Lock()
	all := make([]*flow, 0, len(t.flows))
	for _, f := range t.flows {
		all = append(all, f)
	}
	t.mu.Unlock()

	for _, f := range all {
		f.mu.Lock()
		done := f.readerDone
		state := f.state
		seq, ack := f.localSeq, f.guestAck
		f.mu.Unlock()
		switch state {
		case StateEstablished:
			pkt := gwpacket.BuildTCPFinAck(f.key, seq, ack, defaultWindow)
			if err := t.writer.WritePacket(pkt); err != nil {
				log.Printf("tcpstack: write FIN-ACK for %s: %v", f.key, err)
			}
			f.teardown(false)
		case StateFinWaitApp, StateFinWaitServer:
			f.teardown(true)
		default:
			f.teardown(false)
		}
		if done != nil {
			<-done
		}
	}
}

// ActiveFlows returns the number of flows currently tracked, for the
// statistics surface.
func (t *Table) ActiveFlows() int {
	return t.activeCount()
}

type flow struct {
	key   flowkey.Key
	table *Table

	mu    sync.Mutex
	state State
	conn  net.Conn

	localSeq uint32 // next sequence byte we will send to the guest
	guestAck uint32 // next sequence byte we expect from the guest

	lastInboundAt time.Time
	bytesUp       uint64
	bytesDown     uint64

	uid    *uint32
	domain *string

	cancelReader context.CancelFunc
	readerDone   chan struct{}
}

// HandlePacket dispatches one inbound TCP segment from the guest. It is
// the sole entry point the demultiplexer calls for TCP traffic.
func (t *Table) HandlePacket(ctx context.Context, meta flowkey.Metadata) {
	t.mu.Lock()
	f := t.flows[meta.Key]
	t.mu.Unlock()

	if f == nil {
		t.handleUnknown(ctx, meta)
		return
	}
	f.handleInbound(ctx, meta)
}

// handleUnknown implements the RST emission policy for packets with no
// matching flow: a bare SYN opens a new flow, a payload-or-FIN-bearing
// packet earns a RST, everything else (stray ACKs) is dropped silently.
func (t *Table) handleUnknown(ctx context.Context, meta flowkey.Metadata) {
	switch {
	case meta.Flags.SYN && !meta.Flags.ACK && !meta.Flags.RST:
		t.openFlow(ctx, meta)
	case len(meta.Payload) > 0 || meta.Flags.FIN:
		t.sendReset(meta.Key, meta.Ack, meta.Seq+1)
	default:
		// stray ACK/RST for an unknown flow: dropped silently.
	}
}

func (t *Table) sendReset(guestKey flowkey.Key, seq, ack uint32) {
	pkt := gwpacket.BuildTCPReset(guestKey, seq, ack)
	if err := t.writer.WritePacket(pkt); err != nil {
		log.Printf("tcpstack: write RST for %s: %v", guestKey, err)
	}
	if t.cfg.Stats != nil {
		t.cfg.Stats.Inc(stats.CounterTCPResetsSent, 1)
	}
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
		if u, err := t.cfg.Identity.Resolve(ctx, flowkey.TCP, key.SrcPort); err == nil {
			uid = &u
		}
	}

	decision := policy.Evaluate(t.cfg.Policy, flowkey.TCP, uid, domain)
	if t.cfg.Stats != nil {
		if decision == policy.Block {
			t.cfg.Stats.Inc(stats.CounterPolicyBlocked, 1)
		} else {
			t.cfg.Stats.Inc(stats.CounterPolicyAllowed, 1)
		}
	}
	if decision == policy.Block {
		t.sendReset(key, meta.Ack, meta.Seq+1)
		return
	}

	f := &flow{
		key:           key,
		table:         t,
		state:         StateSynSent,
		localSeq:      randomISN(),
		guestAck:      meta.Seq + 1,
		lastInboundAt: time.Now(),
		uid:           uid,
		domain:        domain,
	}

	t.mu.Lock()
	if _, exists := t.flows[key]; exists {
		t.mu.Unlock()
		return
	}
	t.flows[key] = f
	t.mu.Unlock()

	go f.connectAndEstablish(ctx)
}

func (f *flow) connectAndEstablish(ctx context.Context) {
	t := f.table
	dst := net.JoinHostPort(f.key.DstAddr.String(), fmt.Sprintf("%d", f.key.DstPort))
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, err := t.dial(dialCtx, "tcp4", dst)
	if err != nil {
		t.removeFlow(f.key)
		t.sendReset(f.key, f.localSeq, f.guestAck)
		return
	}

	f.mu.Lock()
	f.conn = conn
	f.state = StateEstablished
	synAckSeq := f.localSeq
	ack := f.guestAck
	f.localSeq++ // SYN consumes one sequence number
	f.mu.Unlock()

	pkt := gwpacket.BuildTCPSynAck(f.key, synAckSeq, ack, defaultWindow)
	if err := t.writer.WritePacket(pkt); err != nil {
		log.Printf("tcpstack: write SYN-ACK for %s: %v", f.key, err)
	}
	if t.cfg.Stats != nil {
		t.cfg.Stats.Inc(stats.CounterTCPFlowsOpened, 1)
		t.cfg.Stats.Set(stats.GaugeTCPFlowsActive, float64(t.activeCount()))
	}

	readerCtx, readerCancel := context.WithCancel(ctx)
	f.cancelReader = readerCancel
	f.readerDone = make(chan struct{})
	go f.downlinkReader(readerCtx)
}

func randomISN() uint32 {
	return rand.Uint32()
}

func (t *Table) activeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

func (t *Table) removeFlow(key flowkey.Key) *flow {
	t.mu.Lock()
	f := t.flows[key]
	delete(t.flows, key)
	t.mu.Unlock()
	if t.cfg.Stats != nil {
		t.cfg.Stats.Inc(stats.CounterTCPFlowsClosed, 1)
		t.cfg.Stats.Set(stats.GaugeTCPFlowsActive, float64(t.activeCount()))
	}
	return f
}

// handleInbound applies one guest segment to an existing flow. Per the
// fail-open rule, sequence, ack, and flag anomalies are never grounds
// for a reset: only a guest RST, a write failure, or an explicit
// teardown close the flow with a reset.
func (f *flow) handleInbound(ctx context.Context, meta flowkey.Metadata) {
	f.mu.Lock()
	f.lastInboundAt = time.Now()

	if meta.Flags.RST {
		state := f.state
		f.mu.Unlock()
		if state != StateClosed {
			f.teardown(false)
		}
		return
	}

	switch f.state {
	case StateSynSent:
		// Guest retransmitted its SYN while we're still connecting
		// outbound; nothing to do until the dial resolves.
		f.mu.Unlock()
		return

	case StateEstablished:
		conn := f.conn
		f.mu.Unlock()

		if len(meta.Payload) > 0 {
			if _, err := conn.Write(meta.Payload); err != nil {
				f.teardown(true)
				return
			}
			f.mu.Lock()
			f.bytesUp += uint64(len(meta.Payload))
			f.guestAck = meta.Seq + uint32(len(meta.Payload))
			f.mu.Unlock()
		}

		if meta.Flags.FIN {
			f.mu.Lock()
			f.guestAck++
			f.state = StateFinWaitServer
			seq := f.localSeq
			ack := f.guestAck
			f.mu.Unlock()

			type closeWriter interface{ CloseWrite() error }
			if cw, ok := conn.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			f.writeAckOnly(seq, ack)
		}

	case StateFinWaitApp:
		// We already sent our FIN-ACK; waiting for the guest's
		// matching FIN to enter TIME_WAIT.
		f.mu.Unlock()
		if meta.Flags.FIN {
			f.enterTimeWait()
		}

	case StateFinWaitServer:
		// Guest already closed its side; further guest segments here
		// are stale retransmissions under fail-open and are ignored.
		f.mu.Unlock()

	default:
		f.mu.Unlock()
	}
}

func (f *flow) writeAckOnly(seq, ack uint32) {
	pkt := gwpacket.BuildTCPAckOnly(f.key, seq, ack, defaultWindow)
	if err := f.table.writer.WritePacket(pkt); err != nil {
		log.Printf("tcpstack: write ACK for %s: %v", f.key, err)
	}
}

// onOutboundEOF is invoked by the downlink reader when the outbound
// socket is exhausted (clean EOF, not an error).
func (f *flow) onOutboundEOF() {
	f.mu.Lock()
	switch f.state {
	case StateEstablished:
		f.state = StateFinWaitApp
		seq := f.localSeq
		ack := f.guestAck
		f.localSeq++ // FIN consumes one sequence number
		f.mu.Unlock()

		pkt := gwpacket.BuildTCPFinAck(f.key, seq, ack, defaultWindow)
		if err := f.table.writer.WritePacket(pkt); err != nil {
			log.Printf("tcpstack: write FIN-ACK for %s: %v", f.key, err)
		}

	case StateFinWaitServer:
		seq := f.localSeq
		ack := f.guestAck
		f.localSeq++
		f.mu.Unlock()

		pkt := gwpacket.BuildTCPFinAck(f.key, seq, ack, defaultWindow)
		if err := f.table.writer.WritePacket(pkt); err != nil {
			log.Printf("tcpstack: write FIN-ACK for %s: %v", f.key, err)
		}
		f.enterTimeWait()

	default:
		f.mu.Unlock()
	}
}

func (f *flow) enterTimeWait() {
	f.mu.Lock()
	if f.state == StateTimeWait || f.state == StateClosed {
		f.mu.Unlock()
		return
	}
	f.state = StateTimeWait
	f.mu.Unlock()

	time.AfterFunc(timeWaitGrace, func() {
		f.teardown(false)
	})
}

// teardown closes the flow's outbound socket, cancels its reader, and
// removes it from the table. If sendRST is true a RST is emitted toward
// the guest first: the callers that do so are an outbound write failure,
// a connection reset from the remote peer, and Table.Close on a
// half-closed flow.
func (f *flow) teardown(sendRST bool) {
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return
	}
	seq, ack := f.localSeq, f.guestAck
	conn := f.conn
	cancel := f.cancelReader
	f.state = StateClosed
	f.mu.Unlock()

	if sendRST {
		f.table.sendReset(f.key, seq, ack)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	f.table.removeFlow(f.key)
}

// downlinkReader owns the outbound socket's read side for the flow's
// lifetime. It drains bytes to the tunnel, reflects an idle ACK when no
// data arrives within idleReflectTimeout, and drives the FIN/RST
// transitions implied by EOF or a connection reset from the remote
// peer.
func (f *flow) downlinkReader(ctx context.Context) {
	defer close(f.readerDone)

	mss := gwpacket.MSS(f.table.cfg.MTU)
	buf := make([]byte, mss)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		state := f.state
		f.mu.Unlock()
		if conn == nil || state == StateClosed || state == StateTimeWait {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(idleReflectTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			f.mu.Lock()
			seq := f.localSeq
			ack := f.guestAck
			f.localSeq += uint32(n)
			f.bytesDown += uint64(n)
			f.mu.Unlock()

			pkt := gwpacket.BuildTCPData(f.key, seq, ack, defaultWindow, buf[:n], true)
			if werr := f.table.writer.WritePacket(pkt); werr != nil {
				log.Printf("tcpstack: write data for %s: %v", f.key, werr)
			}
		}
		if err != nil {
			if isTimeout(err) {
				f.mu.Lock()
				seq, ack := f.localSeq, f.guestAck
				f.mu.Unlock()
				f.writeAckOnly(seq, ack)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isReset(err) {
				f.teardown(true)
				return
			}
			f.onOutboundEOF()
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
