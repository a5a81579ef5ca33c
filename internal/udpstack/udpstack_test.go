package udpstack

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"netgatewayd/internal/domaincache"
	"netgatewayd/internal/dnsinspect"
	"netgatewayd/internal/flowkey"
	"netgatewayd/internal/gwpacket"
	"netgatewayd/internal/policy"
)

type capturingWriter struct {
	packets chan []byte
}

func newCapturingWriter() *capturingWriter {
	return &capturingWriter{packets: make(chan []byte, 64)}
}

func (w *capturingWriter) WritePacket(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	w.packets <- cp
	return nil
}

func (w *capturingWriter) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-w.packets:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a synthesized packet")
		return nil
	}
}

func testKey() flowkey.Key {
	return flowkey.Key{
		Proto:   flowkey.UDP,
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 6000,
		DstAddr: netip.MustParseAddr("8.8.8.8"),
		DstPort: 9999,
	}
}

func loopbackListen(ctx context.Context, network, laddr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp4", "127.0.0.1:0")
}

func newTestTable(w *capturingWriter, cfg Config) *Table {
	tbl := New(cfg, w)
	tbl.listen = loopbackListen
	return tbl
}

func TestOpenFlowAllowedCreatesSocketAndForwards(t *testing.T) {
	echoConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echoConn.Close()

	w := newCapturingWriter()
	tbl := newTestTable(w, Config{Policy: policy.New()})

	key := testKey()
	echoAddr := echoConn.LocalAddr().(*net.UDPAddr)
	key.DstAddr = netip.MustParseAddr(echoAddr.IP.String())
	key.DstPort = uint16(echoAddr.Port)

	go func() {
		buf := make([]byte, 1500)
		n, addr, err := echoConn.ReadFrom(buf)
		if err != nil {
			return
		}
		_, _ = echoConn.WriteTo(buf[:n], addr)
	}()

	tbl.HandlePacket(context.Background(), flowkey.Metadata{Key: key, Payload: []byte("ping")})

	pkt := w.next(t)
	_, l4, err := gwpacket.DecodeIPv4(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	udp, err := gwpacket.DecodeUDP(l4)
	if err != nil {
		t.Fatalf("decode udp: %v", err)
	}
	if string(udp.Payload) != "ping" {
		t.Fatalf("expected echoed ping, got %q", udp.Payload)
	}
	if tbl.ActiveFlows() != 1 {
		t.Fatalf("expected one active flow, got %d", tbl.ActiveFlows())
	}
}

func TestOpenFlowBlockedCreatesNoFlow(t *testing.T) {
	store := policy.New()
	key := testKey()
	domains := domaincache.New()
	domains.Insert(key.DstAddr, "blocked.test", time.Minute)
	store.SetDomainRule("blocked.test", policy.Block)

	w := newCapturingWriter()
	tbl := newTestTable(w, Config{Policy: store, Domains: domains})

	tbl.HandlePacket(context.Background(), flowkey.Metadata{Key: key, Payload: []byte("x")})

	select {
	case p := <-w.packets:
		t.Fatalf("expected no reply for blocked flow, got %d bytes", len(p))
	case <-time.After(100 * time.Millisecond):
	}
	if tbl.ActiveFlows() != 0 {
		t.Fatalf("blocked flow must not be tracked")
	}
}

func TestDNSHookFeedsInspector(t *testing.T) {
	cache := domaincache.New()
	ins := dnsinspect.New(cache)

	echoConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoConn.Close()

	w := newCapturingWriter()
	tbl := newTestTable(w, Config{Policy: policy.New(), Inspector: ins})

	key := testKey()
	key.DstAddr = netip.MustParseAddr("127.0.0.1")
	key.DstPort = 53

	tbl.HandlePacket(context.Background(), flowkey.Metadata{Key: key, Payload: []byte("not really dns")})

	// The flow sends to 127.0.0.1:53, where the test runs no server, so the
	// "resolver reply" is sent from echoConn straight to the flow's socket.
	tbl.mu.Lock()
	f := tbl.flows[key]
	tbl.mu.Unlock()
	if f == nil {
		t.Fatalf("expected a flow for the DNS datagram")
	}
	if _, err := echoConn.WriteTo([]byte("not really dns"), f.conn.LocalAddr()); err != nil {
		t.Fatalf("send reply: %v", err)
	}
	_ = w.next(t)

	snap := ins.Snapshot()
	if snap.Queries != 1 {
		t.Fatalf("expected query observed, got %d", snap.Queries)
	}
	if snap.Responses != 1 {
		t.Fatalf("expected response observed, got %d", snap.Responses)
	}
}

func TestSweepEvictsOnlyPastIdleTimeout(t *testing.T) {
	echoConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoConn.Close()

	w := newCapturingWriter()
	tbl := newTestTable(w, Config{Policy: policy.New()})

	start := time.Now()
	cur := start
	tbl.now = func() time.Time { return cur }

	key := testKey()
	echoAddr := echoConn.LocalAddr().(*net.UDPAddr)
	key.DstAddr = netip.MustParseAddr(echoAddr.IP.String())
	key.DstPort = uint16(echoAddr.Port)

	tbl.HandlePacket(context.Background(), flowkey.Metadata{Key: key, Payload: []byte("x")})
	if tbl.ActiveFlows() != 1 {
		t.Fatalf("expected flow to be created")
	}

	cur = start.Add(IdleTimeout - time.Second)
	tbl.sweepOnce()
	if tbl.ActiveFlows() != 1 {
		t.Fatalf("flow idle for less than IdleTimeout must survive a sweep")
	}

	cur = start.Add(IdleTimeout + time.Second)
	tbl.sweepOnce()
	if tbl.ActiveFlows() != 0 {
		t.Fatalf("flow idle past IdleTimeout must be evicted")
	}
}
