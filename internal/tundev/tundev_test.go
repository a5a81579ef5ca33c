package tundev

import (
	"context"
	"net/netip"
	"testing"

	"netgatewayd/internal/flowkey"
	"netgatewayd/internal/gwpacket"
)

type recordingHandler struct {
	received []flowkey.Metadata
}

func (h *recordingHandler) HandlePacket(_ context.Context, meta flowkey.Metadata) {
	h.received = append(h.received, meta)
}

func TestDispatchRoutesTCPToTCPHandler(t *testing.T) {
	tcpHandler := &recordingHandler{}
	udpHandler := &recordingHandler{}
	d := &Demux{tcp: tcpHandler, udp: udpHandler}

	pkt := gwpacket.BuildTCPData(flowkey.Key{
		Proto:   flowkey.TCP,
		SrcAddr: netip.MustParseAddr("93.184.216.34"),
		SrcPort: 443,
		DstAddr: netip.MustParseAddr("10.0.0.2"),
		DstPort: 5555,
	}, 100, 200, 65535, []byte("hi"), true)

	d.dispatch(context.Background(), pkt)

	if len(tcpHandler.received) != 1 {
		t.Fatalf("expected one TCP dispatch, got %d", len(tcpHandler.received))
	}
	if len(udpHandler.received) != 0 {
		t.Fatalf("expected no UDP dispatch, got %d", len(udpHandler.received))
	}
	if string(tcpHandler.received[0].Payload) != "hi" {
		t.Fatalf("expected payload hi, got %q", tcpHandler.received[0].Payload)
	}
}

func TestDispatchRoutesUDPToUDPHandler(t *testing.T) {
	tcpHandler := &recordingHandler{}
	udpHandler := &recordingHandler{}
	d := &Demux{tcp: tcpHandler, udp: udpHandler}

	pkt := gwpacket.BuildUDPReply(flowkey.Key{
		Proto:   flowkey.UDP,
		SrcAddr: netip.MustParseAddr("8.8.8.8"),
		SrcPort: 53,
		DstAddr: netip.MustParseAddr("10.0.0.2"),
		DstPort: 6000,
	}, []byte("dns"))

	d.dispatch(context.Background(), pkt)

	if len(udpHandler.received) != 1 {
		t.Fatalf("expected one UDP dispatch, got %d", len(udpHandler.received))
	}
	if len(tcpHandler.received) != 0 {
		t.Fatalf("expected no TCP dispatch, got %d", len(tcpHandler.received))
	}
}

func TestDispatchDropsMalformedPacket(t *testing.T) {
	tcpHandler := &recordingHandler{}
	udpHandler := &recordingHandler{}
	d := &Demux{tcp: tcpHandler, udp: udpHandler}

	d.dispatch(context.Background(), []byte{0x01, 0x02})

	if len(tcpHandler.received)+len(udpHandler.received) != 0 {
		t.Fatalf("expected malformed packet to be dropped silently")
	}
}
