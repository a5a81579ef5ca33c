package gwpacket

import (
	"bytes"
	"net/netip"
	"testing"

	"netgatewayd/internal/flowkey"
)

func TestTCPRoundTrip(t *testing.T) {
	k := flowkey.Key{
		Proto:   flowkey.TCP,
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 55555,
		DstAddr: netip.MustParseAddr("93.184.216.34"),
		DstPort: 443,
	}
	payload := []byte("hello")
	pkt := BuildTCPData(k, 100, 200, 65535, payload, true)

	hdr, l4, err := DecodeIPv4(pkt)
	if err != nil {
		t.Fatalf("decode ipv4: %v", err)
	}
	if hdr.Src != k.DstAddr || hdr.Dst != k.SrcAddr {
		t.Fatalf("unexpected addrs: %+v", hdr)
	}

	tcp, err := DecodeTCP(l4)
	if err != nil {
		t.Fatalf("decode tcp: %v", err)
	}
	if tcp.Seq != 100 || tcp.Ack != 200 {
		t.Fatalf("unexpected seq/ack: %+v", tcp)
	}
	if !tcp.Flags.ACK || !tcp.Flags.PSH || tcp.Flags.SYN {
		t.Fatalf("unexpected flags: %+v", tcp.Flags)
	}
	if !bytes.Equal(tcp.Payload, payload) {
		t.Fatalf("payload mismatch: %q", tcp.Payload)
	}
}

func TestUDPRoundTrip(t *testing.T) {
	k := flowkey.Key{
		Proto:   flowkey.UDP,
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000,
		DstAddr: netip.MustParseAddr("8.8.8.8"),
		DstPort: 53,
	}
	payload := []byte{1, 2, 3, 4}
	pkt := BuildUDPReply(k.Reverse(), payload)

	hdr, l4, err := DecodeIPv4(pkt)
	if err != nil {
		t.Fatalf("decode ipv4: %v", err)
	}
	_ = hdr
	udp, err := DecodeUDP(l4)
	if err != nil {
		t.Fatalf("decode udp: %v", err)
	}
	if !bytes.Equal(udp.Payload, payload) {
		t.Fatalf("payload mismatch: %v", udp.Payload)
	}
}

func TestDecodeIPv4RejectsBadChecksum(t *testing.T) {
	k := flowkey.Key{
		Proto:   flowkey.TCP,
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 1,
		DstAddr: netip.MustParseAddr("10.0.0.3"),
		DstPort: 2,
	}
	pkt := BuildTCPReset(k, 0, 0)
	pkt[10] ^= 0xff // corrupt the IPv4 header checksum
	if _, _, err := DecodeIPv4(pkt); err == nil {
		t.Fatalf("expected checksum error")
	}
}

func TestDecodeIPv4RejectsShortBuffer(t *testing.T) {
	if _, _, err := DecodeIPv4([]byte{0x45, 0x00}); err == nil {
		t.Fatalf("expected malformed error")
	}
}
