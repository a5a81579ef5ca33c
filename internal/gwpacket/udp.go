package gwpacket

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// UDP is the decoded UDP header of one datagram, plus its payload slice.
type UDP struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

const udpHeaderLen = int(header.UDPMinimumSize) // 8

// DecodeUDP parses a UDP datagram. l4 is the IPv4 payload.
func DecodeUDP(l4 []byte) (UDP, error) {
	if len(l4) < udpHeaderLen {
		return UDP{}, ErrMalformed
	}
	length := int(binary.BigEndian.Uint16(l4[4:6]))
	if length < udpHeaderLen || length > len(l4) {
		return UDP{}, ErrMalformed
	}
	return UDP{
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
		Payload: l4[udpHeaderLen:length],
	}, nil
}

// UDPBuildParams mirrors TCPBuildParams for UDP datagrams.
type UDPBuildParams struct {
	Src, Dst IPv4Endpoint
	Payload  []byte
	TTL      uint8
}

// BuildUDP builds a full IPv4 datagram carrying one UDP datagram. A zero
// UDP checksum (permitted by RFC 768 for IPv4) is avoided: the checksum is
// always computed so NAT-rewritten replies validate cleanly end to end.
func BuildUDP(p UDPBuildParams) []byte {
	seg := make([]byte, udpHeaderLen+len(p.Payload))
	binary.BigEndian.PutUint16(seg[0:2], p.Src.Port)
	binary.BigEndian.PutUint16(seg[2:4], p.Dst.Port)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[udpHeaderLen:], p.Payload)

	binary.BigEndian.PutUint16(seg[6:8], 0)
	sum := pseudoHeaderSum(p.Src.Addr, p.Dst.Addr, uint8(header.UDPProtocolNumber), len(seg))
	cksum := finishChecksum(sum, seg)
	if cksum == 0 {
		cksum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], cksum)

	return EncodeIPv4(IPv4{
		TTL:      p.TTL,
		Protocol: uint8(header.UDPProtocolNumber),
		Src:      p.Src.Addr,
		Dst:      p.Dst.Addr,
	}, seg)
}
