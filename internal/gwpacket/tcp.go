package gwpacket

import (
	"encoding/binary"
	"net/netip"

	"netgatewayd/internal/flowkey"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// TCP is the decoded TCP header of one segment, plus its payload slice
// (a view into the original buffer — callers that retain it past one
// dispatch cycle must copy it, per flowkey.Metadata's lifetime contract).
type TCP struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    flowkey.Flags
	Window   uint16
	Payload  []byte
}

const tcpMinHeaderLen = int(header.TCPMinimumSize) // 20

// DecodeTCP parses a TCP segment. l4 is the IPv4 payload (header.Protocol
// must already have been checked to be TCP by the caller/demultiplexer).
func DecodeTCP(l4 []byte) (TCP, error) {
	if len(l4) < tcpMinHeaderLen {
		return TCP{}, ErrMalformed
	}
	dataOffset := int(l4[12]>>4) * 4
	if dataOffset < tcpMinHeaderLen || dataOffset > len(l4) {
		return TCP{}, ErrMalformed
	}
	flagByte := l4[13]
	t := TCP{
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
		Seq:     binary.BigEndian.Uint32(l4[4:8]),
		Ack:     binary.BigEndian.Uint32(l4[8:12]),
		Window:  binary.BigEndian.Uint16(l4[14:16]),
		Flags: flowkey.Flags{
			SYN: flagByte&byte(header.TCPFlagSyn) != 0,
			ACK: flagByte&byte(header.TCPFlagAck) != 0,
			FIN: flagByte&byte(header.TCPFlagFin) != 0,
			RST: flagByte&byte(header.TCPFlagRst) != 0,
			PSH: flagByte&byte(header.TCPFlagPsh) != 0,
		},
		Payload: l4[dataOffset:],
	}
	return t, nil
}

// TCPBuildParams carries everything needed to build a reply TCP/IPv4
// datagram. The Build* helpers in helpers.go fill in source/destination
// (via ReplyEndpoints), sequence/ack numbers, and flags; the builder always
// computes fresh checksums.
type TCPBuildParams struct {
	Src, Dst         IPv4Endpoint
	Seq, Ack         uint32
	Flags            flowkey.Flags
	Window           uint16
	Payload          []byte
	TTL              uint8
}

// IPv4Endpoint is an (address, port) pair used by the builders below.
type IPv4Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func tcpFlagByte(f flowkey.Flags) byte {
	var b byte
	if f.SYN {
		b |= byte(header.TCPFlagSyn)
	}
	if f.ACK {
		b |= byte(header.TCPFlagAck)
	}
	if f.FIN {
		b |= byte(header.TCPFlagFin)
	}
	if f.RST {
		b |= byte(header.TCPFlagRst)
	}
	if f.PSH {
		b |= byte(header.TCPFlagPsh)
	}
	return b
}

// BuildTCP builds a full IPv4 datagram carrying one TCP segment described by
// p. The TCP checksum is computed over the IPv4 pseudo-header + segment.
func BuildTCP(p TCPBuildParams) []byte {
	hdrLen := tcpMinHeaderLen
	seg := make([]byte, hdrLen+len(p.Payload))
	binary.BigEndian.PutUint16(seg[0:2], p.Src.Port)
	binary.BigEndian.PutUint16(seg[2:4], p.Dst.Port)
	binary.BigEndian.PutUint32(seg[4:8], p.Seq)
	binary.BigEndian.PutUint32(seg[8:12], p.Ack)
	seg[12] = byte(hdrLen/4) << 4
	seg[13] = tcpFlagByte(p.Flags)
	binary.BigEndian.PutUint16(seg[14:16], p.Window)
	// checksum at [16:18] filled below; urgent pointer [18:20] left zero.
	copy(seg[hdrLen:], p.Payload)

	binary.BigEndian.PutUint16(seg[16:18], 0)
	sum := pseudoHeaderSum(p.Src.Addr, p.Dst.Addr, uint8(header.TCPProtocolNumber), len(seg))
	cksum := finishChecksum(sum, seg)
	binary.BigEndian.PutUint16(seg[16:18], cksum)

	return EncodeIPv4(IPv4{
		TTL:      p.TTL,
		Protocol: uint8(header.TCPProtocolNumber),
		Src:      p.Src.Addr,
		Dst:      p.Dst.Addr,
	}, seg)
}
