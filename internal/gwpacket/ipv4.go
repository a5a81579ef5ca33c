// Package gwpacket is the packet codec: pure decode/encode of IPv4 and the
// TCP/UDP headers it carries. It holds no state and performs no I/O; every
// function here is value-in/value-out over a byte slice.
package gwpacket

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// ErrMalformed is returned for any input that fails IPv4/TCP/UDP structural
// validation. Callers drop the packet silently, per spec.
var ErrMalformed = errors.New("gwpacket: malformed packet")

const (
	ipv4MinHeaderLen = 20
	ipv4Version      = 4
)

// IPv4 is the decoded IPv4 header of one datagram.
type IPv4 struct {
	IHL      uint8 // header length in 32-bit words
	TOS      uint8
	TotalLen uint16
	ID       uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      netip.Addr
	Dst      netip.Addr
}

// DecodeIPv4 validates and parses an IPv4 datagram. It returns the header,
// the L4 payload (TCP/UDP segment including its own header), and an error
// for anything structurally invalid: bad version, short header, truncated
// total length, or a header checksum mismatch.
func DecodeIPv4(buf []byte) (IPv4, []byte, error) {
	if len(buf) < ipv4MinHeaderLen {
		return IPv4{}, nil, ErrMalformed
	}
	verIHL := buf[0]
	version := verIHL >> 4
	ihl := verIHL & 0x0f
	if version != ipv4Version || ihl < 5 {
		return IPv4{}, nil, ErrMalformed
	}
	hdrLen := int(ihl) * 4
	if len(buf) < hdrLen {
		return IPv4{}, nil, ErrMalformed
	}
	totalLen := binary.BigEndian.Uint16(buf[2:4])
	if int(totalLen) > len(buf) || int(totalLen) < hdrLen {
		return IPv4{}, nil, ErrMalformed
	}
	if checksum16(buf[:hdrLen]) != 0 {
		return IPv4{}, nil, ErrMalformed
	}

	src, ok1 := netip.AddrFromSlice(buf[12:16])
	dst, ok2 := netip.AddrFromSlice(buf[16:20])
	if !ok1 || !ok2 {
		return IPv4{}, nil, ErrMalformed
	}

	hdr := IPv4{
		IHL:      ihl,
		TOS:      buf[1],
		TotalLen: totalLen,
		ID:       binary.BigEndian.Uint16(buf[4:6]),
		TTL:      buf[8],
		Protocol: buf[9],
		Checksum: binary.BigEndian.Uint16(buf[10:12]),
		Src:      src.Unmap(),
		Dst:      dst.Unmap(),
	}
	return hdr, buf[hdrLen:totalLen], nil
}

// EncodeIPv4 serializes hdr followed by l4 (the already-built TCP/UDP
// segment, checksum included) into a complete IPv4 datagram. The IPv4
// header checksum is always recomputed; it is never read from hdr.
func EncodeIPv4(hdr IPv4, l4 []byte) []byte {
	totalLen := ipv4MinHeaderLen + len(l4)
	buf := make([]byte, totalLen)
	buf[0] = (ipv4Version << 4) | 5
	buf[1] = hdr.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], hdr.ID)
	// flags/fragment offset left at zero: this gateway never fragments.
	buf[8] = hdr.TTL
	buf[9] = hdr.Protocol
	src4 := hdr.Src.As4()
	dst4 := hdr.Dst.As4()
	copy(buf[12:16], src4[:])
	copy(buf[16:20], dst4[:])
	binary.BigEndian.PutUint16(buf[10:12], 0)
	binary.BigEndian.PutUint16(buf[10:12], checksum16(buf[:ipv4MinHeaderLen]))
	copy(buf[ipv4MinHeaderLen:], l4)
	return buf
}

// checksum16 computes the Internet checksum (RFC 1071) ones-complement sum
// of buf, treated as a sequence of big-endian 16-bit words.
func checksum16(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum accumulates the IPv4 pseudo-header checksum contribution
// (source, destination, zero byte, protocol, TCP/UDP length) used by both
// TCP and UDP checksums.
func pseudoHeaderSum(src, dst netip.Addr, protocol uint8, l4Len int) uint32 {
	var sum uint32
	s4 := src.As4()
	d4 := dst.As4()
	sum += uint32(s4[0])<<8 | uint32(s4[1])
	sum += uint32(s4[2])<<8 | uint32(s4[3])
	sum += uint32(d4[0])<<8 | uint32(d4[1])
	sum += uint32(d4[2])<<8 | uint32(d4[3])
	sum += uint32(protocol)
	sum += uint32(l4Len)
	return sum
}

func finishChecksum(partial uint32, l4 []byte) uint16 {
	sum := partial
	n := len(l4)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(l4[i])<<8 | uint32(l4[i+1])
	}
	if n%2 == 1 {
		sum += uint32(l4[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
