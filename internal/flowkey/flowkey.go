// Package flowkey defines the 5-tuple flow identity shared by the TCP and
// UDP engines, plus the per-packet metadata the demultiplexer hands to them.
package flowkey

import (
	"fmt"
	"net/netip"
)

// Proto identifies the transport protocol of a flow.
type Proto uint8

const (
	TCP Proto = 6
	UDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Key is the immutable 5-tuple identity of a flow. Equality and hashing are
// over all five fields, which Go's comparable struct semantics give for free
// when Key is used as a map key.
type Key struct {
	Proto   Proto
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", k.Proto, k.SrcAddr, k.SrcPort, k.DstAddr, k.DstPort)
}

// Reverse returns the key seen from the other peer's point of view, used to
// encode reply packets sent back toward the guest.
func (k Key) Reverse() Key {
	return Key{
		Proto:   k.Proto,
		SrcAddr: k.DstAddr,
		SrcPort: k.DstPort,
		DstAddr: k.SrcAddr,
		DstPort: k.SrcPort,
	}
}

// Flags is the TCP flag set observed on one packet.
type Flags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// Metadata describes one dispatched packet. Its lifetime is bounded to a
// single dispatch cycle — the demultiplexer and forwarders must not retain
// the Payload slice past that cycle without copying it.
type Metadata struct {
	Key     Key
	Seq     uint32 // TCP only
	Ack     uint32 // TCP only
	Flags   Flags  // TCP only; zero value for UDP
	Payload []byte
}
