package gwpacket

import "netgatewayd/internal/flowkey"

const defaultTTL = 64

// MSS returns the maximum TCP segment size the downlink reader may use when
// building a reply packet so it stays within mtu.
func MSS(mtu int) int {
	mss := mtu - ipv4MinHeaderLen - tcpMinHeaderLen
	if mss < 1 {
		mss = 1
	}
	return mss
}

// ReplyEndpoints derives the (src, dst) builder endpoints for a reply
// packet from the guest's flow key: the gateway replies "as" the original
// destination, back to the original source.
func ReplyEndpoints(k flowkey.Key) (src, dst IPv4Endpoint) {
	src = IPv4Endpoint{Addr: k.DstAddr, Port: k.DstPort}
	dst = IPv4Endpoint{Addr: k.SrcAddr, Port: k.SrcPort}
	return src, dst
}

// BuildTCPSynAck builds the SYN-ACK the gateway sends to the guest after a
// policy-allowed outbound connect succeeds.
func BuildTCPSynAck(k flowkey.Key, seq, ack uint32, window uint16) []byte {
	src, dst := ReplyEndpoints(k)
	return BuildTCP(TCPBuildParams{
		Src: src, Dst: dst, Seq: seq, Ack: ack,
		Flags:  flowkey.Flags{SYN: true, ACK: true},
		Window: window, TTL: defaultTTL,
	})
}

// BuildTCPAckOnly builds a payload-free ACK: the reflected ACK used by the
// idle reader to keep long-idle connections looking alive, and the
// acknowledgment of a guest FIN. Guest data segments get no ACK of their
// own; their bytes are acknowledged by the ack field of later downlink
// packets.
func BuildTCPAckOnly(k flowkey.Key, seq, ack uint32, window uint16) []byte {
	src, dst := ReplyEndpoints(k)
	return BuildTCP(TCPBuildParams{
		Src: src, Dst: dst, Seq: seq, Ack: ack,
		Flags:  flowkey.Flags{ACK: true},
		Window: window, TTL: defaultTTL,
	})
}

// BuildTCPData builds a downlink data segment carrying payload.
func BuildTCPData(k flowkey.Key, seq, ack uint32, window uint16, payload []byte, psh bool) []byte {
	src, dst := ReplyEndpoints(k)
	return BuildTCP(TCPBuildParams{
		Src: src, Dst: dst, Seq: seq, Ack: ack,
		Flags:   flowkey.Flags{ACK: true, PSH: psh},
		Window:  window,
		Payload: payload,
		TTL:     defaultTTL,
	})
}

// BuildTCPFinAck builds the FIN-ACK synthesized toward the guest when the
// outbound reader observes EOF.
func BuildTCPFinAck(k flowkey.Key, seq, ack uint32, window uint16) []byte {
	src, dst := ReplyEndpoints(k)
	return BuildTCP(TCPBuildParams{
		Src: src, Dst: dst, Seq: seq, Ack: ack,
		Flags:  flowkey.Flags{FIN: true, ACK: true},
		Window: window, TTL: defaultTTL,
	})
}

// BuildTCPReset builds a bare RST toward the guest. It serves both flows
// that have no downlink reader (unknown flows, blocked SYNs, failed
// connects) and mid-flow resets.
func BuildTCPReset(k flowkey.Key, seq, ack uint32) []byte {
	src, dst := ReplyEndpoints(k)
	return BuildTCP(TCPBuildParams{
		Src: src, Dst: dst, Seq: seq, Ack: ack,
		Flags: flowkey.Flags{RST: true},
		TTL:   defaultTTL,
	})
}

// BuildUDPReply builds a UDP reply datagram with the 5-tuple reversed.
func BuildUDPReply(k flowkey.Key, payload []byte) []byte {
	src, dst := ReplyEndpoints(k)
	return BuildUDP(UDPBuildParams{Src: src, Dst: dst, Payload: payload, TTL: defaultTTL})
}
