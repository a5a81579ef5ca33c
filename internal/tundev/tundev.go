// Package tundev opens the TUN device and demultiplexes inbound IPv4
// datagrams to the TCP and UDP engines. Per spec.md §4.6 it is
// deliberately thin: no flow lookups, no policy checks, no packet
// synthesis — every valid datagram goes to exactly one forwarder
// exactly once.
//
// Device open is grounded in the teacher's openExistingTun
// (internal/tun_native.go): an interface created ahead of time by an
// external setup script, opened here rather than created, using
// github.com/songgao/water.
package tundev

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/songgao/water"

	"netgatewayd/internal/flowkey"
	"netgatewayd/internal/gwpacket"
)

// TCPHandler receives demultiplexed TCP segments.
type TCPHandler interface {
	HandlePacket(ctx context.Context, meta flowkey.Metadata)
}

// UDPHandler receives demultiplexed UDP datagrams.
type UDPHandler interface {
	HandlePacket(ctx context.Context, meta flowkey.Metadata)
}

// Demux owns the TUN handle and dispatches decoded datagrams to the
// TCP/UDP engines. It implements tcpstack.Writer and udpstack.Writer by
// writing synthesized reply packets straight back to the device.
type Demux struct {
	ifce *water.Interface
	mtu  int
	tcp  TCPHandler
	udp  UDPHandler
}

// Open opens the existing TUN interface named name, matching the
// teacher's expectation that the interface itself (address, routes)
// was already provisioned by an external setup step.
func Open(name string) (*Demux, error) {
	if name == "" {
		return nil, fmt.Errorf("tundev: empty device name")
	}
	if _, err := net.InterfaceByName(name); err != nil {
		return nil, fmt.Errorf("tundev: interface %q not found (provision it before starting): %w", name, err)
	}

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tundev: open %q: %w", name, err)
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = ifce.Close()
		return nil, fmt.Errorf("tundev: re-query %q: %w", name, err)
	}
	mtu := ifi.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	return &Demux{ifce: ifce, mtu: mtu}, nil
}

// MTU returns the device's configured MTU.
func (d *Demux) MTU() int { return d.mtu }

// Bind attaches the TCP and UDP engines the demultiplexer dispatches to.
// Must be called before Run.
func (d *Demux) Bind(tcp TCPHandler, udp UDPHandler) {
	d.tcp = tcp
	d.udp = udp
}

// WritePacket writes one synthesized IPv4 datagram to the TUN device.
func (d *Demux) WritePacket(pkt []byte) error {
	_, err := d.ifce.Write(pkt)
	return err
}

// Close closes the underlying TUN handle.
func (d *Demux) Close() error {
	return d.ifce.Close()
}

// Run reads datagrams from the TUN device until ctx is canceled or the
// device read fails, dispatching each to the TCP or UDP engine.
func (d *Demux) Run(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := d.ifce.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("tundev: read: %w", err)
			}
		}
		d.dispatch(ctx, buf[:n])
	}
}

func (d *Demux) dispatch(ctx context.Context, raw []byte) {
	ip, l4, err := gwpacket.DecodeIPv4(raw)
	if err != nil {
		return
	}

	switch ip.Protocol {
	case uint8(flowkey.TCP):
		tcp, err := gwpacket.DecodeTCP(l4)
		if err != nil {
			return
		}
		if d.tcp == nil {
			return
		}
		d.tcp.HandlePacket(ctx, flowkey.Metadata{
			Key: flowkey.Key{
				Proto: flowkey.TCP, SrcAddr: ip.Src, SrcPort: tcp.SrcPort,
				DstAddr: ip.Dst, DstPort: tcp.DstPort,
			},
			Seq: tcp.Seq, Ack: tcp.Ack, Flags: tcp.Flags, Payload: tcp.Payload,
		})

	case uint8(flowkey.UDP):
		udp, err := gwpacket.DecodeUDP(l4)
		if err != nil {
			return
		}
		if d.udp == nil {
			return
		}
		d.udp.HandlePacket(ctx, flowkey.Metadata{
			Key: flowkey.Key{
				Proto: flowkey.UDP, SrcAddr: ip.Src, SrcPort: udp.SrcPort,
				DstAddr: ip.Dst, DstPort: udp.DstPort,
			},
			Payload: udp.Payload,
		})

	default:
		log.Printf("tundev: dropping unsupported protocol %d from %s", ip.Protocol, ip.Src)
	}
}
