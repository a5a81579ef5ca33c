//go:build linux

package protectedsock

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Protect marks fd with the protector's fwmark via SO_MARK. Called with a
// zero Mark it is a deliberate no-op so self-exclusion can be disabled in
// environments without policy routing.
func (p *Protector) Protect(fd uintptr) error {
	if p.Mark == 0 {
		return nil
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(p.Mark)); err != nil {
		return &ProtectionFailedError{Mark: p.Mark, Err: err}
	}
	return nil
}

// ControlFunc returns a net.Dialer.Control-compatible function that marks
// the socket before the runtime issues connect(2), satisfying "protected
// before any connect attempt" (spec §4.2) on the same call path the dialer
// itself authorizes, never handed off to an unrelated goroutine.
func (p *Protector) ControlFunc() func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var ctlErr error
		err := c.Control(func(fd uintptr) {
			ctlErr = p.Protect(fd)
		})
		if err != nil {
			return err
		}
		return ctlErr
	}
}

// Dialer returns a net.Dialer pre-wired with the protection control func.
func (p *Protector) Dialer() *net.Dialer {
	return &net.Dialer{Control: p.ControlFunc()}
}

// ListenPacket opens a protected UDP PacketConn for ctx/network/laddr.
func (p *Protector) ListenPacket(ctx context.Context, network, laddr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: p.ControlFunc()}
	return lc.ListenPacket(ctx, network, laddr)
}
