//go:build !linux

package protectedsock

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// Protect is unsupported outside Linux; fwmark-based protection has no
// portable equivalent. Callers must treat this as a fatal protection
// failure, matching spec §5's "any protection failure is fatal for that
// flow".
func (p *Protector) Protect(uintptr) error {
	if p.Mark == 0 {
		return nil
	}
	return &ProtectionFailedError{Mark: p.Mark, Err: fmt.Errorf("socket protection is only supported on linux")}
}

func (p *Protector) ControlFunc() func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var ctlErr error
		_ = c.Control(func(fd uintptr) {
			ctlErr = p.Protect(fd)
		})
		return ctlErr
	}
}

func (p *Protector) Dialer() *net.Dialer {
	return &net.Dialer{Control: p.ControlFunc()}
}

func (p *Protector) ListenPacket(ctx context.Context, network, laddr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: p.ControlFunc()}
	return lc.ListenPacket(ctx, network, laddr)
}
