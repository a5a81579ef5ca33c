// Package protectedsock implements the "protect" and "self-exclusion"
// capabilities of the host tunneling API (spec §6): marking an outbound
// socket so routing policy installed for the TUN device does not loop the
// gateway's own traffic back into the tunnel.
//
// Socket protection discipline (spec §5) requires every outbound socket be
// marked before any connect or send call, on the same goroutine that
// created it — Protector.Protect must never be deferred to an unrelated
// worker.
package protectedsock

import "fmt"

// Protector marks sockets as exempt from tunnel routing. Mark must be a
// non-zero fwmark value agreed with the operator's routing policy (e.g. the
// `ip rule` / `ip route` setup that excludes this mark from the tunnel
// table).
type Protector struct {
	Mark uint32
}

// NewProtector returns a Protector for the given fwmark. A zero mark means
// protection is a no-op — acceptable only in test/dev setups where the
// platform has no conflicting default route through the tunnel.
func NewProtector(mark uint32) *Protector {
	return &Protector{Mark: mark}
}

// ProtectionFailedError wraps the underlying setsockopt failure. The
// caller must treat this as fatal for the socket in question: spec §5
// says any protection failure closes the socket, drops the flow creation,
// and for TCP returns a RST to the guest.
type ProtectionFailedError struct {
	Mark uint32
	Err  error
}

func (e *ProtectionFailedError) Error() string {
	return fmt.Sprintf("protect socket (mark=%d): %v", e.Mark, e.Err)
}

func (e *ProtectionFailedError) Unwrap() error { return e.Err }

// InstallSelfExclusion verifies that this process's own outbound sockets
// can be marked exempt from the tunnel's routing, satisfying spec §4.7's
// hard startup precondition: the gateway must not proceed if protected
// sockets cannot actually be excluded from the tunnel. It opens a throwaway
// probe socket through Dialer and marks it the same way every flow's
// outbound socket will be marked; a zero Mark is accepted as an explicit
// opt-out for test/dev environments with no conflicting tunnel route.
func (p *Protector) InstallSelfExclusion() error {
	if p.Mark == 0 {
		return nil
	}
	conn, err := p.Dialer().Dial("udp4", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("protectedsock: self-exclusion probe: %w", err)
	}
	defer conn.Close()
	return nil
}
