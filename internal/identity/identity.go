// Package identity resolves the owning process UID of an outbound flow
// from its protocol and local port (the local address is not compared), for UID-based
// policy decisions (spec §6(d)). Resolution is best-effort and optional:
// callers degrade to domain-only or default policy when it fails.
//
// UID resolution walks the host's open-socket table via
// github.com/shirou/gopsutil/v3/net, the same system-inventory library
// the teacher's health/stats surface (gopsutil/v3/mem, gopsutil/v3/cpu)
// already pulls in — net.Connections exposes each socket's owning UID
// without requiring root-only /proc parsing of our own. Lookups are
// rate-limited with golang.org/x/time/rate since a busy gateway can open
// many flows per second and the underlying syscalls are not free.
package identity

import (
	"context"
	"fmt"

	gnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/time/rate"

	"netgatewayd/internal/flowkey"
)

// ErrRateLimited is returned when a lookup is dropped by the limiter
// rather than performed.
var ErrRateLimited = fmt.Errorf("identity: lookup rate limited")

// Resolver looks up the UID owning a local (proto, port) pair. The first
// socket of the matching type bound to that port wins.
type Resolver struct {
	limiter *rate.Limiter
	list    func() ([]gnet.ConnectionStat, error)
}

// New returns a Resolver allowing up to rps lookups per second, with a
// burst of burst.
func New(rps float64, burst int) *Resolver {
	return &Resolver{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		list:    func() ([]gnet.ConnectionStat, error) { return gnet.Connections("inet") },
	}
}

// Resolve returns the UID of the process holding the local socket
// identified by proto/srcPort, or an error if none is found, the
// lookup was rate-limited, or the inventory call failed.
func (r *Resolver) Resolve(ctx context.Context, proto flowkey.Proto, srcPort uint16) (uint32, error) {
	if !r.limiter.Allow() {
		return 0, ErrRateLimited
	}

	conns, err := r.list()
	if err != nil {
		return 0, fmt.Errorf("identity: list connections: %w", err)
	}

	wantType := uint32(1) // SOCK_STREAM
	if proto == flowkey.UDP {
		wantType = 2 // SOCK_DGRAM
	}

	for _, c := range conns {
		if c.Type != wantType {
			continue
		}
		if c.Laddr.Port != uint32(srcPort) {
			continue
		}
		if len(c.Uids) == 0 {
			continue
		}
		return uint32(c.Uids[0]), nil
	}
	return 0, fmt.Errorf("identity: no owning process found for port %d", srcPort)
}
