// Package dnsinspect passively parses DNS responses observed in the UDP
// forwarding path and feeds resolved A/AAAA answers into a domain cache
// (spec §4.4). It never originates DNS traffic and never blocks or alters
// the flow it observes — decode failures are swallowed, matching the
// "never interferes with delivery" requirement.
//
// Parsing is done with github.com/miekg/dns, the wire-format library the
// retrieval pack's own DNS-adjacent code (pkg/upstream/udp in the mosdns
// reference material) builds message exchange on top of.
package dnsinspect

import (
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"netgatewayd/internal/domaincache"
)

// Inspector parses DNS response payloads and populates a domain cache.
type Inspector struct {
	cache *domaincache.Cache

	queries   atomic.Uint64
	responses atomic.Uint64
	malformed atomic.Uint64
}

// New returns an Inspector that writes resolved names into cache.
func New(cache *domaincache.Cache) *Inspector {
	return &Inspector{cache: cache}
}

// ObserveQuery records that a DNS query was seen on the wire. It does not
// parse the query itself — only responses carry resolved addresses.
func (ins *Inspector) ObserveQuery(payload []byte) {
	ins.queries.Add(1)
}

// ObserveResponse parses a UDP payload believed to be a DNS response
// (typically because it arrived from src port 53) and, on success,
// inserts every A/AAAA answer into the domain cache keyed by the
// answer's IP and the query name that produced it.
//
// Malformed messages (including pathological compression-pointer loops,
// which the underlying library bounds internally) are counted and
// dropped without error — this is a passive observer, not a resolver.
func (ins *Inspector) ObserveResponse(payload []byte) {
	ins.responses.Add(1)

	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		ins.malformed.Add(1)
		return
	}
	if len(msg.Question) == 0 || len(msg.Answer) == 0 {
		return
	}
	name := strings.TrimSuffix(strings.ToLower(msg.Question[0].Name), ".")

	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addr, ok := netip.AddrFromSlice(rec.A.To4())
			if !ok {
				continue
			}
			ins.cache.Insert(addr, name, ttlOf(rec.Hdr.Ttl))
		case *dns.AAAA:
			addr, ok := netip.AddrFromSlice(rec.AAAA.To16())
			if !ok {
				continue
			}
			ins.cache.Insert(addr, name, ttlOf(rec.Hdr.Ttl))
		}
	}
}

func ttlOf(seconds uint32) time.Duration {
	return domaincache.ClampTTL(time.Duration(seconds) * time.Second)
}

// Stats is a point-in-time snapshot of inspector counters.
type Stats struct {
	Queries   uint64
	Responses uint64
	Malformed uint64
}

// Snapshot returns the current counter values.
func (ins *Inspector) Snapshot() Stats {
	return Stats{
		Queries:   ins.queries.Load(),
		Responses: ins.responses.Load(),
		Malformed: ins.malformed.Load(),
	}
}
