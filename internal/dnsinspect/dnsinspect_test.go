package dnsinspect

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"

	"netgatewayd/internal/domaincache"
)

func buildResponse(t *testing.T, name string, ip net.IP, ttl uint32) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Response = true
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   ip,
	}
	msg.Answer = append(msg.Answer, rr)
	packed, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return packed
}

func TestObserveResponsePopulatesCache(t *testing.T) {
	cache := domaincache.New()
	ins := New(cache)

	payload := buildResponse(t, "example.org", net.ParseIP("93.184.216.34").To4(), 300)
	ins.ObserveResponse(payload)

	got, ok := cache.Lookup(netip.MustParseAddr("93.184.216.34"))
	if !ok || got != "example.org" {
		t.Fatalf("expected example.org, got %q ok=%v", got, ok)
	}
	if ins.Snapshot().Responses != 1 {
		t.Fatalf("expected response counter to increment")
	}
}

func TestObserveResponseMalformedIsCounted(t *testing.T) {
	cache := domaincache.New()
	ins := New(cache)
	ins.ObserveResponse([]byte{0x01, 0x02})

	if ins.Snapshot().Malformed != 1 {
		t.Fatalf("expected malformed counter to increment")
	}
}

func TestObserveResponseIgnoresEmptyAnswer(t *testing.T) {
	cache := domaincache.New()
	ins := New(cache)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("noanswer.test"), dns.TypeA)
	msg.Response = true
	packed, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	ins.ObserveResponse(packed)

	if cache.Len() != 0 {
		t.Fatalf("expected no cache entries for answerless response")
	}
}

func TestObserveQueryCountsOnly(t *testing.T) {
	cache := domaincache.New()
	ins := New(cache)
	ins.ObserveQuery([]byte("irrelevant"))

	if ins.Snapshot().Queries != 1 {
		t.Fatalf("expected query counter to increment")
	}
	if cache.Len() != 0 {
		t.Fatalf("query observation must not touch the cache")
	}
}
