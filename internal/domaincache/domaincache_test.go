package domaincache

import (
	"net/netip"
	"testing"
	"time"
)

func TestInsertLookup(t *testing.T) {
	c := New()
	addr := netip.MustParseAddr("93.184.216.34")
	c.Insert(addr, "example.org", time.Minute)

	got, ok := c.Lookup(addr)
	if !ok || got != "example.org" {
		t.Fatalf("expected example.org, got %q ok=%v", got, ok)
	}
}

func TestLookupMiss(t *testing.T) {
	c := New()
	if _, ok := c.Lookup(netip.MustParseAddr("10.0.0.1")); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestClampTTLLowerBound(t *testing.T) {
	if got := ClampTTL(time.Second); got != MinTTL {
		t.Fatalf("expected clamp to %v, got %v", MinTTL, got)
	}
}

func TestClampTTLUpperBound(t *testing.T) {
	if got := ClampTTL(24 * time.Hour); got != MaxTTL {
		t.Fatalf("expected clamp to %v, got %v", MaxTTL, got)
	}
}

func TestClampTTLWithinRange(t *testing.T) {
	if got := ClampTTL(5 * time.Minute); got != 5*time.Minute {
		t.Fatalf("expected unchanged 5m, got %v", got)
	}
}

func TestExpiryEvictsOnLookup(t *testing.T) {
	c := New()
	addr := netip.MustParseAddr("1.2.3.4")
	start := time.Now()
	cur := start
	c.now = func() time.Time { return cur }

	c.Insert(addr, "expiring.test", MinTTL)
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after insert")
	}

	cur = start.Add(MinTTL + time.Second)
	if _, ok := c.Lookup(addr); ok {
		t.Fatalf("expected entry to have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted from map, len=%d", c.Len())
	}
}

func TestOverwriteKeepsMostRecentDomain(t *testing.T) {
	c := New()
	addr := netip.MustParseAddr("8.8.8.8")
	c.Insert(addr, "first.test", time.Minute)
	c.Insert(addr, "second.test", time.Minute)

	got, ok := c.Lookup(addr)
	if !ok || got != "second.test" {
		t.Fatalf("expected second.test to win, got %q", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected single entry per address, got %d", c.Len())
	}
}
