// Package stats collects gateway-wide counters and exposes them both as
// a Prometheus text-format HTTP endpoint and as an in-process snapshot
// for the control API. The exporter is a direct descendant of the
// teacher's hand-rolled telemetry struct (internal/metrics.go): a
// mutex-protected set of label-string-keyed maps rendered to the
// Prometheus exposition format without pulling in the full
// client_golang registry, since the teacher shows this is a workable,
// dependency-light way to expose a handful of counters/gauges.
package stats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector accumulates gateway counters and gauges.
type Collector struct {
	mu sync.RWMutex

	counters map[string]uint64
	gauges   map[string]float64
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{
		counters: make(map[string]uint64),
		gauges:   make(map[string]float64),
	}
}

// Inc increments a named counter by delta.
func (c *Collector) Inc(name string, delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

// Set assigns a named gauge's current value.
func (c *Collector) Set(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// Snapshot is a point-in-time copy of every counter and gauge, used by
// the control API's stats query.
type Snapshot struct {
	Counters map[string]uint64
	Gauges   map[string]float64
}

// Snapshot returns a copy of the current counters and gauges.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Snapshot{
		Counters: make(map[string]uint64, len(c.counters)),
		Gauges:   make(map[string]float64, len(c.gauges)),
	}
	for k, v := range c.counters {
		out.Counters[k] = v
	}
	for k, v := range c.gauges {
		out.Gauges[k] = v
	}
	return out
}

// StartServer runs a minimal Prometheus-exposition HTTP server on addr
// until ctx is canceled, mirroring the teacher's StartMetricsServer
// lifecycle (context-driven graceful shutdown with a bounded timeout).
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("stats: empty listen address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", c.handleMetrics)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stats: serve %s: %w", addr, err)
	}
	return nil
}

func (c *Collector) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.counters))
	for n := range c.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "netgatewayd_%s %d\n", n, c.counters[n])
	}

	names = names[:0]
	for n := range c.gauges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "netgatewayd_%s %g\n", n, c.gauges[n])
	}
}

// Counter names shared across the gateway packages, kept here so every
// writer and the diagnostics exporter agree on spelling.
const (
	CounterTCPFlowsOpened   = "tcp_flows_opened_total"
	CounterTCPFlowsClosed   = "tcp_flows_closed_total"
	CounterTCPResetsSent    = "tcp_resets_sent_total"
	CounterUDPFlowsOpened   = "udp_flows_opened_total"
	CounterUDPFlowsEvicted  = "udp_flows_evicted_total"
	CounterDNSResponses     = "dns_responses_observed_total"
	CounterDNSMalformed     = "dns_malformed_total"
	CounterPolicyAllowed    = "policy_decisions_allow_total"
	CounterPolicyBlocked    = "policy_decisions_block_total"
	CounterProtectionFailed = "socket_protection_failures_total"

	GaugeTCPFlowsActive = "tcp_flows_active"
	GaugeUDPFlowsActive = "udp_flows_active"
	GaugeDomainCacheLen = "domain_cache_entries"
)
