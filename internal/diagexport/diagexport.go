// Package diagexport produces the diagnostic report spec.md §6's control
// plane exposes ("export diagnostic report"): flow counts, domain-cache
// size, policy rule count, and per-reason error counters, tagged with a
// unique report ID. The JSON shape and marshal-then-write idiom follow the
// teacher's GlobalConfig.Save (internal/config/parser.go): MarshalIndent
// into a single file, nothing fancier.
package diagexport

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"netgatewayd/internal/stats"
)

// Report is the full point-in-time diagnostic snapshot.
type Report struct {
	ReportID           string             `json:"report_id"`
	GeneratedAt        time.Time          `json:"generated_at"`
	TCPFlowsActive     int                `json:"tcp_flows_active"`
	UDPFlowsActive     int                `json:"udp_flows_active"`
	DomainCacheEntries int                `json:"domain_cache_entries"`
	PolicyRuleCount    int                `json:"policy_rule_count"`
	DNSQueries         uint64             `json:"dns_queries_observed"`
	DNSResponses       uint64             `json:"dns_responses_observed"`
	DNSMalformed       uint64             `json:"dns_malformed"`
	Counters           map[string]uint64  `json:"counters"`
	Gauges             map[string]float64 `json:"gauges"`
}

// Input carries every figure the report summarizes, gathered by the
// gateway at export time.
type Input struct {
	TCPFlowsActive     int
	UDPFlowsActive     int
	DomainCacheEntries int
	PolicyRuleCount    int
	DNSQueries         uint64
	DNSResponses       uint64
	DNSMalformed       uint64
	Stats              stats.Snapshot
}

// Build assembles a tagged Report from in.
func Build(in Input) Report {
	return Report{
		ReportID:           uuid.NewString(),
		GeneratedAt:        time.Now(),
		TCPFlowsActive:     in.TCPFlowsActive,
		UDPFlowsActive:     in.UDPFlowsActive,
		DomainCacheEntries: in.DomainCacheEntries,
		PolicyRuleCount:    in.PolicyRuleCount,
		DNSQueries:         in.DNSQueries,
		DNSResponses:       in.DNSResponses,
		DNSMalformed:       in.DNSMalformed,
		Counters:           in.Stats.Counters,
		Gauges:             in.Stats.Gauges,
	}
}

// WriteFile marshals r as indented JSON and writes it to path.
func (r Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("diagexport: marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("diagexport: write %s: %w", path, err)
	}
	return nil
}
