package diagexport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"netgatewayd/internal/stats"
)

func TestBuildTagsAReportID(t *testing.T) {
	r1 := Build(Input{TCPFlowsActive: 2, Stats: stats.Snapshot{Counters: map[string]uint64{}, Gauges: map[string]float64{}}})
	r2 := Build(Input{TCPFlowsActive: 2, Stats: stats.Snapshot{Counters: map[string]uint64{}, Gauges: map[string]float64{}}})

	if r1.ReportID == "" {
		t.Fatalf("expected a non-empty report ID")
	}
	if r1.ReportID == r2.ReportID {
		t.Fatalf("expected distinct report IDs across builds")
	}
}

func TestWriteFileProducesValidJSON(t *testing.T) {
	r := Build(Input{
		TCPFlowsActive:     3,
		UDPFlowsActive:     1,
		DomainCacheEntries: 5,
		PolicyRuleCount:    2,
		DNSQueries:         10,
		DNSResponses:       9,
		DNSMalformed:       1,
		Stats: stats.Snapshot{
			Counters: map[string]uint64{"tcp_flows_opened_total": 3},
			Gauges:   map[string]float64{"tcp_flows_active": 3},
		},
	})

	path := filepath.Join(t.TempDir(), "diag.json")
	if err := r.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ReportID != r.ReportID {
		t.Fatalf("report ID did not round-trip")
	}
	if decoded.TCPFlowsActive != 3 || decoded.PolicyRuleCount != 2 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}
}
