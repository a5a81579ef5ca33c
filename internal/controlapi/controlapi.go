// Package controlapi is the out-of-process transport for spec.md §6's
// control plane: a JSON-over-unix-socket protocol the surrounding
// application (or the netgwctl CLI) uses to set/remove/list policy
// rules and read statistics/diagnostics, without ever touching the data
// plane directly. Every request is a single newline-delimited JSON
// object and every response mirrors it; the server handles one request
// per connection, matching the teacher's own minimal-protocol habit
// (ws_coder.go's frame-at-a-time codec) rather than reaching for gRPC or
// net/rpc for a handful of verbs.
package controlapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"netgatewayd/internal/diagexport"
	"netgatewayd/internal/gateway"
	"netgatewayd/internal/policy"
)

// Request is one control-plane call. Op selects the verb; the remaining
// fields are interpreted per-op and left zero otherwise.
type Request struct {
	Op     string  `json:"op"`
	UID    *uint32 `json:"uid,omitempty"`
	Domain *string `json:"domain,omitempty"`
	Rule   string  `json:"rule,omitempty"` // "ALLOW" or "BLOCK"
	Path   string  `json:"path,omitempty"` // diag export destination
}

// Response carries either a result payload or an error string; never both.
type Response struct {
	OK     bool               `json:"ok"`
	Error  string             `json:"error,omitempty"`
	Status *gateway.Status    `json:"status,omitempty"`
	Rules  []RuleView         `json:"rules,omitempty"`
	Stats  map[string]uint64  `json:"stats,omitempty"`
	Gauges map[string]float64 `json:"gauges,omitempty"`
	Report *diagexport.Report `json:"report,omitempty"`
}

// RuleView is the wire shape of one policy.Rule.
type RuleView struct {
	UID      *uint32 `json:"uid,omitempty"`
	Domain   *string `json:"domain,omitempty"`
	Decision string  `json:"decision"`
}

const (
	OpSetRule    = "set_rule"
	OpRemoveRule = "remove_rule"
	OpListRules  = "list_rules"
	OpStats      = "stats"
	OpDiag       = "diag"
	OpStatus     = "status"
)

// Server answers control-plane requests against a Gateway.
type Server struct {
	gw *gateway.Gateway
	ln net.Listener
}

// Listen binds a unix socket at socketPath, removing any stale socket
// file left by a prior unclean shutdown first.
func Listen(socketPath string, gw *gateway.Gateway) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("controlapi: listen %s: %w", socketPath, err)
	}
	return &Server{gw: gw, ln: ln}, nil
}

// Addr returns the socket path the server is bound to.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until the listener is closed, handling each
// on its own goroutine. It returns nil when the listener closes cleanly.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("controlapi: accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))
	var req Request
	if err := dec.Decode(&req); err != nil {
		return
	}

	resp := s.dispatch(req)
	enc := json.NewEncoder(conn)
	_ = enc.Encode(resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpSetRule:
		return s.setRule(req)
	case OpRemoveRule:
		return s.removeRule(req)
	case OpListRules:
		return s.listRules()
	case OpStats:
		return s.stats()
	case OpDiag:
		return s.diag(req)
	case OpStatus:
		st := s.gw.GetStatus()
		return Response{OK: true, Status: &st}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func parseDecision(raw string) (policy.Decision, error) {
	switch raw {
	case "ALLOW", "":
		return policy.Allow, nil
	case "BLOCK":
		return policy.Block, nil
	default:
		return policy.Allow, fmt.Errorf("invalid decision %q", raw)
	}
}

func (s *Server) setRule(req Request) Response {
	decision, err := parseDecision(req.Rule)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	switch {
	case req.UID != nil:
		s.gw.Policy.SetUIDRule(*req.UID, decision)
	case req.Domain != nil:
		s.gw.Policy.SetDomainRule(*req.Domain, decision)
	default:
		return Response{OK: false, Error: "set_rule requires uid or domain"}
	}
	if err := s.gw.SaveRules(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) removeRule(req Request) Response {
	switch {
	case req.UID != nil:
		s.gw.Policy.RemoveUIDRule(*req.UID)
	case req.Domain != nil:
		s.gw.Policy.RemoveDomainRule(*req.Domain)
	default:
		return Response{OK: false, Error: "remove_rule requires uid or domain"}
	}
	if err := s.gw.SaveRules(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) listRules() Response {
	rules := s.gw.Policy.ListRules()
	views := make([]RuleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, RuleView{UID: r.UID, Domain: r.Domain, Decision: r.Decision.String()})
	}
	return Response{OK: true, Rules: views}
}

func (s *Server) stats() Response {
	snap := s.gw.Stats.Snapshot()
	return Response{OK: true, Stats: snap.Counters, Gauges: snap.Gauges}
}

func (s *Server) diag(req Request) Response {
	report := s.gw.Diagnostics()
	if req.Path != "" {
		if err := report.WriteFile(req.Path); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
	}
	return Response{OK: true, Report: &report}
}
