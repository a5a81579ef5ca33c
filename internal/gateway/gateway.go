// Package gateway is the lifecycle owner of spec.md §4.7: it validates
// configuration, installs the self-exclusion precondition with the host
// tunneling API, opens the tunnel, wires the TCP/UDP engines to it, and
// tears everything down idempotently on stop. It is grounded in the
// teacher's manager.VPNManager (internal/manager/vpn_manager.go): a
// mutex-protected status struct, a Connect/Disconnect pair, and a
// stopChan the long-running goroutines select on — generalized here from
// one SOCKS5 listener to the tunnel/TCP/UDP/sweeper/stats task set this
// spec actually needs.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"netgatewayd/internal/config"
	"netgatewayd/internal/diagexport"
	"netgatewayd/internal/dnsinspect"
	"netgatewayd/internal/domaincache"
	"netgatewayd/internal/identity"
	"netgatewayd/internal/policy"
	"netgatewayd/internal/protectedsock"
	"netgatewayd/internal/stats"
	"netgatewayd/internal/tcpstack"
	"netgatewayd/internal/tundev"
	"netgatewayd/internal/udpstack"
)

// State is the gateway's coarse lifecycle state, mirroring the teacher's
// ConnectionStatus.State string but typed.
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Status is a point-in-time snapshot of the gateway's lifecycle state,
// returned to the control plane (spec §6).
type Status struct {
	State     State
	StartedAt time.Time
}

// Gateway owns the tunnel handle, the TCP/UDP flow tables, the policy
// store, the domain cache, and every background task those components
// run. The zero value is not usable; construct with New.
type Gateway struct {
	cfg   *config.DaemonConfig
	rules *config.RuleStoreFile

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	wg     sync.WaitGroup

	Policy    *policy.Store
	Domains   *domaincache.Cache
	Inspector *dnsinspect.Inspector
	Stats     *stats.Collector
	Identity  *identity.Resolver
	Protector *protectedsock.Protector

	demux *tundev.Demux
	tcp   *tcpstack.Table
	udp   *udpstack.Table
}

// New assembles a Gateway's stationary dependencies (policy store, domain
// cache, DNS inspector, stats collector, identity resolver, protector)
// from cfg. It does not open the tunnel or start any task — call Start
// for that.
func New(cfg *config.DaemonConfig, rules *config.RuleStoreFile) *Gateway {
	domains := domaincache.New()
	g := &Gateway{
		cfg:       cfg,
		rules:     rules,
		status:    Status{State: StateStopped},
		Policy:    policy.New(),
		Domains:   domains,
		Inspector: dnsinspect.New(domains),
		Stats:     stats.New(),
		Identity:  identity.New(cfg.Identity.RPS, cfg.Identity.Burst),
		Protector: protectedsock.NewProtector(cfg.Fwmark),
	}
	rules.ApplyTo(g.Policy)
	return g
}

// Start implements spec.md §4.7's startup sequence: validate config,
// install self-exclusion (fatal on failure — this is the one startup
// condition that must not be swallowed, per spec §7), open the tunnel,
// wire the TCP/UDP engines, and launch every background task.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status.State == StateRunning {
		return fmt.Errorf("gateway: already running")
	}

	if err := g.cfg.Validate(); err != nil {
		return fmt.Errorf("gateway: invalid config: %w", err)
	}

	if err := g.Protector.InstallSelfExclusion(); err != nil {
		return fmt.Errorf("gateway: self-exclusion install failed, aborting startup: %w", err)
	}

	demux, err := tundev.Open(g.cfg.Tun.Device)
	if err != nil {
		return fmt.Errorf("gateway: open tunnel: %w", err)
	}
	mtu := g.cfg.Tun.MTU
	if mtu <= 0 {
		mtu = demux.MTU()
	}

	runCtx, cancel := context.WithCancel(ctx)

	g.tcp = tcpstack.New(tcpstack.Config{
		Policy:    g.Policy,
		Domains:   g.Domains,
		Identity:  g.Identity,
		Protector: g.Protector,
		Stats:     g.Stats,
		MTU:       mtu,
	}, demux)
	g.udp = udpstack.New(udpstack.Config{
		Policy:    g.Policy,
		Domains:   g.Domains,
		Identity:  g.Identity,
		Protector: g.Protector,
		Inspector: g.Inspector,
		Stats:     g.Stats,
	}, demux)
	demux.Bind(g.tcp, g.udp)
	g.demux = demux

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		if err := demux.Run(runCtx); err != nil {
			log.Printf("gateway: tunnel reader stopped: %v", err)
		}
	}()
	go func() {
		defer g.wg.Done()
		g.udp.RunSweeper(runCtx)
	}()

	if g.cfg.Stats.Listen != "" {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.Stats.StartServer(runCtx, g.cfg.Stats.Listen); err != nil {
				log.Printf("gateway: stats server stopped: %v", err)
			}
		}()
	}

	g.cancel = cancel
	g.status = Status{State: StateRunning, StartedAt: time.Now()}
	log.Printf("gateway: started on %s (mtu=%d)", g.cfg.Tun.Device, mtu)
	return nil
}

// Stop implements spec.md §4.7's teardown: signal the demultiplexer and
// sweeper to exit, drain and close every TCP flow (graceful FIN where
// possible, RST if already half-closed — handled by tcpstack.Table.Close
// per flow state), close every UDP flow, close the tunnel. Stop does not
// return until every per-flow task has exited, and is idempotent.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status.State == StateStopped {
		return nil
	}

	g.cancel()

	if g.tcp != nil {
		g.tcp.Close()
	}
	if g.udp != nil {
		g.udp.Close()
	}
	g.wg.Wait()

	if g.demux != nil {
		if err := g.demux.Close(); err != nil {
			log.Printf("gateway: close tunnel: %v", err)
		}
	}

	g.tcp, g.udp, g.demux = nil, nil, nil
	g.status = Status{State: StateStopped}
	log.Printf("gateway: stopped")
	return nil
}

// GetStatus returns a copy of the gateway's current lifecycle status.
func (g *Gateway) GetStatus() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Diagnostics assembles a diagexport.Report from the gateway's current
// in-memory state, implementing spec §6's "export diagnostic report".
func (g *Gateway) Diagnostics() diagexport.Report {
	g.mu.Lock()
	tcpActive, udpActive := 0, 0
	if g.tcp != nil {
		tcpActive = g.tcp.ActiveFlows()
	}
	if g.udp != nil {
		udpActive = g.udp.ActiveFlows()
	}
	g.mu.Unlock()

	dnsStats := g.Inspector.Snapshot()
	return diagexport.Build(diagexport.Input{
		TCPFlowsActive:     tcpActive,
		UDPFlowsActive:     udpActive,
		DomainCacheEntries: g.Domains.Len(),
		PolicyRuleCount:    len(g.Policy.ListRules()),
		DNSQueries:         dnsStats.Queries,
		DNSResponses:       dnsStats.Responses,
		DNSMalformed:       dnsStats.Malformed,
		Stats:              g.Stats.Snapshot(),
	})
}

// SaveRules persists the policy store's current rules to disk through
// the surrounding application's rule file, per spec §6 "Persisted state:
// none in the core; delegated to the surrounding application."
func (g *Gateway) SaveRules() error {
	g.rules.CaptureFrom(g.Policy)
	return g.rules.Save()
}
