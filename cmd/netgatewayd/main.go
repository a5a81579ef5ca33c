// Command netgatewayd is the gateway daemon: it loads the YAML config,
// starts the gateway (tunnel, TCP/UDP engines, stats, sweeper), serves
// the control-plane unix socket, and shuts down cleanly on SIGINT/SIGTERM.
// The flag-based entrypoint and signal-driven graceful shutdown follow
// the teacher's cmd/outline-cli-ws/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"netgatewayd/internal/config"
	"netgatewayd/internal/controlapi"
	"netgatewayd/internal/gateway"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "/etc/netgatewayd/config.yaml", "daemon config path")
	flag.Parse()

	cfg, err := config.LoadDaemonConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rules, err := config.LoadRuleStore(cfg.RulesDir)
	if err != nil {
		log.Fatalf("rules: %v", err)
	}

	gw := gateway.New(cfg, rules)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("gateway: %v", err)
	}

	srv, err := controlapi.Listen(cfg.Control.SocketPath, gw)
	if err != nil {
		log.Fatalf("control api: %v", err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Printf("control api stopped: %v", err)
		}
	}()
	log.Printf("control api listening on %s", cfg.Control.SocketPath)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	log.Printf("shutting down...")
	_ = srv.Close()
	if err := gw.Stop(); err != nil {
		log.Printf("gateway stop: %v", err)
	}
}
