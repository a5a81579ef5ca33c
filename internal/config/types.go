// Package config holds the gateway's on-disk configuration: a YAML
// daemon config (device, listeners, tuning) and a JSON policy-rule file
// persisted on behalf of the surrounding application, since spec.md
// §6 keeps the core itself stateless.
package config

import (
	"fmt"
	"time"
)

// DaemonConfig is the gateway's YAML startup configuration, in the
// teacher's zero-value-defaulting style (internal/config.go LoadConfig).
type DaemonConfig struct {
	Tun      TunConfig      `yaml:"tun"`
	Stats    StatsConfig    `yaml:"stats"`
	Control  ControlConfig  `yaml:"control"`
	Identity IdentityConfig `yaml:"identity"`
	Fwmark   uint32         `yaml:"fwmark"` // 0 disables socket protection
	RulesDir string         `yaml:"rules_dir"`
}

// TunConfig describes the pre-provisioned TUN interface the gateway
// opens at startup.
type TunConfig struct {
	Device string `yaml:"device"`
	MTU    int    `yaml:"mtu"`
}

// StatsConfig configures the Prometheus text exporter.
type StatsConfig struct {
	Listen string `yaml:"listen"`
}

// ControlConfig configures the unix-socket control plane listener.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// IdentityConfig tunes the UID-resolution rate limiter.
type IdentityConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func (c *DaemonConfig) Validate() error {
	if c.Tun.Device == "" {
		return fmt.Errorf("tun.device is required")
	}
	return nil
}

// RuleRecord is the on-disk shape of one PolicyRule, persisted for the
// surrounding application (policy.Store itself holds no disk state).
type RuleRecord struct {
	UID      *uint32 `json:"uid,omitempty"`
	Domain   *string `json:"domain,omitempty"`
	Decision string  `json:"decision"`
}

// RuleStoreFile is the JSON document written to <RulesDir>/rules.json.
type RuleStoreFile struct {
	Rules     []RuleRecord `json:"rules"`
	UpdatedAt time.Time    `json:"updated_at"`
	ConfigDir string       `json:"-"`
}
