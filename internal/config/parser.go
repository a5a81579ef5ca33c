package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"netgatewayd/internal/policy"
)

// LoadDaemonConfig reads and defaults the YAML daemon config at path,
// following the teacher's zero-value-defaulting idiom (internal/config.go
// LoadConfig): MTU, listeners, identity rate limits and the rules dir get
// a default when left unset. tun.device has no default; leaving it unset
// is a validation error.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c DaemonConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1500
	}
	if c.Stats.Listen == "" {
		c.Stats.Listen = "127.0.0.1:9191"
	}
	if c.Control.SocketPath == "" {
		c.Control.SocketPath = "/run/netgatewayd/control.sock"
	}
	if c.Identity.RPS == 0 {
		c.Identity.RPS = 50
	}
	if c.Identity.Burst == 0 {
		c.Identity.Burst = 20
	}
	if c.RulesDir == "" {
		c.RulesDir = "/var/lib/netgatewayd"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// LoadRuleStore reads <configDir>/rules.json, returning an empty store
// if the file does not yet exist — mirroring LoadGlobalConfig's
// tolerant first-run behavior (internal/config/parser.go).
func LoadRuleStore(configDir string) (*RuleStoreFile, error) {
	store := &RuleStoreFile{ConfigDir: configDir}

	path := filepath.Join(configDir, "rules.json")
	if _, err := os.Stat(path); err != nil {
		return store, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, store); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	store.ConfigDir = configDir
	return store, nil
}

// Save persists the rule store as indented JSON, creating ConfigDir if
// needed, matching GlobalConfig.Save's MkdirAll-then-write idiom.
func (s *RuleStoreFile) Save() error {
	if err := os.MkdirAll(s.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", s.ConfigDir, err)
	}
	s.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal rules: %w", err)
	}
	path := filepath.Join(s.ConfigDir, "rules.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ApplyTo loads every persisted rule into store.
func (s *RuleStoreFile) ApplyTo(store *policy.Store) {
	for _, r := range s.Rules {
		decision := policy.Allow
		if r.Decision == "BLOCK" {
			decision = policy.Block
		}
		if r.UID != nil {
			store.SetUIDRule(*r.UID, decision)
		}
		if r.Domain != nil {
			store.SetDomainRule(*r.Domain, decision)
		}
	}
}

// CaptureFrom snapshots store's current rules into s, ready for Save.
func (s *RuleStoreFile) CaptureFrom(store *policy.Store) {
	rules := store.ListRules()
	s.Rules = make([]RuleRecord, 0, len(rules))
	for _, r := range rules {
		rec := RuleRecord{UID: r.UID, Domain: r.Domain, Decision: r.Decision.String()}
		s.Rules = append(s.Rules, rec)
	}
}
