package config

import (
	"os"
	"path/filepath"
	"testing"

	"netgatewayd/internal/policy"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadDaemonConfigAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "gw.yaml", "tun:\n  device: tun0\n")

	c, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if c.Tun.MTU != 1500 {
		t.Fatalf("expected default MTU 1500, got %d", c.Tun.MTU)
	}
	if c.Stats.Listen == "" {
		t.Fatalf("expected default stats listen address")
	}
	if c.Control.SocketPath == "" {
		t.Fatalf("expected default control socket path")
	}
	if c.Identity.RPS == 0 || c.Identity.Burst == 0 {
		t.Fatalf("expected default identity rate limit")
	}
	if c.RulesDir == "" {
		t.Fatalf("expected default rules dir")
	}
}

func TestLoadDaemonConfigRejectsMissingDevice(t *testing.T) {
	path := writeTemp(t, "gw.yaml", "stats:\n  listen: 127.0.0.1:9191\n")

	if _, err := LoadDaemonConfig(path); err == nil {
		t.Fatalf("expected validation error for missing tun.device")
	}
}

func TestLoadDaemonConfigMissingFile(t *testing.T) {
	if _, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadRuleStoreMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadRuleStore(dir)
	if err != nil {
		t.Fatalf("LoadRuleStore: %v", err)
	}
	if len(store.Rules) != 0 {
		t.Fatalf("expected empty rule set, got %d", len(store.Rules))
	}
}

func TestRuleStoreSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	uid := uint32(1000)
	domain := "blocked.example"

	store := &RuleStoreFile{
		ConfigDir: dir,
		Rules: []RuleRecord{
			{UID: &uid, Decision: "BLOCK"},
			{Domain: &domain, Decision: "ALLOW"},
		},
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadRuleStore(dir)
	if err != nil {
		t.Fatalf("LoadRuleStore: %v", err)
	}
	if len(reloaded.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(reloaded.Rules))
	}
	if reloaded.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped on save")
	}
}

func TestApplyToAndCaptureFromRoundTrip(t *testing.T) {
	uid := uint32(42)
	domain := "ads.example"
	store := &RuleStoreFile{
		Rules: []RuleRecord{
			{UID: &uid, Decision: "BLOCK"},
			{Domain: &domain, Decision: "BLOCK"},
		},
	}

	ps := policy.New()
	store.ApplyTo(ps)

	if d := policy.Evaluate(ps, 0, &uid, nil); d != policy.Block {
		t.Fatalf("expected UID rule to block, got %v", d)
	}
	if d := policy.Evaluate(ps, 0, nil, &domain); d != policy.Block {
		t.Fatalf("expected domain rule to block, got %v", d)
	}

	var captured RuleStoreFile
	captured.CaptureFrom(ps)
	if len(captured.Rules) != 2 {
		t.Fatalf("expected 2 captured rules, got %d", len(captured.Rules))
	}
}
