package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchSpecOptionsTable(t *testing.T) {
	d := Defaults()
	if d.ChainID != 18780 {
		t.Fatalf("expected default chainId 18780, got %d", d.ChainID)
	}
	if d.FinalityDepth != 3 || d.MaxTxPerBlock != 50 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if d.SignatureEnforcement != "enforce" || d.P2PInboundAuthMode != "enforce" {
		t.Fatalf("expected enforce-by-default auth modes, got %+v", d)
	}
}

func TestDurationHelpersConvertMillisFields(t *testing.T) {
	c := Config{BlockIntervalMs: 3000, SyncIntervalMs: 5000, AgentIntervalMs: 60000}
	if c.BlockInterval() != 3*time.Second {
		t.Fatalf("expected 3s, got %s", c.BlockInterval())
	}
	if c.SyncInterval() != 5*time.Second {
		t.Fatalf("expected 5s, got %s", c.SyncInterval())
	}
	if c.AgentInterval() != time.Minute {
		t.Fatalf("expected 1m, got %s", c.AgentInterval())
	}
}

func TestLoadMergesYAMLOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := "chain_id: 999\nmax_peers: 7\n"
	if err := os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChainID != 999 {
		t.Fatalf("expected the yaml override to win, got chainId=%d", cfg.ChainID)
	}
	if cfg.MaxPeers != 7 {
		t.Fatalf("expected the yaml override to win, got maxPeers=%d", cfg.MaxPeers)
	}
	if cfg.FinalityDepth != 3 {
		t.Fatalf("expected fields absent from the override to keep their default, got finalityDepth=%d", cfg.FinalityDepth)
	}
}

func TestLoadToleratesMissingConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("expected a missing config file to fall back to defaults, got %v", err)
	}
	if cfg.ChainID != Defaults().ChainID {
		t.Fatal("expected defaults when no config file is present")
	}
}
