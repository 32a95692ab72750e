package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paywatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxReconnects != 3 || cfg.Engine.ReconnectDelay != 3*time.Second {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Solana.FinalizedDepth != 32 || cfg.XRPL.Endpoint == "" {
		t.Errorf("chain defaults = %+v / %+v", cfg.Solana.Config, cfg.XRPL.Config)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
  max_conns: 5
xrpl:
  enabled: true
  endpoint: wss://s.altnet.rippletest.net:51233
solana:
  enabled: false
engine:
  reconnect_delay: 500ms
  poll_interval: 1m
  check_interval: 10s
rates:
  XRP/USD: "0.52"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.MaxConns != 5 || cfg.Database.Port != 5432 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.XRPL.Endpoint != "wss://s.altnet.rippletest.net:51233" || cfg.XRPL.AccountTxLimit != 20 {
		t.Errorf("xrpl = %+v", cfg.XRPL)
	}
	if cfg.Solana.Enabled {
		t.Error("solana should be disabled")
	}
	if cfg.Rates["XRP/USD"] != "0.52" {
		t.Errorf("rates = %v", cfg.Rates)
	}

	rc := cfg.Reconcile()
	if rc.Session.ReconnectDelay != 500*time.Millisecond || rc.Session.MaxReconnects != 3 {
		t.Errorf("session = %+v", rc.Session)
	}
	if rc.Poller.Interval != time.Minute || rc.CheckInterval != 10*time.Second {
		t.Errorf("poller = %+v, check = %v", rc.Poller, rc.CheckInterval)
	}
	if rc.Session.EventBuffer <= 0 {
		t.Error("event buffer not carried over")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"no chains":    "xrpl: {enabled: false}\nsolana: {enabled: false}\n",
		"bad yaml":     "engine: [",
		"zero minimum": "engine: {default_min_confirmations: 0}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
