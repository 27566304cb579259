package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_TransporterYAML(t *testing.T) {
	cfg, err := LoadWithEnv("../../configs/transporter.yaml", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server != "alpha" || cfg.Listen != ":8470" || cfg.DefaultWorld != "world" {
		t.Fatalf("identity: %+v", cfg)
	}
	if cfg.ArrivalWindow() != 20*time.Second || cfg.GateLockExpiration() != 2*time.Second {
		t.Fatalf("durations: %s %s", cfg.ArrivalWindow(), cfg.GateLockExpiration())
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "beta" || !cfg.Peers[0].Compress {
		t.Fatalf("peers: %+v", cfg.Peers)
	}
	if cfg.Economy.Balances["alice"] != 25 || cfg.Economy.Currency != "coins" {
		t.Fatalf("economy: %+v", cfg.Economy)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv("", map[string]string{"TRP_SERVER": "solo"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ArrivalWindowMs != 20000 || cfg.GateLockExpirationMs != 2000 {
		t.Fatalf("durations: %d %d", cfg.ArrivalWindowMs, cfg.GateLockExpirationMs)
	}
	if !cfg.UseGatePermissions || cfg.Debug || cfg.Sandbox {
		t.Fatalf("flags: %+v", cfg)
	}
	if cfg.ChatFormat != "<%player%@%server%> %message%" {
		t.Fatalf("chat format: %q", cfg.ChatFormat)
	}
	if cfg.EnvlogSegmentBytes != 32<<20 {
		t.Fatalf("envlog segment bytes: %d", cfg.EnvlogSegmentBytes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := LoadWithEnv("../../configs/transporter.yaml", map[string]string{
		"TRP_SERVER":                  "gamma",
		"TRP_ARRIVAL_WINDOW_MS":       "5000",
		"TRP_DEBUG":                   "true",
		"TRP_USE_GATE_PERMISSIONS":    "false",
		"TRP_PEER_KEYS":               "beta:from-env",
		"TRP_GATE_LOCK_EXPIRATION_MS": "-1",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server != "gamma" || cfg.ArrivalWindowMs != 5000 || !cfg.Debug || cfg.UseGatePermissions {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Peers[0].Key != "from-env" {
		t.Fatalf("peer key: %q", cfg.Peers[0].Key)
	}
	if cfg.GateLockExpirationMs != 2000 {
		t.Fatalf("non-positive lock expiration must fall back, got %d", cfg.GateLockExpirationMs)
	}
	if !cfg.Sandbox {
		t.Fatalf("unset override must keep file value")
	}
}

func TestLoad_UnknownPeerKey(t *testing.T) {
	_, err := LoadWithEnv("../../configs/transporter.yaml", map[string]string{"TRP_PEER_KEYS": "zeta:x"})
	if err == nil || !strings.Contains(err.Error(), "unknown peer") {
		t.Fatalf("expected unknown peer error, got %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing server": "listen: \":1\"\n",
		"dotted server":  "server: a.b\n",
		"self peer":      "server: a\npeers:\n  - {name: a, key: k}\n",
		"duplicate peer": "server: a\npeers:\n  - {name: b, key: k}\n  - {name: b, key: k}\n",
		"missing key":    "server: a\npeers:\n  - {name: b}\n",
		"bad url":        "server: a\npeers:\n  - {name: b, key: k, url: \"http://x\"}\n",
		"negative funds": "server: a\neconomy:\n  balances: {alice: -1}\n",
	}
	dir := t.TempDir()
	for name, body := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LoadWithEnv(path, nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
