package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "intentarena.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"solvers": {"profiles_file": "solvers.yaml"}, "pricing": {"ttl": "90s", "timeout": 2}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Pricing.TTL.Duration != 90*time.Second || cfg.Pricing.Timeout.Duration != 2*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg.Pricing)
	}
	if cfg.Pricing.StaleAfter.Duration != 20*time.Second || cfg.Pricing.SanityFactor != 20 {
		t.Fatalf("pricing defaults missing: %+v", cfg.Pricing)
	}
	if cfg.Solvers.ProfilesFile != filepath.Join(dir, "solvers.yaml") {
		t.Fatalf("relative path not resolved: %q", cfg.Solvers.ProfilesFile)
	}
	if !cfg.Admission.Enabled || cfg.Admission.Limit != 10 || cfg.Admission.Window.Duration != time.Minute {
		t.Fatalf("admission defaults missing: %+v", cfg.Admission)
	}
	if cfg.Competition.Bucket.Duration != 30*time.Second || cfg.Risk.Timeout.Duration != 8*time.Second {
		t.Fatalf("competition or risk defaults missing")
	}
	if cfg.Ledger.MaxFeeBps != 100 || cfg.Ledger.Store != "memory" {
		t.Fatalf("ledger defaults missing: %+v", cfg.Ledger)
	}
	if cfg.NeedsMySQL() || cfg.NeedsRedis() || cfg.Web3.Enabled() {
		t.Fatalf("default config should not need external services")
	}
}

func TestLoadRejectsInvalidBackends(t *testing.T) {
	path := writeConfig(t, `{
		"settlement": {"queue": "kafka", "store": "mysql"},
		"admission": {"backend": "redis"},
		"ledger": {"fee_bps": 500, "owner": "nobody"}
	}`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"settlement.queue", "storage.mysql.dsn", "redis.address", "ledger.fee_bps", "ledger.owner"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q should mention %s", msg, want)
		}
	}
}

func TestLoadDefaultIsValid(t *testing.T) {
	cfg := LoadDefault()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Settlement.Workers != 4 || cfg.Settlement.MaxRetries != 3 {
		t.Fatalf("settlement defaults missing: %+v", cfg.Settlement)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"soon"`)); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Fatalf("expected type error")
	}
}

func TestShippedConfigsSeparateDevSettings(t *testing.T) {
	prod, err := Load(filepath.Join("..", "..", "configs", "intentarena.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if !prod.Server.RequireSignatures || prod.Server.EnableFaucet {
		t.Fatalf("shipped config must require signatures and disable the faucet: %+v", prod.Server)
	}
	dev, err := Load(filepath.Join("..", "..", "configs", "intentarena.dev.json"))
	if err != nil {
		t.Fatalf("load dev config: %v", err)
	}
	if dev.Server.RequireSignatures || !dev.Server.EnableFaucet {
		t.Fatalf("dev config should stay permissive: %+v", dev.Server)
	}
}
