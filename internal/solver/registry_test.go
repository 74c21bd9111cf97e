package solver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuiltinProfiles(t *testing.T) {
	r := NewRegistry()
	want := []string{"alpha", "beta", "gamma", "delta", "omega"}
	if diff := cmp.Diff(want, r.Names()); diff != "" {
		t.Fatalf("unexpected names (-want +got):\n%s", diff)
	}
	p, ok := r.Lookup(" Alpha ")
	if !ok || p.Name != "alpha" {
		t.Fatalf("expected alpha profile, got %+v", p)
	}
}

func TestLookupUnknownUsesDefault(t *testing.T) {
	r := NewRegistry()
	p, ok := r.Lookup("zeta")
	if ok {
		t.Fatalf("zeta should not be known")
	}
	if p.Name != "zeta" || p.ConfidenceBase != DefaultProfile.ConfidenceBase {
		t.Fatalf("unexpected fallback %+v", p)
	}
}

func TestLoadRegistryOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solvers.yaml")
	content := `default:
  edge_mean_bps: -30
  edge_stddev_bps: 5
  gas_baseline_usd: 9
  confidence_base: 0.3
profiles:
  - name: alpha
    edge_mean_bps: 0
    edge_stddev_bps: 1
    gas_baseline_usd: 1
    confidence_base: 0.99
    route: [maker]
  - name: sigma
    edge_mean_bps: 2
    edge_stddev_bps: 3
    gas_baseline_usd: 4
    confidence_base: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	alpha, _ := r.Lookup("alpha")
	if diff := cmp.Diff([]string{"maker"}, alpha.Route); diff != "" || alpha.ConfidenceBase != 0.99 {
		t.Fatalf("alpha not overridden: %+v", alpha)
	}
	if _, ok := r.Lookup("sigma"); !ok {
		t.Fatalf("sigma should be registered")
	}
	if fb, _ := r.Lookup("nobody"); fb.GasBaselineUSD != 9 {
		t.Fatalf("custom default not applied: %+v", fb)
	}
	if len(r.Names()) != 6 {
		t.Fatalf("expected 6 names, got %v", r.Names())
	}
}

func TestLoadRegistryRejectsBadConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solvers.yaml")
	_ = os.WriteFile(path, []byte("profiles:\n  - name: bad\n    confidence_base: 2\n"), 0o644)
	if _, err := LoadRegistry(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
