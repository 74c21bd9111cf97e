package competition

import (
	"context"
	stdErrors "errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	"IntentArena/internal/pricing"
	"IntentArena/internal/solver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResolver struct {
	in, out pricing.Quote
	err     error
	calls   atomic.Int32
}

func (f *fakeResolver) ResolvePair(context.Context, string, string) (pricing.Quote, pricing.Quote, error) {
	f.calls.Add(1)
	if f.err != nil {
		return pricing.Quote{}, pricing.Quote{}, f.err
	}
	return f.in, f.out, nil
}

func quote(token string, price string, tier pricing.Tier) pricing.Quote {
	source := pricing.SourcePrimary
	if tier == pricing.TierReferenceFallback {
		source = pricing.SourceReference
	}
	return pricing.Quote{
		Token:            token,
		PriceUSD:         decimal.RequireFromString(price),
		Source:           source,
		Tier:             tier,
		Reliability:      tier.Weight(),
		ReferenceDerived: tier == pricing.TierReferenceFallback,
	}
}

func liveResolver() *fakeResolver {
	return &fakeResolver{
		in:  quote("USDC", "1", pricing.TierFreshPrimary),
		out: quote("WETH", "3000", pricing.TierFreshPrimary),
	}
}

func sampleIntent() Intent {
	return Intent{
		TokenIn:        "USDC",
		TokenOut:       "WETH",
		AmountIn:       decimal.NewFromInt(3000),
		MinAmountOut:   decimal.RequireFromString("0.9"),
		MaxSlippageBps: 100,
		MaxGasCostUSD:  decimal.NewFromInt(20),
	}
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestEngine(res PriceResolver) (*Engine, *testClock) {
	clk := &testClock{t: time.Unix(1_700_000_010, 0)}
	return NewEngine(res, solver.NewRegistry(), WithClock(clk.now)), clk
}

func TestDeviateDeterministicAndBounded(t *testing.T) {
	var seed [32]byte
	seed[3] = 7
	if Deviate(seed, 0) != Deviate(seed, 0) {
		t.Fatalf("deviate must be deterministic")
	}
	if Deviate(seed, 0) == Deviate(seed, 1) {
		t.Fatalf("different indexes should produce different draws")
	}

	const n = 20000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		seed[0], seed[1] = byte(i), byte(i>>8)
		z := Deviate(seed, i)
		if math.Abs(z) > MaxDeviation {
			t.Fatalf("draw %f exceeds bound", z)
		}
		sum += z
		sumSq += z * z
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if math.Abs(mean) > 0.1 {
		t.Fatalf("mean drifted: %f", mean)
	}
	if variance < 0.85 || variance > 1.1 {
		t.Fatalf("variance out of range: %f", variance)
	}
}

func TestProposeReproducibleWithinBucket(t *testing.T) {
	engine, clk := newTestEngine(liveResolver())
	ctx := context.Background()

	first, err := engine.Propose(ctx, sampleIntent(), "alpha")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	clk.t = clk.t.Add(29 * time.Second)
	second, err := engine.Propose(ctx, sampleIntent(), "alpha")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if first.Fingerprint != second.Fingerprint || !first.ExpectedOutput.Equal(second.ExpectedOutput) {
		t.Fatalf("same bucket should reproduce proposal: %s vs %s", first.Fingerprint, second.Fingerprint)
	}

	clk.t = clk.t.Add(time.Second)
	third, err := engine.Propose(ctx, sampleIntent(), "alpha")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if third.Bucket == first.Bucket || third.Fingerprint == first.Fingerprint {
		t.Fatalf("next bucket should change the fingerprint")
	}
}

func TestProposeComputesChecks(t *testing.T) {
	engine, _ := newTestEngine(liveResolver())
	p, err := engine.Propose(context.Background(), sampleIntent(), "alpha")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !p.FairOutput.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fair output should be 1 WETH, got %s", p.FairOutput)
	}
	if !p.Valid || !p.Checks.Passed() {
		t.Fatalf("alpha should pass every check: %+v (%s)", p.Checks, p.Rationale)
	}
	if p.Score <= 0 || p.Score >= 1 {
		t.Fatalf("score out of range: %f", p.Score)
	}
	if p.PriceSource.Tier != pricing.TierFreshPrimary || p.PriceSource.ReferenceDerived {
		t.Fatalf("unexpected price source %+v", p.PriceSource)
	}
	if len(p.Fingerprint) != 66 {
		t.Fatalf("fingerprint should be a 32 byte hex hash, got %q", p.Fingerprint)
	}

	strict := sampleIntent()
	strict.MinAmountOut = decimal.NewFromInt(2)
	strict.MaxGasCostUSD = decimal.RequireFromString("0.5")
	p, err = engine.Propose(context.Background(), strict, "alpha")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Valid || p.Checks.MinOutput || p.Checks.Cost {
		t.Fatalf("expected min output and cost failures: %+v", p.Checks)
	}
	if got := p.Checks.Failed(); len(got) != 2 || got[0] != ConstraintMinOutput || got[1] != ConstraintCost {
		t.Fatalf("unexpected failed constraints %v", got)
	}
}

func TestReferencePricesFailReliability(t *testing.T) {
	res := liveResolver()
	res.out = quote("WETH", "3000", pricing.TierReferenceFallback)
	engine, _ := newTestEngine(res)

	p, err := engine.Propose(context.Background(), sampleIntent(), "alpha")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Checks.Reliability || p.Valid {
		t.Fatalf("reference pricing should fail reliability: %+v", p.Checks)
	}
	if !p.PriceSource.ReferenceDerived || p.PriceSource.Tier != pricing.TierReferenceFallback {
		t.Fatalf("price source should be reference derived: %+v", p.PriceSource)
	}
	if p.PriceSource.Reliability != 0.25 {
		t.Fatalf("reliability should be the weaker leg, got %f", p.PriceSource.Reliability)
	}
}

func TestRunPreservesOrder(t *testing.T) {
	res := liveResolver()
	engine, _ := newTestEngine(res)
	names := []string{"gamma", "alpha", "Zeta", "omega"}

	proposals, err := engine.Run(context.Background(), sampleIntent(), names)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"gamma", "alpha", "zeta", "omega"}
	for i, p := range proposals {
		if p.Solver != want[i] {
			t.Fatalf("proposal %d: want %s got %s", i, want[i], p.Solver)
		}
	}
	if proposals[2].KnownSolver {
		t.Fatalf("zeta should use the default profile")
	}
	if proposals[0].Bucket != proposals[3].Bucket {
		t.Fatalf("all proposals of a run share one bucket")
	}
	if calls := res.calls.Load(); calls < 1 || calls > int32(len(names)) {
		t.Fatalf("unexpected resolver calls %d", calls)
	}
}

func TestRunErrors(t *testing.T) {
	engine, _ := newTestEngine(liveResolver())
	if _, err := engine.Run(context.Background(), sampleIntent(), nil); !stdErrors.Is(err, ErrNoSolvers) {
		t.Fatalf("expected ErrNoSolvers, got %v", err)
	}

	broken := &fakeResolver{err: pricing.ErrPriceUnavailable}
	engine, _ = newTestEngine(broken)
	_, err := engine.Run(context.Background(), sampleIntent(), []string{"alpha", "beta"})
	if !stdErrors.Is(err, ErrProposalFailed) || !stdErrors.Is(err, pricing.ErrPriceUnavailable) {
		t.Fatalf("expected wrapped price failure, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"zero amount", func(i *Intent) { i.AmountIn = decimal.Zero }},
		{"negative min", func(i *Intent) { i.MinAmountOut = decimal.NewFromInt(-1) }},
		{"zero gas budget", func(i *Intent) { i.MaxGasCostUSD = decimal.Zero }},
		{"slippage", func(i *Intent) { i.MaxSlippageBps = 10_001 }},
		{"bad symbol", func(i *Intent) { i.TokenIn = "US DC" }},
		{"short address", func(i *Intent) { i.TokenOut = "0x1234" }},
		{"same token", func(i *Intent) { i.TokenOut = "usdc" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := sampleIntent()
			tc.mutate(&intent)
			if err := intent.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	ok := sampleIntent()
	ok.TokenOut = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	if err := ok.Validate(); err != nil {
		t.Fatalf("address token should be accepted: %v", err)
	}
}

func TestRankScoreOrdering(t *testing.T) {
	fair := decimal.NewFromInt(100)
	maxCost := decimal.NewFromInt(10)
	cost := decimal.NewFromInt(5)

	low := RankScore(decimal.NewFromInt(99), fair, cost, maxCost, 0.8)
	high := RankScore(decimal.NewFromInt(101), fair, cost, maxCost, 0.8)
	if !(high > low) {
		t.Fatalf("better output should rank higher: %f vs %f", high, low)
	}
	cheap := RankScore(decimal.NewFromInt(101), fair, decimal.NewFromInt(1), maxCost, 0.8)
	if !(cheap > high) {
		t.Fatalf("cheaper proposal should rank higher")
	}
	a := RankScore(decimal.NewFromInt(150), fair, cost, maxCost, 0.8)
	b := RankScore(decimal.NewFromInt(160), fair, cost, maxCost, 0.8)
	if !(b > a) {
		t.Fatalf("scores must not saturate: %f vs %f", a, b)
	}
}

func TestImpliedSlippage(t *testing.T) {
	fair := decimal.NewFromInt(100)
	if got := impliedSlippageBps(decimal.NewFromInt(99), fair); got != 100 {
		t.Fatalf("expected 100 bps, got %d", got)
	}
	if got := impliedSlippageBps(decimal.RequireFromString("99.999"), fair); got != 1 {
		t.Fatalf("partial basis points round up, got %d", got)
	}
	if got := impliedSlippageBps(decimal.NewFromInt(105), fair); got != 0 {
		t.Fatalf("surplus has no slippage, got %d", got)
	}
}

func TestFingerprintCanonical(t *testing.T) {
	base := FingerprintInput{
		Solver:         "Alpha",
		TokenIn:        "usdc",
		TokenOut:       "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		AmountIn:       decimal.NewFromInt(3000),
		ExpectedOutput: decimal.RequireFromString("0.999"),
		ExpectedCost:   decimal.RequireFromString("4.5"),
		Bucket:         42,
	}
	a, err := Fingerprint(base)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	same := base
	same.Solver, same.TokenIn = "alpha", "USDC"
	same.TokenOut = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	b, _ := Fingerprint(same)
	if a != b {
		t.Fatalf("canonical inputs should hash identically")
	}
	changed := base
	changed.ExpectedOutput = decimal.RequireFromString("0.998")
	c, _ := Fingerprint(changed)
	if a == c {
		t.Fatalf("different terms must hash differently")
	}
}

func TestMemoryHistoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "competitions.jsonl")
	h, err := NewMemoryHistory(2, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := h.Append(ctx, Record{RunID: id, Winner: "alpha"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recent, _ := h.Recent(ctx, 10)
	if len(recent) != 2 || recent[0].RunID != "r3" || recent[1].RunID != "r2" {
		t.Fatalf("unexpected recent records %+v", recent)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewMemoryHistory(10, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	recent, _ = reopened.Recent(ctx, 0)
	if len(recent) != 3 || recent[2].RunID != "r1" {
		t.Fatalf("history should reload from file, got %+v", recent)
	}
}
