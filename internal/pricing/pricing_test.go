package pricing

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func coingeckoServer(t *testing.T, calls *atomic.Int32, prices map[string]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		out := map[string]map[string]float64{}
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if p, ok := prices[id]; ok {
				out[id] = map[string]float64{"usd": p}
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const dexSearchBody = `{"pairs":[
 {"chainId":"ethereum","dexId":"uniswap","baseToken":{"address":"0x1111111111111111111111111111111111111111","name":"Wrapped Ether","symbol":"WETH"},"priceUsd":"2990.5","liquidity":{"usd":1000}},
 {"chainId":"ethereum","dexId":"curve","baseToken":{"address":"0x1111111111111111111111111111111111111111","name":"Wrapped Ether","symbol":"WETH"},"priceUsd":"3001.25","liquidity":{"usd":900000}},
 {"chainId":"ethereum","dexId":"sushiswap","baseToken":{"address":"0x2222222222222222222222222222222222222222","name":"Fake Ether","symbol":"WETH"},"priceUsd":"1.0","liquidity":{"usd":5}}
]}`

func dexServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/latest/dex/search":
			_, _ = w.Write([]byte(dexSearchBody))
		case strings.HasPrefix(r.URL.Path, "/latest/dex/tokens/"):
			_, _ = w.Write([]byte(dexSearchBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolvePairBatchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := coingeckoServer(t, &calls, map[string]float64{"weth": 3000, "usd-coin": 1})
	clk := newClock()
	refs := DefaultReferenceTable()
	r := NewResolver(Config{}, NewCoinGecko(HTTPSourceConfig{BaseURL: srv.URL}, refs), nil, refs, WithResolverClock(clk.now))

	in, out, err := r.ResolvePair(context.Background(), "weth", "USDC")
	if err != nil {
		t.Fatalf("resolve pair: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one batched request, got %d", calls.Load())
	}
	if in.Tier != TierFreshPrimary || out.Tier != TierFreshPrimary || !in.PriceUSD.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("unexpected quotes %+v %+v", in, out)
	}

	clk.advance(30 * time.Second)
	in, _, _ = r.ResolvePair(context.Background(), "WETH", "USDC")
	if calls.Load() != 1 || in.Tier != TierStale || in.Reliability != 0.5 {
		t.Fatalf("expected stale cache hit, calls=%d tier=%s", calls.Load(), in.Tier)
	}

	clk.advance(31 * time.Second)
	in, _, _ = r.ResolvePair(context.Background(), "WETH", "USDC")
	if calls.Load() != 2 || in.Tier != TierFreshPrimary {
		t.Fatalf("expected refetch after ttl, calls=%d tier=%s", calls.Load(), in.Tier)
	}
}

func TestSecondaryFallbackPerLeg(t *testing.T) {
	refs := DefaultReferenceTable()
	r := NewResolver(Config{},
		NewCoinGecko(HTTPSourceConfig{BaseURL: failingServer(t).URL}, refs),
		NewDexScreener(HTTPSourceConfig{BaseURL: dexServer(t).URL}),
		refs)

	q, err := r.Resolve(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if q.Tier != TierFreshSecondary || !q.PriceUSD.Equal(decimal.RequireFromString("3001.25")) {
		t.Fatalf("expected deepest secondary pair, got %+v", q)
	}
}

func TestSanityBoundUsesReference(t *testing.T) {
	var calls atomic.Int32
	srv := coingeckoServer(t, &calls, map[string]float64{"weth": 3000 * 25})
	refs := DefaultReferenceTable()
	r := NewResolver(Config{}, NewCoinGecko(HTTPSourceConfig{BaseURL: srv.URL}, refs), nil, refs)

	q, err := r.Resolve(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !q.ReferenceDerived || q.Tier != TierReferenceFallback || q.Source != SourceReference {
		t.Fatalf("expected reference-derived quote, got %+v", q)
	}
	if !q.PriceUSD.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected reference price, got %s", q.PriceUSD)
	}
}

func TestSanityBoundTriesSecondaryBeforeReference(t *testing.T) {
	var calls atomic.Int32
	srv := coingeckoServer(t, &calls, map[string]float64{"weth": 3000 * 25})
	refs := DefaultReferenceTable()
	r := NewResolver(Config{},
		NewCoinGecko(HTTPSourceConfig{BaseURL: srv.URL}, refs),
		NewDexScreener(HTTPSourceConfig{BaseURL: dexServer(t).URL}),
		refs)

	q, err := r.Resolve(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if q.ReferenceDerived || q.Source != SourceSecondary || !q.PriceUSD.Equal(decimal.RequireFromString("3001.25")) {
		t.Fatalf("expected secondary price after primary failed the bound, got %+v", q)
	}
}

func TestOutageDegradesToReference(t *testing.T) {
	refs := DefaultReferenceTable()
	r := NewResolver(Config{Timeout: 200 * time.Millisecond},
		NewCoinGecko(HTTPSourceConfig{BaseURL: failingServer(t).URL}, refs),
		NewDexScreener(HTTPSourceConfig{BaseURL: failingServer(t).URL}),
		refs)

	q, err := r.Resolve(context.Background(), "usdc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if q.Tier != TierReferenceFallback || q.Reliability != 0.25 {
		t.Fatalf("unexpected quote %+v", q)
	}
	if _, err := r.Resolve(context.Background(), "NOPE"); !stdErrors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected price unavailable for unknown token, got %v", err)
	}
}

type fakeChain struct{ calls int }

func (f *fakeChain) ReadToken(context.Context, string) (string, string, uint8, error) {
	f.calls++
	return "Wrapped Ether", "weth", 18, nil
}

func TestTokenMetadataFillsDecimalsFromChain(t *testing.T) {
	chain := &fakeChain{}
	r := NewResolver(Config{}, nil, NewDexScreener(HTTPSourceConfig{BaseURL: dexServer(t).URL}), nil, WithMetadataReader(chain))

	info, err := r.TokenMetadata(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if info.Decimals != 18 || chain.calls != 1 || info.Symbol != "WETH" {
		t.Fatalf("unexpected metadata %+v (chain calls %d)", info, chain.calls)
	}
	if !info.LiquidityUSD.Equal(decimal.NewFromInt(900000)) {
		t.Fatalf("expected highest liquidity match, got %s", info.LiquidityUSD)
	}
	if _, err := r.TokenMetadata(context.Background(), "not-an-address"); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestSearchTokens(t *testing.T) {
	r := NewResolver(Config{}, nil, NewDexScreener(HTTPSourceConfig{BaseURL: dexServer(t).URL}), nil)
	results := r.SearchTokens(context.Background(), "weth")
	if len(results) != 2 || results[0].Address != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("unexpected search results %+v", results)
	}

	offline := NewResolver(Config{}, nil, NewDexScreener(HTTPSourceConfig{BaseURL: failingServer(t).URL}), nil)
	fallback := offline.SearchTokens(context.Background(), "usd")
	if len(fallback) < 2 || fallback[0].Tier != TierReferenceFallback {
		t.Fatalf("expected reference fallback results, got %+v", fallback)
	}
}

func TestCacheSweepKeepsRecentExpired(t *testing.T) {
	clk := newClock()
	c := NewCache(time.Minute, 20*time.Second, WithCacheClock(clk.now))
	c.Put(context.Background(), Entry{Token: "eth", PriceUSD: decimal.NewFromInt(1), Source: SourcePrimary})

	clk.advance(90 * time.Second)
	if _, f := c.Get("ETH"); f != Expired {
		t.Fatalf("expected expired, got %v", f)
	}
	if removed := c.Sweep(); removed != 0 {
		t.Fatalf("entry under two ttl must be kept, removed %d", removed)
	}
	clk.advance(time.Minute)
	if removed := c.Sweep(); removed != 1 || c.Len() != 0 {
		t.Fatalf("expected eviction, removed %d", removed)
	}
}

func TestLoadReferenceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	content := "tokens:\n  - symbol: pepe\n    name: Pepe\n    coingecko_id: pepe\n    decimals: 18\n    price_usd: \"0.00001\"\n  - symbol: eth\n    price_usd: \"2500\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := LoadReferenceTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e, ok := table.Lookup("PEPE"); !ok || e.CoinGeckoID != "pepe" {
		t.Fatalf("expected pepe entry, got %+v", e)
	}
	if e, _ := table.Lookup("ETH"); !e.PriceUSD.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("file entry must override default, got %s", e.PriceUSD)
	}
	if !table.Known("USDC") {
		t.Fatalf("defaults must remain")
	}
}

func TestWithinBounds(t *testing.T) {
	ref := decimal.NewFromInt(100)
	cases := []struct {
		price string
		want  bool
	}{
		{"2000", true}, {"2000.01", false}, {"5", true}, {"4.99", false}, {"0", false},
	}
	for _, tc := range cases {
		if got := WithinBounds(decimal.RequireFromString(tc.price), ref, 20); got != tc.want {
			t.Fatalf("price %s: want %v, got %v", tc.price, tc.want, got)
		}
	}
}
