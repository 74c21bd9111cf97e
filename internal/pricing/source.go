package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// PrimarySource 支持一次请求批量查询多个符号的 USD 价格。
type PrimarySource interface {
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// SecondarySource 是按符号或地址逐个查询的行情来源。
type SecondarySource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	SearchTokens(ctx context.Context, query string) ([]TokenInfo, error)
	TokenByAddress(ctx context.Context, address string) (TokenInfo, error)
}

// TokenInfo 是代币的市场元数据。
type TokenInfo struct {
	Address      string          `json:"address"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Decimals     uint8           `json:"decimals,omitempty"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	ChainID      string          `json:"chain_id,omitempty"`
	Venue        string          `json:"venue,omitempty"`
	Source       Source          `json:"source"`
	Tier         Tier            `json:"tier,omitempty"`
}

// HTTPSourceConfig 描述 HTTP 行情来源。
type HTTPSourceConfig struct {
	BaseURL    string
	APIKey     string
	RPS        float64
	Burst      int
	Timeout    time.Duration
	HTTPClient *http.Client
}

type httpSource struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPSource(cfg HTTPSourceConfig, defaultBase string) httpSource {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return httpSource{base: base, apiKey: cfg.APIKey, client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (s httpSource) getJSON(ctx context.Context, path string, query url.Values, headerKey string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("行情请求限流等待失败: %w", err)
	}
	endpoint := s.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("构造行情请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" && headerKey != "" {
		req.Header.Set(headerKey, s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("调用行情接口失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("行情接口返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析行情响应失败: %w", err)
	}
	return nil
}

// CoinGecko 是 /simple/price 形式的批量行情来源。
type CoinGecko struct {
	httpSource
	refs *ReferenceTable
}

// NewCoinGecko 创建主行情来源，符号到 ID 的映射取自参考表。
func NewCoinGecko(cfg HTTPSourceConfig, refs *ReferenceTable) *CoinGecko {
	if refs == nil {
		refs = DefaultReferenceTable()
	}
	return &CoinGecko{httpSource: newHTTPSource(cfg, "https://api.coingecko.com/api/v3"), refs: refs}
}

// Prices 实现 PrimarySource，未知符号直接忽略。
func (c *CoinGecko) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(symbols))
	bySymbol := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		entry, ok := c.refs.Lookup(symbol)
		if !ok || entry.CoinGeckoID == "" {
			continue
		}
		ids = append(ids, entry.CoinGeckoID)
		bySymbol[strings.ToUpper(symbol)] = entry.CoinGeckoID
	}
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	sort.Strings(ids)

	var payload map[string]map[string]decimal.Decimal
	query := url.Values{"ids": {strings.Join(ids, ",")}, "vs_currencies": {"usd"}}
	if err := c.getJSON(ctx, "/simple/price", query, "x-cg-pro-api-key", &payload); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(bySymbol))
	for symbol, id := range bySymbol {
		if quote, ok := payload[id]; ok {
			if usd, ok := quote["usd"]; ok && usd.IsPositive() {
				out[symbol] = usd
			}
		}
	}
	return out, nil
}

// DexScreener 是按交易对搜索的二级行情来源，支持地址查询。
type DexScreener struct {
	httpSource
}

// NewDexScreener 创建二级行情来源。
func NewDexScreener(cfg HTTPSourceConfig) *DexScreener {
	return &DexScreener{httpSource: newHTTPSource(cfg, "https://api.dexscreener.com")}
}

type dexPair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD  decimal.NullDecimal `json:"priceUsd"`
	Liquidity struct {
		USD decimal.NullDecimal `json:"usd"`
	} `json:"liquidity"`
}

type dexResponse struct {
	Pairs []dexPair `json:"pairs"`
}

func (p dexPair) info() TokenInfo {
	return TokenInfo{
		Address:      p.BaseToken.Address,
		Symbol:       strings.ToUpper(p.BaseToken.Symbol),
		Name:         p.BaseToken.Name,
		PriceUSD:     p.PriceUSD.Decimal,
		LiquidityUSD: p.Liquidity.USD.Decimal,
		ChainID:      p.ChainID,
		Venue:        p.DexID,
		Source:       SourceSecondary,
	}
}

// deepest 选出满足条件且流动性最高的交易对。
func deepest(pairs []dexPair, match func(dexPair) bool) (TokenInfo, bool) {
	var (
		best  TokenInfo
		found bool
	)
	for _, p := range pairs {
		if !p.PriceUSD.Valid || !p.PriceUSD.Decimal.IsPositive() || !match(p) {
			continue
		}
		info := p.info()
		if !found || info.LiquidityUSD.GreaterThan(best.LiquidityUSD) {
			best, found = info, true
		}
	}
	return best, found
}

// Price 实现 SecondarySource。
func (d *DexScreener) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp dexResponse
	if err := d.getJSON(ctx, "/latest/dex/search", url.Values{"q": {symbol}}, "", &resp); err != nil {
		return decimal.Zero, err
	}
	info, ok := deepest(resp.Pairs, func(p dexPair) bool { return strings.EqualFold(p.BaseToken.Symbol, symbol) })
	if !ok {
		return decimal.Zero, fmt.Errorf("二级行情中找不到 %s", symbol)
	}
	return info.PriceUSD, nil
}

// TokenByAddress 实现 SecondarySource。
func (d *DexScreener) TokenByAddress(ctx context.Context, address string) (TokenInfo, error) {
	var resp dexResponse
	if err := d.getJSON(ctx, "/latest/dex/tokens/"+url.PathEscape(address), nil, "", &resp); err != nil {
		return TokenInfo{}, err
	}
	info, ok := deepest(resp.Pairs, func(p dexPair) bool { return strings.EqualFold(p.BaseToken.Address, address) })
	if !ok {
		return TokenInfo{}, ErrTokenNotFound
	}
	return info, nil
}

const maxSearchResults = 20

// SearchTokens 实现 SecondarySource，结果按地址去重并按流动性倒序。
func (d *DexScreener) SearchTokens(ctx context.Context, query string) ([]TokenInfo, error) {
	var resp dexResponse
	if err := d.getJSON(ctx, "/latest/dex/search", url.Values{"q": {query}}, "", &resp); err != nil {
		return nil, err
	}
	byAddress := make(map[string]TokenInfo)
	for _, p := range resp.Pairs {
		if !p.PriceUSD.Valid || p.BaseToken.Address == "" {
			continue
		}
		key := strings.ToLower(p.BaseToken.Address)
		info := p.info()
		if current, ok := byAddress[key]; !ok || info.LiquidityUSD.GreaterThan(current.LiquidityUSD) {
			byAddress[key] = info
		}
	}
	out := make([]TokenInfo, 0, len(byAddress))
	for _, info := range byAddress {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LiquidityUSD.Equal(out[j].LiquidityUSD) {
			return out[i].Address < out[j].Address
		}
		return out[i].LiquidityUSD.GreaterThan(out[j].LiquidityUSD)
	})
	if len(out) > maxSearchResults {
		out = out[:maxSearchResults]
	}
	return out, nil
}
