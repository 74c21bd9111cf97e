package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultSanityFactor 是实时价格相对参考价格允许偏离的倍数。
const DefaultSanityFactor = 20

// ReferenceEntry 描述一个已知代币的参考数据。
type ReferenceEntry struct {
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	CoinGeckoID string          `json:"coingecko_id"`
	Address     string          `json:"address,omitempty"`
	Decimals    uint8           `json:"decimals"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
}

// ReferenceTable 保存已知代币的参考价格，用于合理性校验与兜底。
type ReferenceTable struct {
	mu      sync.RWMutex
	entries map[string]ReferenceEntry
}

type referenceFile struct {
	Tokens []referenceYAML `yaml:"tokens"`
}

type referenceYAML struct {
	Symbol      string `yaml:"symbol"`
	Name        string `yaml:"name"`
	CoinGeckoID string `yaml:"coingecko_id"`
	Address     string `yaml:"address"`
	Decimals    uint8  `yaml:"decimals"`
	PriceUSD    string `yaml:"price_usd"`
}

// DefaultReferenceTable 返回内置的主流代币参考表。
func DefaultReferenceTable() *ReferenceTable {
	t := &ReferenceTable{entries: make(map[string]ReferenceEntry)}
	for _, e := range []ReferenceEntry{
		{Symbol: "ETH", Name: "Ether", CoinGeckoID: "ethereum", Decimals: 18, PriceUSD: decimal.NewFromInt(3000)},
		{Symbol: "WETH", Name: "Wrapped Ether", CoinGeckoID: "weth", Decimals: 18, PriceUSD: decimal.NewFromInt(3000),
			Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"},
		{Symbol: "WBTC", Name: "Wrapped Bitcoin", CoinGeckoID: "wrapped-bitcoin", Decimals: 8, PriceUSD: decimal.NewFromInt(60000),
			Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"},
		{Symbol: "USDC", Name: "USD Coin", CoinGeckoID: "usd-coin", Decimals: 6, PriceUSD: decimal.NewFromInt(1),
			Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{Symbol: "USDT", Name: "Tether USD", CoinGeckoID: "tether", Decimals: 6, PriceUSD: decimal.NewFromInt(1),
			Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
		{Symbol: "DAI", Name: "Dai Stablecoin", CoinGeckoID: "dai", Decimals: 18, PriceUSD: decimal.NewFromInt(1),
			Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F"},
		{Symbol: "LINK", Name: "Chainlink", CoinGeckoID: "chainlink", Decimals: 18, PriceUSD: decimal.NewFromInt(15)},
		{Symbol: "UNI", Name: "Uniswap", CoinGeckoID: "uniswap", Decimals: 18, PriceUSD: decimal.NewFromInt(8)},
		{Symbol: "ARB", Name: "Arbitrum", CoinGeckoID: "arbitrum", Decimals: 18, PriceUSD: decimal.RequireFromString("0.8")},
		{Symbol: "OP", Name: "Optimism", CoinGeckoID: "optimism", Decimals: 18, PriceUSD: decimal.RequireFromString("1.8")},
		{Symbol: "MATIC", Name: "Polygon", CoinGeckoID: "matic-network", Decimals: 18, PriceUSD: decimal.RequireFromString("0.6")},
	} {
		t.entries[e.Symbol] = e
	}
	return t
}

// LoadReferenceTable 从 YAML 文件读取参考表，文件中的条目覆盖内置默认值。
func LoadReferenceTable(path string) (*ReferenceTable, error) {
	t := DefaultReferenceTable()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取参考价格文件失败: %w", err)
	}
	var file referenceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析参考价格文件失败: %w", err)
	}
	for _, raw := range file.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("参考价格文件存在缺少 symbol 的条目")
		}
		price, err := decimal.NewFromString(strings.TrimSpace(raw.PriceUSD))
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("代币 %s 的参考价格无效: %q", symbol, raw.PriceUSD)
		}
		t.entries[symbol] = ReferenceEntry{
			Symbol:      symbol,
			Name:        raw.Name,
			CoinGeckoID: raw.CoinGeckoID,
			Address:     raw.Address,
			Decimals:    raw.Decimals,
			PriceUSD:    price,
		}
	}
	return t, nil
}

// Lookup 按符号或地址查找参考条目。
func (t *ReferenceTable) Lookup(token string) (ReferenceEntry, bool) {
	if t == nil {
		return ReferenceEntry{}, false
	}
	key := strings.ToUpper(strings.TrimSpace(token))
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[key]; ok {
		return e, true
	}
	for _, e := range t.entries {
		if e.Address != "" && strings.EqualFold(e.Address, token) {
			return e, true
		}
	}
	return ReferenceEntry{}, false
}

// Symbols 返回参考表中的全部符号。
func (t *ReferenceTable) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for s := range t.entries {
		out = append(out, s)
	}
	return out
}

// Known 判断符号是否为已知代币。
func (t *ReferenceTable) Known(symbol string) bool {
	_, ok := t.Lookup(symbol)
	return ok
}

// WithinBounds 判断实时价格是否处于参考价格的 [ref/factor, ref*factor] 区间内。
func WithinBounds(price, reference decimal.Decimal, factor int64) bool {
	if !price.IsPositive() {
		return false
	}
	if !reference.IsPositive() {
		return true
	}
	f := decimal.NewFromInt(factor)
	if price.GreaterThan(reference.Mul(f)) {
		return false
	}
	return !price.Mul(f).LessThan(reference)
}
