package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "IntentArena/internal/errors"
	"IntentArena/pkg/logger"
)

// DefaultLookupTimeout 是单次外部行情查询的超时时间。
const DefaultLookupTimeout = 4 * time.Second

// MetadataReader 从链上读取 ERC-20 元数据。
type MetadataReader interface {
	ReadToken(ctx context.Context, address string) (name, symbol string, decimals uint8, err error)
}

// Config 控制解析器的缓存与超时参数。
type Config struct {
	TTL          time.Duration
	StaleAfter   time.Duration
	AddressTTL   time.Duration
	Timeout      time.Duration
	SanityFactor int64
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.AddressTTL <= 0 {
		c.AddressTTL = DefaultAddressTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultLookupTimeout
	}
	if c.SanityFactor <= 1 {
		c.SanityFactor = DefaultSanityFactor
	}
}

// ResolverOption 自定义解析器。
type ResolverOption func(*Resolver)

// WithCache 使用外部构造的缓存（例如带 Redis 镜像）。
func WithCache(c *Cache) ResolverOption {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithMetadataReader 注入链上元数据读取器。
func WithMetadataReader(m MetadataReader) ResolverOption {
	return func(r *Resolver) { r.metadata = m }
}

// WithResolverClock 替换时间来源。
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTierObserver 在每次解析后回调分级，用于指标统计。
func WithTierObserver(fn func(Tier)) ResolverOption {
	return func(r *Resolver) { r.observe = fn }
}

// Resolver 把代币符号或地址解析为 USD 价格，外部故障时降级而不是报错。
type Resolver struct {
	cfg       Config
	primary   PrimarySource
	secondary SecondarySource
	refs      *ReferenceTable
	cache     *Cache
	addresses *addressCache
	metadata  MetadataReader
	now       func() time.Time
	observe   func(Tier)
	log       *slog.Logger
}

// NewResolver 创建解析器。primary 与 secondary 均可为空。
func NewResolver(cfg Config, primary PrimarySource, secondary SecondarySource, refs *ReferenceTable, opts ...ResolverOption) *Resolver {
	cfg.applyDefaults()
	if refs == nil {
		refs = DefaultReferenceTable()
	}
	r := &Resolver{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		refs:      refs,
		now:       time.Now,
		log:       logger.Named("pricing"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(cfg.TTL, cfg.StaleAfter, WithCacheClock(r.now))
	}
	r.addresses = &addressCache{ttl: cfg.AddressTTL, staleAfter: min(cfg.StaleAfter, cfg.AddressTTL), entries: make(map[string]addressEntry)}
	return r
}

// References 返回参考价格表。
func (r *Resolver) References() *ReferenceTable {
	return r.refs
}

// Resolve 解析单个代币。
func (r *Resolver) Resolve(ctx context.Context, token string) (Quote, error) {
	quotes, err := r.resolveMany(ctx, []string{token})
	if err != nil {
		return Quote{}, err
	}
	return quotes[0], nil
}

// ResolvePair 解析交易对两侧价格，符号会合并为一次主来源请求。
func (r *Resolver) ResolvePair(ctx context.Context, tokenIn, tokenOut string) (Quote, Quote, error) {
	quotes, err := r.resolveMany(ctx, []string{tokenIn, tokenOut})
	if err != nil {
		return Quote{}, Quote{}, err
	}
	return quotes[0], quotes[1], nil
}

func (r *Resolver) resolveMany(ctx context.Context, tokens []string) ([]Quote, error) {
	quotes := make([]Quote, len(tokens))
	resolved := make([]bool, len(tokens))
	lastLive := make(map[string]time.Time)
	var pending []string

	for i, token := range tokens {
		if common.IsHexAddress(token) {
			q, err := r.resolveAddress(ctx, token)
			if err != nil {
				return nil, err
			}
			quotes[i], resolved[i] = q, true
			continue
		}
		key := cacheKey(token)
		entry, freshness := r.cache.Lookup(ctx, key)
		switch freshness {
		case Fresh, Stale:
			quotes[i] = newQuote(key, entry.PriceUSD, entry.Source, TierFor(entry, freshness), entry.FetchedAt)
			resolved[i] = true
		case Expired:
			lastLive[key] = entry.FetchedAt
			pending = appendUnique(pending, key)
		default:
			pending = appendUnique(pending, key)
		}
	}

	live := r.fetchLive(ctx, pending)

	var missing []string
	for i, token := range tokens {
		if resolved[i] {
			continue
		}
		key := cacheKey(token)
		if q, ok := live[key]; ok {
			quotes[i] = q
		} else if ref, ok := r.refs.Lookup(key); ok {
			q := newQuote(key, ref.PriceUSD, SourceReference, TierReferenceFallback, r.now())
			q.Note = "实时行情不可用，使用参考价格"
			quotes[i] = q
		} else {
			missing = append(missing, key)
			continue
		}
		quotes[i].LastLiveAt = lastLive[key]
	}
	for i := range quotes {
		if quotes[i].Token != "" && r.observe != nil {
			r.observe(quotes[i].Tier)
		}
	}
	if len(missing) > 0 {
		return nil, xerrors.Wrap(CodePriceUnavailable, ErrPriceUnavailable,
			fmt.Sprintf("无法解析代币价格: %s", strings.Join(missing, ", ")))
	}
	return quotes, nil
}

// fetchLive 先用主来源批量查询，缺失的再逐个查询二级来源。偏离参考价格过大的结果被丢弃。
func (r *Resolver) fetchLive(ctx context.Context, symbols []string) map[string]Quote {
	out := make(map[string]Quote, len(symbols))
	if len(symbols) == 0 {
		return out
	}

	if r.primary != nil {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		prices, err := r.primary.Prices(lctx, symbols)
		cancel()
		if err != nil {
			r.log.Warn("主行情来源查询失败", "symbols", symbols, "error", err)
		}
		for symbol, price := range prices {
			if q, ok := r.accept(ctx, cacheKey(symbol), price, SourcePrimary); ok {
				out[q.Token] = q
			}
		}
	}

	if r.secondary != nil {
		for _, symbol := range symbols {
			if _, ok := out[symbol]; ok {
				continue
			}
			lctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			price, err := r.secondary.Price(lctx, symbol)
			cancel()
			if err != nil {
				r.log.Warn("二级行情来源查询失败", "symbol", symbol, "error", err)
				continue
			}
			if q, ok := r.accept(ctx, symbol, price, SourceSecondary); ok {
				out[symbol] = q
			}
		}
	}
	return out
}

func (r *Resolver) accept(ctx context.Context, symbol string, price decimal.Decimal, source Source) (Quote, bool) {
	if ref, ok := r.refs.Lookup(symbol); ok && !WithinBounds(price, ref.PriceUSD, r.cfg.SanityFactor) {
		r.log.Warn("实时价格偏离参考价格过大，已丢弃",
			"symbol", symbol, "price", price.String(), "reference", ref.PriceUSD.String(), "source", source)
		return Quote{}, false
	}
	if !price.IsPositive() {
		return Quote{}, false
	}
	now := r.now()
	r.cache.Put(ctx, Entry{Token: symbol, PriceUSD: price, Source: source, FetchedAt: now})
	tier := TierFreshSecondary
	if source == SourcePrimary {
		tier = TierFreshPrimary
	}
	return newQuote(symbol, price, source, tier, now), true
}

func (r *Resolver) resolveAddress(ctx context.Context, address string) (Quote, error) {
	info, tier, err := r.lookupAddress(ctx, address)
	if err == nil {
		q := newQuote(common.HexToAddress(address).Hex(), info.PriceUSD, info.Source, tier, r.now())
		return q, nil
	}
	if ref, ok := r.refs.Lookup(address); ok {
		q := newQuote(common.HexToAddress(address).Hex(), ref.PriceUSD, SourceReference, TierReferenceFallback, r.now())
		q.Note = "地址行情不可用，使用参考价格"
		return q, nil
	}
	return Quote{}, xerrors.Wrap(CodePriceUnavailable, err, fmt.Sprintf("无法解析地址 %s 的价格", address))
}

func (r *Resolver) lookupAddress(ctx context.Context, address string) (TokenInfo, Tier, error) {
	key := strings.ToLower(address)
	if info, tier, ok := r.addresses.get(key, r.now()); ok {
		return info, tier, nil
	}
	if r.secondary == nil {
		return TokenInfo{}, "", ErrTokenNotFound
	}
	lctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	info, err := r.secondary.TokenByAddress(lctx, address)
	cancel()
	if err != nil {
		return TokenInfo{}, "", err
	}
	if ref, ok := r.refs.Lookup(address); ok && !WithinBounds(info.PriceUSD, ref.PriceUSD, r.cfg.SanityFactor) {
		return TokenInfo{}, "", fmt.Errorf("地址 %s 的实时价格偏离参考价格过大", address)
	}
	r.addresses.put(key, info, r.now())
	return info, TierFreshSecondary, nil
}

// TokenMetadata 返回地址对应的代币元数据与价格，名称或精度缺失时读取链上数据补全。
func (r *Resolver) TokenMetadata(ctx context.Context, address string) (TokenInfo, error) {
	if !common.IsHexAddress(address) {
		return TokenInfo{}, xerrors.New(xerrors.CodeInvalidArgument, "代币地址格式不正确")
	}
	checksum := common.HexToAddress(address).Hex()

	info, tier, err := r.lookupAddress(ctx, address)
	found := err == nil
	if !found {
		if ref, ok := r.refs.Lookup(address); ok {
			info = TokenInfo{Symbol: ref.Symbol, Name: ref.Name, Decimals: ref.Decimals, PriceUSD: ref.PriceUSD, Source: SourceReference}
			tier, found = TierReferenceFallback, true
		}
	}
	info.Address = checksum
	info.Tier = tier

	if r.metadata != nil && (info.Decimals == 0 || info.Name == "" || info.Symbol == "") {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		name, symbol, decimals, merr := r.metadata.ReadToken(lctx, checksum)
		cancel()
		if merr != nil {
			r.log.Debug("读取链上代币元数据失败", "address", checksum, "error", merr)
		} else {
			found = true
			if info.Name == "" {
				info.Name = name
			}
			if info.Symbol == "" {
				info.Symbol = strings.ToUpper(symbol)
			}
			if info.Decimals == 0 {
				info.Decimals = decimals
			}
			if info.Source == "" {
				info.Source = SourceReference
				info.Tier = TierReferenceFallback
			}
		}
	}
	if !found {
		return TokenInfo{}, xerrors.Wrap(CodeTokenNotFound, ErrTokenNotFound, fmt.Sprintf("找不到代币 %s", checksum))
	}
	if info.Decimals == 0 && info.Symbol != "" {
		if ref, ok := r.refs.Lookup(info.Symbol); ok {
			info.Decimals = ref.Decimals
		}
	}
	return info, nil
}

// SearchTokens 通过二级来源搜索代币，来源不可用时退回参考表匹配。
func (r *Resolver) SearchTokens(ctx context.Context, query string) []TokenInfo {
	query = strings.TrimSpace(query)
	if r.secondary != nil {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		results, err := r.secondary.SearchTokens(lctx, query)
		cancel()
		if err == nil && len(results) > 0 {
			for i := range results {
				results[i].Tier = TierFreshSecondary
			}
			return results
		}
		if err != nil {
			r.log.Warn("代币搜索失败，使用参考表", "query", query, "error", err)
		}
	}

	var out []TokenInfo
	needle := strings.ToUpper(query)
	for _, symbol := range r.refs.Symbols() {
		ref, _ := r.refs.Lookup(symbol)
		if strings.Contains(ref.Symbol, needle) || strings.Contains(strings.ToUpper(ref.Name), needle) {
			out = append(out, TokenInfo{
				Address:  ref.Address,
				Symbol:   ref.Symbol,
				Name:     ref.Name,
				Decimals: ref.Decimals,
				PriceUSD: ref.PriceUSD,
				Source:   SourceReference,
				Tier:     TierReferenceFallback,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Sweep 清理两级缓存中的过期条目。
func (r *Resolver) Sweep() int {
	return r.cache.Sweep() + r.addresses.sweep(r.now())
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

type addressEntry struct {
	info      TokenInfo
	fetchedAt time.Time
}

// addressCache 是地址查询的独立短期缓存。
type addressCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	staleAfter time.Duration
	entries    map[string]addressEntry
}

func (c *addressCache) get(key string, now time.Time) (TokenInfo, Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return TokenInfo{}, "", false
	}
	age := now.Sub(e.fetchedAt)
	switch {
	case age < c.staleAfter:
		return e.info, TierFreshSecondary, true
	case age < c.ttl:
		return e.info, TierStale, true
	default:
		return TokenInfo{}, "", false
	}
}

func (c *addressCache) put(key string, info TokenInfo, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = addressEntry{info: info, fetchedAt: now}
	if len(c.entries) > defaultMaxEntries {
		c.sweepLocked(now)
	}
}

func (c *addressCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *addressCache) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
