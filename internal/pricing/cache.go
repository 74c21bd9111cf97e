package pricing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"IntentArena/pkg/logger"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultStaleAfter = 20 * time.Second
	DefaultAddressTTL = 30 * time.Second
	defaultMaxEntries = 4096
)

// Entry 是价格缓存中的一条记录。
type Entry struct {
	Token     string          `json:"token"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Freshness 描述缓存条目的新鲜程度。
type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Stale
	Expired
)

// Mirror 是可选的二级缓存（例如 Redis），多个实例共享行情结果。
type Mirror interface {
	Load(ctx context.Context, token string) (Entry, bool, error)
	Store(ctx context.Context, entry Entry, ttl time.Duration) error
}

// Cache 是带 TTL 与陈旧度分级的线程安全价格缓存。
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	ttl        time.Duration
	staleAfter time.Duration
	maxEntries int
	now        func() time.Time
	mirror     Mirror
	log        *slog.Logger
}

// CacheOption 自定义缓存行为。
type CacheOption func(*Cache)

// WithCacheClock 替换时间来源。
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMirror 设置二级缓存。
func WithMirror(m Mirror) CacheOption {
	return func(c *Cache) { c.mirror = m }
}

// WithMaxEntries 设置触发清理的条目上限。
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewCache 创建价格缓存。staleAfter 必须小于 ttl，否则退化为 ttl。
func NewCache(ttl, staleAfter time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if staleAfter <= 0 || staleAfter > ttl {
		staleAfter = ttl
	}
	c := &Cache{
		entries:    make(map[string]Entry),
		ttl:        ttl,
		staleAfter: staleAfter,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		log:        logger.Named("price-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// Get 返回本地缓存条目及其新鲜度，过期条目仍会返回以供可靠性参考。
func (c *Cache) Get(token string) (Entry, Freshness) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(token)]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, Missing
	}
	return entry, c.classify(entry)
}

// Lookup 先查本地缓存，未命中或已过期时再查二级缓存。二级缓存故障视为未命中。
func (c *Cache) Lookup(ctx context.Context, token string) (Entry, Freshness) {
	entry, freshness := c.Get(token)
	if freshness == Fresh || freshness == Stale || c.mirror == nil {
		return entry, freshness
	}
	mirrored, ok, err := c.mirror.Load(ctx, cacheKey(token))
	if err != nil {
		c.log.Debug("读取二级价格缓存失败", "token", token, "error", err)
		return entry, freshness
	}
	if !ok {
		return entry, freshness
	}
	mf := c.classify(mirrored)
	if mf == Expired {
		return entry, freshness
	}
	c.mu.Lock()
	c.entries[cacheKey(token)] = mirrored
	c.mu.Unlock()
	return mirrored, mf
}

func (c *Cache) classify(entry Entry) Freshness {
	age := c.now().Sub(entry.FetchedAt)
	switch {
	case age < c.staleAfter:
		return Fresh
	case age < c.ttl:
		return Stale
	default:
		return Expired
	}
}

// Put 写入缓存并同步到二级缓存；条目过多时顺带清理过期项。
func (c *Cache) Put(ctx context.Context, entry Entry) {
	entry.Token = cacheKey(entry.Token)
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = c.now()
	}
	c.mu.Lock()
	c.entries[entry.Token] = entry
	oversized := len(c.entries) > c.maxEntries
	c.mu.Unlock()

	if oversized {
		c.Sweep()
	}
	if c.mirror != nil {
		if err := c.mirror.Store(ctx, entry, c.ttl); err != nil {
			c.log.Debug("写入二级价格缓存失败", "token", entry.Token, "error", err)
		}
	}
}

// Sweep 删除超过两倍 TTL 的条目，返回删除数量。
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-2 * c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.FetchedAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len 返回本地条目数量。
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TierFor 依据缓存新鲜度与来源给出可靠性分级。
func TierFor(entry Entry, freshness Freshness) Tier {
	if entry.Source == SourceReference {
		return TierReferenceFallback
	}
	switch freshness {
	case Fresh:
		if entry.Source == SourcePrimary {
			return TierFreshPrimary
		}
		return TierFreshSecondary
	case Stale:
		return TierStale
	default:
		return TierReferenceFallback
	}
}
