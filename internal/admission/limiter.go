package admission

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "IntentArena/internal/errors"
)

const (
	// DefaultLimit 是每个窗口允许的请求数。
	DefaultLimit = 10
	// DefaultWindow 是窗口长度。
	DefaultWindow = time.Minute
	// DefaultMaxBuckets 是触发过期清理的桶数量上限。
	DefaultMaxBuckets = 10_000
)

// Config 描述准入窗口。
type Config struct {
	Limit      int
	Window     time.Duration
	MaxBuckets int
}

func (c *Config) applyDefaults() {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = DefaultMaxBuckets
	}
}

// Decision 是一次准入判断的结果。
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Err 把拒绝结果转换为可重试的准入错误。
func (d Decision) Err(identity string) error {
	if d.Allowed {
		return nil
	}
	return xerrors.New(xerrors.CodeRateLimited, "请求过于频繁，请稍后重试",
		xerrors.WithRetryAfter(d.RetryAfter),
		xerrors.WithMetadata("identity", identity))
}

// Limiter 按身份限制请求速率。
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter 在进程内维护每个身份的窗口。
type MemoryLimiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryOption 自定义 MemoryLimiter。
type MemoryOption func(*MemoryLimiter)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryLimiter 创建内存限流器。
func NewMemoryLimiter(cfg Config, opts ...MemoryOption) *MemoryLimiter {
	cfg.applyDefaults()
	m := &MemoryLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow 实现 Limiter。
func (m *MemoryLimiter) Allow(_ context.Context, identity string) (Decision, error) {
	identity = strings.TrimSpace(identity)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[identity]
	if !ok {
		if len(m.buckets) >= m.cfg.MaxBuckets {
			m.sweepLocked(now)
		}
		b = &bucket{resetAt: now.Add(m.cfg.Window)}
		m.buckets[identity] = b
	}
	if !now.Before(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(m.cfg.Window)
	}
	if b.count < m.cfg.Limit {
		b.count++
		return Decision{Allowed: true, Remaining: m.cfg.Limit - b.count, ResetAt: b.resetAt}, nil
	}
	return Decision{RetryAfter: b.resetAt.Sub(now), ResetAt: b.resetAt}, nil
}

// Sweep 删除已过期的桶并返回删除数量。
func (m *MemoryLimiter) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(m.now())
}

func (m *MemoryLimiter) sweepLocked(now time.Time) int {
	removed := 0
	for id, b := range m.buckets {
		if !now.Before(b.resetAt) {
			delete(m.buckets, id)
			removed++
		}
	}
	return removed
}

// Len 返回当前桶数量。
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
