package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"IntentArena/internal/pricing"
)

// PriceMirror 把价格缓存条目以 JSON 形式镜像到 Redis，实现 pricing.Mirror。
type PriceMirror struct {
	client  goredis.Cmdable
	keys    Keys
	timeout time.Duration
}

// NewPriceMirror 创建价格镜像。
func NewPriceMirror(client goredis.Cmdable, keys Keys) *PriceMirror {
	return &PriceMirror{client: client, keys: keys, timeout: 500 * time.Millisecond}
}

// Load 实现 pricing.Mirror。
func (m *PriceMirror) Load(ctx context.Context, token string) (pricing.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	raw, err := m.client.Get(ctx, m.keys.Price(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return pricing.Entry{}, false, nil
	}
	if err != nil {
		return pricing.Entry{}, false, fmt.Errorf("读取 Redis 价格失败: %w", err)
	}
	var entry pricing.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return pricing.Entry{}, false, fmt.Errorf("解析 Redis 价格失败: %w", err)
	}
	return entry, true, nil
}

// Store 实现 pricing.Mirror。
func (m *PriceMirror) Store(ctx context.Context, entry pricing.Entry, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化价格失败: %w", err)
	}
	if err := m.client.Set(ctx, m.keys.Price(entry.Token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 价格失败: %w", err)
	}
	return nil
}
