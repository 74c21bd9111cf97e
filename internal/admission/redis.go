package admission

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "IntentArena/internal/errors"
	redisstore "IntentArena/internal/storage/redis"
)

// windowScript 原子地递增计数，首次写入时设置窗口过期时间，返回 {count, pttl}。
var windowScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter 让多个实例共享同一组窗口。
type RedisLimiter struct {
	client goredis.Scripter
	keys   redisstore.Keys
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter 创建基于 Redis 的限流器。
func NewRedisLimiter(client goredis.Scripter, keys redisstore.Keys, cfg Config) *RedisLimiter {
	cfg.applyDefaults()
	return &RedisLimiter{client: client, keys: keys, cfg: cfg, now: time.Now}
}

// Allow 实现 Limiter。
func (r *RedisLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	res, err := windowScript.Run(ctx, r.client, []string{r.keys.Admission(identity)}, r.cfg.Window.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnavailable, err, "Redis 准入检查失败")
	}
	if len(res) != 2 {
		return Decision{}, xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("Redis 准入脚本返回 %d 个值", len(res)))
	}
	count, ok1 := res[0].(int64)
	ttl, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, xerrors.New(xerrors.CodeUnavailable, "Redis 准入脚本返回值类型异常")
	}

	remaining := time.Duration(ttl) * time.Millisecond
	reset := r.now().Add(remaining)
	if count <= int64(r.cfg.Limit) {
		return Decision{Allowed: true, Remaining: r.cfg.Limit - int(count), ResetAt: reset}, nil
	}
	return Decision{RetryAfter: remaining, ResetAt: reset}, nil
}
