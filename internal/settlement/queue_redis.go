package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueue 是多实例共享的可靠队列：消费时用 BLMOVE 把任务原子地移入处理中列表，
// 处理完成后再删除。实例崩溃留下的处理中任务在下次 Consume 时回到待处理列表。
type RedisQueue struct {
	client     goredis.Cmdable
	pending    string
	processing string
	wait       time.Duration
}

// NewRedisQueue 在已有连接上创建队列，key 通常取自 Keys.SettlementQueue。
func NewRedisQueue(client goredis.Cmdable, key string, blockWait time.Duration) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端未初始化")
	}
	if key == "" {
		return nil, errors.New("Redis 队列键不能为空")
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, pending: key, processing: key + ":processing", wait: blockWait}, nil
}

// Publish 将任务放到待处理列表左端。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.pending, jobID).Err(); err != nil {
		return fmt.Errorf("Redis 发布结算任务失败: %w", err)
	}
	return nil
}

// Recover 把处理中列表里的全部任务移回待处理列表，返回移动数量。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("Redis 恢复处理中任务失败: %w", err)
		}
		moved++
	}
}

// Consume 启动 workerCount 个消费者。处理器返回错误时任务回到待处理列表。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if _, err := q.Recover(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobID, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.wait).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("Redis 取结算任务失败: %w", err)
		}
		if handlerErr := handler(ctx, jobID); handlerErr != nil && ctx.Err() == nil {
			if err := q.client.RPush(ctx, q.pending, jobID).Err(); err != nil {
				return fmt.Errorf("Redis 归还结算任务失败: %w", err)
			}
		}
		// ctx 已取消时任务留在处理中列表，由下次 Recover 归还。
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := q.client.LRem(ctx, q.processing, 1, jobID).Err(); err != nil {
			return fmt.Errorf("Redis 确认结算任务失败: %w", err)
		}
	}
}

// Close 不关闭共享的 Redis 连接，由调用方负责。
func (q *RedisQueue) Close() error { return nil }
