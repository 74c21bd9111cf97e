package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const defaultRabbitQueue = "intentarena.settlements"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// RabbitMQQueue 使用手动确认的 RabbitMQ 队列。消息体只有任务 ID，
// 任务内容始终以存储为准。
type RabbitMQQueue struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	closed chan *amqp.Error
}

// NewRabbitMQQueue 连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRabbitQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	fail := func(step string, err error) (*RabbitMQQueue, error) {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fail("创建 RabbitMQ channel 失败", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail("设置 RabbitMQ QOS 失败", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		return fail("声明 RabbitMQ 队列失败", err)
	}
	return &RabbitMQQueue{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// Publish 以持久化消息投递任务 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Type:         "settlement.job",
		Timestamp:    time.Now(),
		Body:         []byte(jobID),
	})
}

// Consume 分发消息给 workerCount 个协程。处理失败的消息 Nack 后重新入队；
// 连接断开时返回错误，让上层决定是否重启进程。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case amqpErr, ok := <-q.closed:
					if ok && amqpErr != nil {
						return fmt.Errorf("RabbitMQ 连接断开: %w", amqpErr)
					}
					return errors.New("RabbitMQ 连接已关闭")
				case d, ok := <-deliveries:
					if !ok {
						return errors.New("RabbitMQ 投递通道已关闭")
					}
					if err := handler(gctx, string(d.Body)); err != nil {
						_ = d.Nack(false, true)
						continue
					}
					_ = d.Ack(false)
				}
			}
		})
	}
	return g.Wait()
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
