package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
}

// NewClient 创建客户端并做一次连通性检查。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

const defaultNamespace = "intentarena"

// Keys 生成带命名空间的 Redis 键。
type Keys struct {
	Namespace string
}

// NewKeys 创建键生成器。
func NewKeys(namespace string) Keys {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	return Keys{Namespace: namespace}
}

// Price 返回价格镜像键，地址统一为 EIP-55 格式。
func (k Keys) Price(token string) string {
	return fmt.Sprintf("%s:price:%s", k.Namespace, normalizeToken(token))
}

// Admission 返回准入窗口键。
func (k Keys) Admission(identity string) string {
	return fmt.Sprintf("%s:admission:%s", k.Namespace, identity)
}

// SettlementQueue 返回结算任务队列键。
func (k Keys) SettlementQueue() string {
	return k.Namespace + ":settlements"
}

func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if common.IsHexAddress(token) {
		return common.HexToAddress(token).Hex()
	}
	return strings.ToUpper(token)
}
