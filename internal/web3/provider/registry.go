package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/internal/config"
	"IntentArena/internal/web3"
	"IntentArena/internal/web3/ethereum"
	"IntentArena/pkg/logger"
)

const defaultCallTimeout = 3 * time.Second

// ErrNoChains 表示没有任何可用的链端点。
var ErrNoChains = errors.New("未配置任何链的 RPC 端点")

// Registry 按名称持有链客户端，并缓存已读取的代币元数据。
// 代币元数据不可变，所以成功结果永久缓存；失败不缓存。
type Registry struct {
	order   []string
	clients map[string]web3.Client
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	known map[common.Address]web3.TokenMetadata
}

// NewRegistry 读取链定义并拨号所有 EVM 端点。未提供链文件时退回单个 rpc_url。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	set, err := web3.LoadChains(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(set.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		set.Chains["default"] = web3.Chain{Kind: web3.KindEVM, RPCURL: cfg.RPCURL}
	}
	if len(set.Chains) == 0 {
		return nil, ErrNoChains
	}

	clients := make(map[string]web3.Client, len(set.Chains))
	timeout := time.Duration(0)
	for name, chain := range set.Chains {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  chain.RPCURL,
			ChainID: chain.ChainID,
			Notes:   chain.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
		if chain.CallTimeout > timeout {
			timeout = chain.CallTimeout
		}
	}

	preferred := cfg.DefaultChain
	if preferred == "" {
		preferred = set.Default
	}
	reg, err := NewStaticRegistry(preferred, clients)
	if err != nil {
		closeAll(clients)
		return nil, err
	}
	if timeout > 0 {
		reg.timeout = timeout
	}
	return reg, nil
}

// NewStaticRegistry 包装已构造的客户端。默认链排在查询顺序首位，其余按名称排序。
func NewStaticRegistry(preferred string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, ErrNoChains
	}
	names := make([]string, 0, len(clients))
	for name := range clients {
		if name != preferred {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if preferred != "" {
		if _, ok := clients[preferred]; !ok {
			return nil, fmt.Errorf("默认链 %s 未在配置中找到", preferred)
		}
		names = append([]string{preferred}, names...)
	}
	return &Registry{
		order:   names,
		clients: clients,
		timeout: defaultCallTimeout,
		log:     logger.Named("chains"),
		known:   make(map[common.Address]web3.TokenMetadata),
	}, nil
}

// DefaultClient 返回查询顺序中的第一条链。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil || len(r.order) == 0 {
		return nil, ErrNoChains
	}
	return r.clients[r.order[0]], nil
}

// Client 按名称查找链客户端。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// ReadToken 依次在各条链上读取 ERC-20 元数据，第一条成功的链胜出。
// 签名满足价格解析器的 MetadataReader。
func (r *Registry) ReadToken(ctx context.Context, address string) (string, string, uint8, error) {
	if !common.IsHexAddress(address) {
		return "", "", 0, fmt.Errorf("非法的代币地址 %s", address)
	}
	if r == nil || len(r.order) == 0 {
		return "", "", 0, ErrNoChains
	}
	token := common.HexToAddress(address)

	r.mu.RLock()
	meta, ok := r.known[token]
	r.mu.RUnlock()
	if ok {
		return meta.Name, meta.Symbol, meta.Decimals, nil
	}

	var errs []error
	for _, name := range r.order {
		if err := ctx.Err(); err != nil {
			return "", "", 0, err
		}
		meta, err := r.readOn(ctx, name, token)
		if err != nil {
			r.log.Debug("链上读取代币元数据失败", slog.String("chain", name), slog.String("token", token.Hex()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		r.mu.Lock()
		r.known[token] = meta
		r.mu.Unlock()
		return meta.Name, meta.Symbol, meta.Decimals, nil
	}
	return "", "", 0, errors.Join(errs...)
}

func (r *Registry) readOn(ctx context.Context, name string, token common.Address) (web3.TokenMetadata, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.clients[name].ReadToken(callCtx, token)
}

// Chains 返回查询顺序下的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Close 关闭全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
