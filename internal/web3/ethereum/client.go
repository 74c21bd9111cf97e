package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"IntentArena/internal/web3"
)

const erc20MetadataABI = `[
  {"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// 部分早期代币把 name/symbol 声明为 bytes32。
const erc20Bytes32ABI = `[
  {"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"bytes32"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"bytes32"}],"type":"function"}
]`

var (
	erc20ABI   = mustABI(erc20MetadataABI)
	bytes32ABI = mustABI(erc20Bytes32ABI)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ERC-20 ABI: %v", err))
	}
	return parsed
}

// ContractCaller 是执行只读合约调用所需的最小后端。
type ContractCaller interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	chainID   *big.Int
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	caller    ContractCaller
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		caller:    eth,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// NewWithCaller wraps an existing contract backend, used by tests and embedded nodes.
func NewWithCaller(name string, chainID *big.Int, caller ContractCaller) *Client {
	c := &Client{name: name, caller: caller, notes: "custom backend"}
	if chainID != nil {
		c.chainID = new(big.Int).Set(chainID)
	}
	return c
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.caller = nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	snap := web3.ChainSnapshot{Name: c.name, Notes: c.notes, ChainID: c.chainID}
	c.mu.Lock()
	eth := c.eth
	c.mu.Unlock()
	if eth == nil {
		if snap.ChainID == nil {
			return web3.ChainSnapshot{}, errors.New("客户端缺少链访问后端")
		}
		return snap, nil
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	block, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	snap.ChainID, snap.BlockNumber = chainID, block
	return snap, nil
}

// ReadToken 读取 ERC-20 的 name、symbol 与 decimals。
func (c *Client) ReadToken(ctx context.Context, token common.Address) (web3.TokenMetadata, error) {
	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()
	if caller == nil {
		return web3.TokenMetadata{}, errors.New("未初始化的以太坊客户端")
	}

	meta := web3.TokenMetadata{Address: token}
	decimals, err := c.call(ctx, caller, token, "decimals")
	if err != nil {
		return web3.TokenMetadata{}, err
	}
	values, err := erc20ABI.Unpack("decimals", decimals)
	if err != nil || len(values) != 1 {
		return web3.TokenMetadata{}, fmt.Errorf("解析 decimals 失败: %v", err)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return web3.TokenMetadata{}, fmt.Errorf("decimals 类型异常: %T", values[0])
	}
	meta.Decimals = d

	if meta.Name, err = c.readText(ctx, caller, token, "name"); err != nil {
		return web3.TokenMetadata{}, err
	}
	if meta.Symbol, err = c.readText(ctx, caller, token, "symbol"); err != nil {
		return web3.TokenMetadata{}, err
	}
	return meta, nil
}

func (c *Client) call(ctx context.Context, caller ContractCaller, token common.Address, method string) ([]byte, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	out, err := caller.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", token.Hex(), method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 不是 ERC-20 合约或未实现 %s", token.Hex(), method)
	}
	return out, nil
}

func (c *Client) readText(ctx context.Context, caller ContractCaller, token common.Address, method string) (string, error) {
	out, err := c.call(ctx, caller, token, method)
	if err != nil {
		return "", err
	}
	if values, err := erc20ABI.Unpack(method, out); err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return strings.TrimSpace(s), nil
		}
	}
	values, err := bytes32ABI.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return "", fmt.Errorf("解析 %s 失败: %v", method, err)
	}
	raw, ok := values[0].([32]byte)
	if !ok {
		return "", fmt.Errorf("%s 类型异常: %T", method, values[0])
	}
	return strings.TrimRight(string(raw[:]), "\x00"), nil
}
