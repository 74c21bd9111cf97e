package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenMetadata 是从 ERC-20 合约读取的基础信息。
type TokenMetadata struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8
}

// ChainSnapshot summarizes the network a client is connected to.
type ChainSnapshot struct {
	Name        string
	ChainID     *big.Int
	BlockNumber uint64
	Notes       string
}

// Client defines the read-only chain access the exchange needs.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	ReadToken(ctx context.Context, token common.Address) (TokenMetadata, error)
	Close()
}
