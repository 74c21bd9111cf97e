package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/internal/config"
	"IntentArena/internal/web3"
)

type stubClient struct {
	meta   web3.TokenMetadata
	err    error
	closed bool
}

func (s *stubClient) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}

func (s *stubClient) ReadToken(_ context.Context, token common.Address) (web3.TokenMetadata, error) {
	if s.err != nil {
		return web3.TokenMetadata{}, s.err
	}
	m := s.meta
	m.Address = token
	return m, nil
}

func (s *stubClient) Close() { s.closed = true }

func TestStaticRegistryDefaultsToFirstName(t *testing.T) {
	a, b := &stubClient{}, &stubClient{}
	reg, err := NewStaticRegistry("", map[string]web3.Client{"polygon": b, "mainnet": a})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	client, _ := reg.DefaultClient()
	if client != a {
		t.Fatalf("expected mainnet to be the default")
	}
	if got := reg.Chains(); len(got) != 2 || got[0] != "mainnet" {
		t.Fatalf("unexpected chains %v", got)
	}
	reg.Close()
	if !a.closed || !b.closed {
		t.Fatalf("close should close every client")
	}
}

func TestRegistryReadTokenCachesSuccess(t *testing.T) {
	stub := &stubClient{meta: web3.TokenMetadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6}}
	reg, err := NewStaticRegistry("mainnet", map[string]web3.Client{"mainnet": stub})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	const usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	name, symbol, decimals, err := reg.ReadToken(context.Background(), usdc)
	if err != nil || name != "USD Coin" || symbol != "USDC" || decimals != 6 {
		t.Fatalf("unexpected metadata %s %s %d %v", name, symbol, decimals, err)
	}
	if _, _, _, err := reg.ReadToken(context.Background(), "nope"); err == nil {
		t.Fatalf("expected address validation error")
	}

	stub.err = errors.New("rpc down")
	if _, symbol, _, err := reg.ReadToken(context.Background(), usdc); err != nil || symbol != "USDC" {
		t.Fatalf("cached metadata should survive an rpc outage: %s %v", symbol, err)
	}
	if _, _, _, err := reg.ReadToken(context.Background(), "0x1111111111111111111111111111111111111111"); err == nil {
		t.Fatalf("expected chain error for uncached token")
	}
}

func TestRegistryFallsBackAcrossChains(t *testing.T) {
	mainnet := &stubClient{err: errors.New("execution reverted")}
	arbitrum := &stubClient{meta: web3.TokenMetadata{Name: "Arbitrum", Symbol: "ARB", Decimals: 18}}
	reg, err := NewStaticRegistry("mainnet", map[string]web3.Client{"arbitrum": arbitrum, "mainnet": mainnet})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if got := reg.Chains(); got[0] != "mainnet" || got[1] != "arbitrum" {
		t.Fatalf("preferred chain should be queried first: %v", got)
	}
	_, symbol, _, err := reg.ReadToken(context.Background(), "0x912ce59144191c1204e64559fe8253a0e49e6548")
	if err != nil || symbol != "ARB" {
		t.Fatalf("expected fallback to arbitrum, got %s %v", symbol, err)
	}

	arbitrum.err = errors.New("timeout")
	_, _, _, err = reg.ReadToken(context.Background(), "0x2222222222222222222222222222222222222222")
	if err == nil || !strings.Contains(err.Error(), "mainnet") || !strings.Contains(err.Error(), "arbitrum") {
		t.Fatalf("expected joined error naming both chains, got %v", err)
	}
}

func TestStaticRegistryRejectsUnknownDefault(t *testing.T) {
	if _, err := NewStaticRegistry("base", map[string]web3.Client{"mainnet": &stubClient{}}); err == nil {
		t.Fatalf("expected unknown default chain to fail")
	}
}

func TestNewRegistryRequiresEndpoints(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
	path := filepath.Join(t.TempDir(), "chains.yaml")
	_ = os.WriteFile(path, []byte("chains:\n  mainnet:\n    type: evm\n"), 0o644)
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatalf("expected error for chain without rpc_url")
	}
}

func TestParseChainsValidation(t *testing.T) {
	set, err := web3.ParseChains([]byte("default: mainnet\nchains:\n  mainnet:\n    chain_id: 1\n    rpc_url: http://localhost:8545\n    call_timeout: 2s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c := set.Chains["mainnet"]; c.Kind != web3.KindEVM || c.CallTimeout.Seconds() != 2 {
		t.Fatalf("unexpected chain %+v", c)
	}
	cases := map[string]string{
		"duplicate id":    "chains:\n  a:\n    chain_id: 1\n    rpc_url: http://a\n  b:\n    chain_id: 1\n    rpc_url: http://b\n",
		"unknown kind":    "chains:\n  sol:\n    type: solana\n    rpc_url: http://s\n",
		"missing default": "default: base\nchains:\n  a:\n    rpc_url: http://a\n",
	}
	for name, doc := range cases {
		if _, err := web3.ParseChains([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
