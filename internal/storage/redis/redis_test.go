package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"IntentArena/internal/pricing"
)

func TestKeysNormalizeTokens(t *testing.T) {
	keys := NewKeys("")
	if got := keys.Price("weth"); got != "intentarena:price:WETH" {
		t.Fatalf("unexpected symbol key %s", got)
	}
	addr := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	if got := keys.Price(addr); got != "intentarena:price:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" {
		t.Fatalf("unexpected address key %s", got)
	}
	if got := NewKeys("test").SettlementQueue(); got != "test:settlements" {
		t.Fatalf("unexpected queue key %s", got)
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestPriceMirrorUnreachableDegrades(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	mirror := NewPriceMirror(client, NewKeys("test"))

	if _, ok, err := mirror.Load(context.Background(), "ETH"); err == nil || ok {
		t.Fatalf("expected load error from unreachable redis, got ok=%v err=%v", ok, err)
	}

	cache := pricing.NewCache(time.Minute, 20*time.Second, pricing.WithMirror(mirror))
	cache.Put(context.Background(), pricing.Entry{Token: "ETH", PriceUSD: decimal.NewFromInt(1), Source: pricing.SourcePrimary})
	if _, freshness := cache.Lookup(context.Background(), "ETH"); freshness != pricing.Fresh {
		t.Fatalf("local entry must survive mirror failures, got %v", freshness)
	}
}
