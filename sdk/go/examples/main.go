package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"IntentArena/sdk/go/arena"
)

// main 对运行中的 intentd 发起一次演练与一次竞价。
func main() {
	base := os.Getenv("INTENTARENA_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client, err := arena.NewClient(base, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	intent := arena.Intent{
		TokenIn:        "USDC",
		TokenOut:       "WETH",
		AmountIn:       decimal.NewFromInt(1000),
		MinAmountOut:   decimal.RequireFromString("0.25"),
		MaxSlippageBps: 50,
		MaxGasCostUSD:  decimal.NewFromInt(10),
	}

	sim, err := client.Simulate(ctx, intent, []string{"alpha", "beta", "gamma"})
	if err != nil {
		log.Fatalf("simulate: %v", err)
	}
	for _, p := range sim.Proposals {
		fmt.Printf("%-8s valid=%-5v output=%s score=%.3f\n", p.Solver, p.Valid, p.ExpectedOutput, p.Score)
	}

	res, err := client.Compete(ctx, intent, nil, false)
	if arena.IsRateLimited(err) {
		fmt.Printf("rate limited, retry after %s\n", err.(*arena.APIError).RetryAfter())
		return
	}
	if err != nil {
		log.Fatalf("compete: %v", err)
	}
	if res.Winner != nil {
		fmt.Printf("winner %s (%s) run=%s fingerprint=%s\n", res.Winner.Solver, res.WinnerLabel, res.RunID, res.Winner.Fingerprint)
	} else if res.Refusal != nil {
		fmt.Printf("refused: %s %v\n", res.Refusal.Reason, res.Refusal.Hints)
	}
}
