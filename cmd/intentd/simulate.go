package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"IntentArena/internal/arena"
	"IntentArena/internal/competition"
	"IntentArena/internal/escrow"
	"IntentArena/internal/observability/metrics"
	redisstore "IntentArena/internal/storage/redis"
	"IntentArena/pkg/logger"
)

type simulateOptions struct {
	tokenIn     string
	tokenOut    string
	amountIn    string
	minOut      string
	slippageBps uint32
	maxGasUSD   string
	solvers     []string
	analyze     bool
}

func newSimulateCommand(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "离线运行一轮竞价演练并输出 JSON 结果",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			intent, err := opts.intent()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, metrics: metrics.New(), book: escrow.NewBook()}
			defer a.Close()
			if err := a.buildArena(cmd.Context(), nil, nil, redisstore.NewKeys(cfg.Redis.Namespace)); err != nil {
				return err
			}

			req := arena.CompeteRequest{Intent: intent, Solvers: opts.solvers}
			var out any
			if opts.analyze {
				sim, err := a.arena.Simulate(cmd.Context(), req)
				if err != nil {
					return err
				}
				analysis, err := a.arena.Analyze(cmd.Context(), arena.AnalyzeRequest{Intent: intent, Proposals: sim.Proposals})
				if err != nil {
					return err
				}
				out = map[string]any{"simulation": sim, "risk_analysis": analysis}
			} else {
				res, err := a.arena.Simulate(cmd.Context(), req)
				if err != nil {
					return err
				}
				out = res
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.tokenIn, "token-in", "USDC", "输入代币符号或地址")
	f.StringVar(&opts.tokenOut, "token-out", "WETH", "输出代币符号或地址")
	f.StringVar(&opts.amountIn, "amount-in", "1000", "输入数量")
	f.StringVar(&opts.minOut, "min-out", "0.1", "最低可接受输出")
	f.Uint32Var(&opts.slippageBps, "slippage-bps", 50, "最大滑点（基点）")
	f.StringVar(&opts.maxGasUSD, "max-gas-usd", "10", "可接受的最高 gas 成本（美元）")
	f.StringSliceVar(&opts.solvers, "solvers", nil, "参与的求解者，逗号分隔")
	f.BoolVar(&opts.analyze, "analyze", false, "演练后对报价执行风险分析")
	return cmd
}

func (o *simulateOptions) intent() (competition.Intent, error) {
	parse := func(flag, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("--%s 不是合法数字: %w", flag, err)
		}
		return d, nil
	}
	amountIn, err := parse("amount-in", o.amountIn)
	if err != nil {
		return competition.Intent{}, err
	}
	minOut, err := parse("min-out", o.minOut)
	if err != nil {
		return competition.Intent{}, err
	}
	maxGas, err := parse("max-gas-usd", o.maxGasUSD)
	if err != nil {
		return competition.Intent{}, err
	}
	intent := competition.Intent{
		TokenIn:        o.tokenIn,
		TokenOut:       o.tokenOut,
		AmountIn:       amountIn,
		MinAmountOut:   minOut,
		MaxSlippageBps: o.slippageBps,
		MaxGasCostUSD:  maxGas,
	}
	return intent, intent.Validate()
}
