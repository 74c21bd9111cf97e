package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"IntentArena/internal/api"
	"IntentArena/pkg/logger"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与结算处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			app, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	opts := []api.Option{
		api.WithLedger(a.ledger),
		api.WithBook(a.book),
		api.WithEventLog(a.eventLog),
		api.WithSettlements(a.settlements),
		api.WithSignatures(cfg.Server.RequireSignatures),
		api.WithFaucet(cfg.Server.EnableFaucet),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout.Duration, cfg.Server.ShutdownTimeout.Duration),
	}
	if a.limiter != nil {
		opts = append(opts, api.WithLimiter(a.limiter))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		opts = append(opts, api.WithMetrics(a.metrics))
	}
	if !cfg.Server.RequireSignatures {
		logger.L().Warn("未开启调用方签名校验，X-Caller-Address 可被任意声明，仅限开发环境使用")
	}
	if cfg.Server.EnableFaucet {
		logger.L().Warn("铸币接口已开启，仅限开发环境使用")
	}
	server := api.NewServer(cfg.Server.Address, a.arena, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		err := a.processor.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if _, err := a.settlements.Resubmit(gctx); err != nil && gctx.Err() == nil {
			logger.L().Warn("重新投递待处理结算任务失败", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		a.sweep(gctx, cfg.Pricing.SweepInterval.Duration)
		return nil
	})
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return a.metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	return g.Wait()
}

// sweep 定期清理价格缓存、指纹与内存限流桶。
func (a *app) sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logger.Named("sweeper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prices := a.resolver.Sweep()
			runs := a.arena.Sweep()
			buckets := 0
			if a.memLimiter != nil {
				buckets = a.memLimiter.Sweep()
			}
			if prices+runs+buckets > 0 {
				log.Debug("清理过期条目", "prices", prices, "runs", runs, "buckets", buckets)
			}
		}
	}
}
