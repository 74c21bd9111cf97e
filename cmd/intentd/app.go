package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"IntentArena/internal/admission"
	"IntentArena/internal/arena"
	"IntentArena/internal/competition"
	"IntentArena/internal/config"
	"IntentArena/internal/escrow"
	"IntentArena/internal/events"
	"IntentArena/internal/ledger"
	"IntentArena/internal/llm"
	"IntentArena/internal/llm/openai"
	"IntentArena/internal/llm/pythonbridge"
	"IntentArena/internal/observability/alerting"
	"IntentArena/internal/observability/metrics"
	"IntentArena/internal/pricing"
	"IntentArena/internal/risk"
	"IntentArena/internal/selection"
	"IntentArena/internal/settlement"
	"IntentArena/internal/solver"
	mysqlstore "IntentArena/internal/storage/mysql"
	redisstore "IntentArena/internal/storage/redis"
	"IntentArena/internal/web3/provider"
	"IntentArena/pkg/logger"
)

// app 汇总进程内的全部组件。
type app struct {
	cfg         *config.Config
	metrics     *metrics.Metrics
	book        *escrow.Book
	eventLog    *events.MemoryLog
	ledger      *ledger.Ledger
	resolver    *pricing.Resolver
	arena       *arena.Arena
	settlements *settlement.Service
	processor   *settlement.Processor
	limiter     admission.Limiter
	memLimiter  *admission.MemoryLimiter
	alerts      alerting.Dispatcher
	closers     []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 按创建的逆序释放资源。
func (a *app) Close() {
	log := logger.L()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("释放资源失败", "error", err)
		}
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.New(), book: escrow.NewBook(), alerts: buildAlerts(cfg)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var db *sql.DB
	if cfg.NeedsMySQL() {
		db, err = mysqlstore.Open(ctx, mysqlstore.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime.Duration,
			SkipMigrations:  cfg.Storage.MySQL.SkipMigrations,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
	}

	var rdb *goredis.Client
	keys := redisstore.NewKeys(cfg.Redis.Namespace)
	if cfg.NeedsRedis() {
		rdb, err = redisstore.NewClient(ctx, redisstore.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(rdb.Close)
	}

	if err := a.buildLedger(db); err != nil {
		return nil, err
	}
	if err := a.buildArena(ctx, db, rdb, keys); err != nil {
		return nil, err
	}
	if err := a.buildSettlement(db, rdb, keys); err != nil {
		return nil, err
	}
	a.buildAdmission(rdb, keys)
	return a, nil
}

func (a *app) buildLedger(db *sql.DB) error {
	cfg := a.cfg
	a.eventLog = events.NewMemoryLog(cfg.Events.LogLimit)
	sinks := events.Fanout{a.eventLog}
	if cfg.Events.Publisher == "rabbitmq" {
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		a.onClose(pub.Close)
		sinks = append(sinks, pub)
	}

	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.Ledger.Store == "mysql" {
		store = mysqlstore.NewIntentStore(db)
	}

	approved := make([]common.Address, 0, len(cfg.Ledger.ApprovedSolvers))
	for _, s := range cfg.Ledger.ApprovedSolvers {
		approved = append(approved, common.HexToAddress(s))
	}
	l, err := ledger.New(ledger.Config{
		Owner:           common.HexToAddress(cfg.Ledger.Owner),
		EscrowAccount:   common.HexToAddress(cfg.Ledger.EscrowAccount),
		FeeRecipient:    common.HexToAddress(cfg.Ledger.FeeRecipient),
		FeeBps:          cfg.Ledger.FeeBps,
		MaxFeeBps:       cfg.Ledger.MaxFeeBps,
		ApprovedSolvers: approved,
	}, a.book, store, sinks, ledger.WithRecorder(a.metrics), ledger.WithAlertDispatcher(a.alerts))
	if err != nil {
		return err
	}
	a.ledger = l
	return nil
}

func (a *app) buildArena(ctx context.Context, db *sql.DB, rdb *goredis.Client, keys redisstore.Keys) error {
	cfg := a.cfg

	refs := pricing.DefaultReferenceTable()
	if cfg.Pricing.ReferenceFile != "" {
		loaded, err := pricing.LoadReferenceTable(cfg.Pricing.ReferenceFile)
		if err != nil {
			return err
		}
		refs = loaded
	}
	var cacheOpts []pricing.CacheOption
	if cfg.Pricing.RedisMirror && rdb != nil {
		cacheOpts = append(cacheOpts, pricing.WithMirror(redisstore.NewPriceMirror(rdb, keys)))
	}
	cache := pricing.NewCache(cfg.Pricing.TTL.Duration, cfg.Pricing.StaleAfter.Duration, cacheOpts...)

	resolverOpts := []pricing.ResolverOption{
		pricing.WithCache(cache),
		pricing.WithTierObserver(func(t pricing.Tier) { a.metrics.PriceTier(string(t)) }),
	}
	if cfg.Web3.Enabled() {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		a.onClose(func() error { chains.Close(); return nil })
		resolverOpts = append(resolverOpts, pricing.WithMetadataReader(chains))
	}
	a.resolver = pricing.NewResolver(pricing.Config{
		TTL:          cfg.Pricing.TTL.Duration,
		StaleAfter:   cfg.Pricing.StaleAfter.Duration,
		AddressTTL:   cfg.Pricing.AddressTTL.Duration,
		Timeout:      cfg.Pricing.Timeout.Duration,
		SanityFactor: cfg.Pricing.SanityFactor,
	},
		pricing.NewCoinGecko(sourceConfig(cfg.Pricing.Primary), refs),
		pricing.NewDexScreener(sourceConfig(cfg.Pricing.Secondary)),
		refs,
		resolverOpts...,
	)

	profiles, err := solver.LoadRegistry(cfg.Solvers.ProfilesFile)
	if err != nil {
		return err
	}
	engine := competition.NewEngine(a.resolver, profiles,
		competition.WithBucket(cfg.Competition.Bucket.Duration),
		competition.WithReliabilityThreshold(cfg.Competition.ReliabilityThreshold),
		competition.WithConcurrency(cfg.Competition.Concurrency),
	)

	classifier, err := newClassifier(cfg)
	if err != nil {
		return err
	}
	gate := risk.NewGate(classifier,
		risk.WithTimeout(cfg.Risk.Timeout.Duration),
		risk.WithObserver(a.metrics.RiskOutcome),
	)

	var history competition.HistoryStore
	switch cfg.Competition.HistoryStore {
	case "mysql":
		history = mysqlstore.NewCompetitionStore(db)
	default:
		mem, err := competition.NewMemoryHistory(cfg.Competition.HistoryCapacity, cfg.Competition.HistoryFile)
		if err != nil {
			return err
		}
		a.onClose(mem.Close)
		history = mem
	}

	a.arena, err = arena.New(arena.Config{
		DefaultSolvers: cfg.Solvers.Default,
		MaxSolvers:     cfg.Solvers.MaxPerRun,
		FingerprintTTL: cfg.Competition.FingerprintTTL.Duration,
		Policy:         selection.Policy{AllowDangerOverride: cfg.Risk.AllowDangerOverride},
	}, engine, gate, nil, a.resolver,
		arena.WithHistory(history),
		arena.WithObserver(a.metrics.CompetitionCompleted),
	)
	return err
}

func sourceConfig(src config.SourceConfig) pricing.HTTPSourceConfig {
	return pricing.HTTPSourceConfig{
		BaseURL: src.BaseURL,
		APIKey:  src.APIKey,
		RPS:     src.RPS,
		Burst:   src.Burst,
		Timeout: src.Timeout.Duration,
	}
}

// newClassifier 按配置构造风险分类器。未配置时返回 nil，闸门会把所有报价标记为未分析。
func newClassifier(cfg *config.Config) (risk.Classifier, error) {
	var client llm.Client
	switch cfg.Risk.Provider {
	case "openai":
		c, err := openai.NewClient(openai.Config{
			APIKey:  cfg.Risk.OpenAI.APIKey,
			BaseURL: cfg.Risk.OpenAI.BaseURL,
			Model:   cfg.Risk.OpenAI.Model,
			Timeout: cfg.Risk.OpenAI.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		client = c
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Risk.Python.WorkingDir, cfg.Risk.Python.ScriptPath)
		c, err := pythonbridge.NewClient(cfg.Risk.Python.PythonExecutable, script, cfg.Risk.Python.WorkingDir)
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, nil
	}
	return risk.NewLLMClassifier(client), nil
}

func (a *app) buildSettlement(db *sql.DB, rdb *goredis.Client, keys redisstore.Keys) error {
	cfg := a.cfg

	var store settlement.Store = settlement.NewMemoryStore()
	if cfg.Settlement.Store == "mysql" {
		store = mysqlstore.NewSettlementStore(db)
	}

	var queue settlement.Queue
	switch cfg.Settlement.Queue {
	case "redis":
		q, err := settlement.NewRedisQueue(rdb, keys.SettlementQueue(), 5*time.Second)
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:      cfg.Settlement.RabbitMQ.URL,
			Queue:    cfg.Settlement.RabbitMQ.Queue,
			Prefetch: cfg.Settlement.RabbitMQ.Prefetch,
			Durable:  cfg.Settlement.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = q
	case "memory":
		queue = settlement.NewMemoryQueue(cfg.Settlement.QueueSize)
	default:
		return fmt.Errorf("未知的结算队列 %q", cfg.Settlement.Queue)
	}

	a.settlements = settlement.NewService(store, queue, cfg.Settlement.MaxRetries, settlement.WithVerifier(a.arena))
	a.processor = settlement.NewProcessor(a.ledger, store, queue, queue,
		settlement.WithWorkerCount(cfg.Settlement.Workers),
		settlement.WithRecoveryHandler(settlement.ExpireOnDeadline{Ledger: a.ledger}),
		settlement.WithAlertDispatcher(a.alerts),
		settlement.WithStatusObserver(func(s settlement.Status) { a.metrics.SettlementJob(string(s)) }),
	)
	a.onClose(a.settlements.Close)
	return nil
}

// buildAlerts 组装账本与结算共用的告警通道：日志始终开启，配置了 webhook 时追加。
func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Settlement.AlertWebhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Settlement.AlertWebhook,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func (a *app) buildAdmission(rdb *goredis.Client, keys redisstore.Keys) {
	cfg := a.cfg
	if !cfg.Admission.Enabled {
		return
	}
	limits := admission.Config{
		Limit:      cfg.Admission.Limit,
		Window:     cfg.Admission.Window.Duration,
		MaxBuckets: cfg.Admission.MaxBuckets,
	}
	if cfg.Admission.Backend == "redis" && rdb != nil {
		a.limiter = admission.NewRedisLimiter(rdb, keys, limits)
		return
	}
	a.memLimiter = admission.NewMemoryLimiter(limits)
	a.limiter = a.memLimiter
}
