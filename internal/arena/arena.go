package arena

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"IntentArena/internal/competition"
	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/pricing"
	"IntentArena/internal/reputation"
	"IntentArena/internal/risk"
	"IntentArena/internal/selection"
	"IntentArena/pkg/logger"
)

const (
	defaultMaxSolvers  = 16
	maxSearchQueryLen  = 64
	simulationRiskNote = "simulation skips risk analysis"
)

// TokenResolver 提供代币元数据与搜索能力。
type TokenResolver interface {
	TokenMetadata(ctx context.Context, address string) (pricing.TokenInfo, error)
	SearchTokens(ctx context.Context, query string) []pricing.TokenInfo
}

// Config 控制服务层的默认行为。
type Config struct {
	// DefaultSolvers 在请求未指定求解者时使用，为空则使用注册表全部求解者。
	DefaultSolvers []string
	MaxSolvers     int
	FingerprintTTL time.Duration
	MaxRuns        int
	Policy         selection.Policy
}

// Observer 接收竞价结果，用于指标统计。
type Observer func(outcome string, elapsed time.Duration)

// Option 自定义 Arena。
type Option func(*Arena)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(a *Arena) {
		if now != nil {
			a.now = now
		}
	}
}

// WithHistory 配置竞价历史存储。
func WithHistory(store competition.HistoryStore) Option {
	return func(a *Arena) { a.history = store }
}

// WithObserver 配置竞价结果回调。
func WithObserver(fn Observer) Option {
	return func(a *Arena) { a.observe = fn }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(a *Arena) {
		if log != nil {
			a.log = log
		}
	}
}

// Arena 协调竞价引擎、风险闸门、选择策略与信誉统计，是服务的业务核心。
type Arena struct {
	cfg          Config
	engine       *competition.Engine
	gate         *risk.Gate
	tracker      *reputation.Tracker
	tokens       TokenResolver
	history      competition.HistoryStore
	fingerprints *fingerprintMemory
	observe      Observer
	now          func() time.Time
	log          *slog.Logger
}

// New 创建 Arena。gate 与 tokens 可以为空。
func New(cfg Config, engine *competition.Engine, gate *risk.Gate, tracker *reputation.Tracker, tokens TokenResolver, opts ...Option) (*Arena, error) {
	if engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "竞价引擎未初始化")
	}
	if gate == nil {
		gate = risk.NewGate(nil)
	}
	if tracker == nil {
		tracker = reputation.NewTracker()
	}
	if cfg.MaxSolvers <= 0 {
		cfg.MaxSolvers = defaultMaxSolvers
	}
	a := &Arena{
		cfg:          cfg,
		engine:       engine,
		gate:         gate,
		tracker:      tracker,
		tokens:       tokens,
		fingerprints: newFingerprintMemory(cfg.FingerprintTTL, cfg.MaxRuns),
		now:          time.Now,
		log:          logger.Named("arena"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// QuoteRequest 请求单个求解者的报价。
type QuoteRequest struct {
	Intent competition.Intent `json:"intent"`
	Solver string             `json:"solver"`
}

// CompeteRequest 请求一轮完整竞价。
type CompeteRequest struct {
	Intent   competition.Intent `json:"intent"`
	Solvers  []string           `json:"solvers"`
	Override bool               `json:"override"`
}

// AnalyzeRequest 请求对既有报价单独做风险分析。
type AnalyzeRequest struct {
	Intent    competition.Intent     `json:"intent"`
	Proposals []competition.Proposal `json:"proposals"`
}

// Result 是竞价或演练的结果。Winner 与 Refusal 恰有一个非空。
type Result struct {
	RunID          string                 `json:"run_id,omitempty"`
	DryRun         bool                   `json:"dry_run"`
	Intent         competition.Intent     `json:"intent"`
	Proposals      []competition.Proposal `json:"proposals"`
	ValidProposals []competition.Proposal `json:"valid_proposals"`
	Winner         *competition.Proposal  `json:"winner"`
	WinnerLabel    risk.Label             `json:"winner_label,omitempty"`
	Override       bool                   `json:"override"`
	Refusal        *selection.Refusal     `json:"refusal,omitempty"`
	Risk           risk.Analysis          `json:"risk_analysis"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Quote 返回单个求解者的报价。未指定时使用默认求解者列表中的第一个。
func (a *Arena) Quote(ctx context.Context, req QuoteRequest) (competition.Proposal, error) {
	if err := req.Intent.Validate(); err != nil {
		return competition.Proposal{}, err
	}
	name := strings.ToLower(strings.TrimSpace(req.Solver))
	if name == "" {
		names := a.defaultSolvers()
		if len(names) == 0 {
			return competition.Proposal{}, competition.ErrNoSolvers
		}
		name = names[0]
	}
	return a.engine.Propose(ctx, req.Intent, name)
}

// Compete 执行完整竞价：生成报价、风险分析、选择优胜者并更新信誉。
func (a *Arena) Compete(ctx context.Context, req CompeteRequest) (*Result, error) {
	started := a.now()
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}
	names, err := a.solverNames(req.Solvers)
	if err != nil {
		return nil, err
	}
	proposals, err := a.engine.Run(ctx, req.Intent, names)
	if err != nil {
		return nil, err
	}
	analysis := a.gate.Analyze(ctx, req.Intent, proposals)
	outcome := a.cfg.Policy.Select(proposals, analysis, req.Override)

	res := a.result(req.Intent, proposals, analysis, outcome)
	res.RunID = uuid.NewString()

	if res.Refusal == nil {
		// 只有优胜报价的指纹可以结算。
		a.fingerprints.remember(res.RunID, []string{res.Winner.Fingerprint}, res.CreatedAt)
		a.tracker.Record(proposals, analysis, res.Winner.Solver, res.CreatedAt)
		logger.Audit().Info("competition_winner",
			slog.String("run_id", res.RunID),
			slog.String("winner", res.Winner.Solver),
			slog.String("label", string(res.WinnerLabel)),
			slog.Bool("override", res.Override),
			slog.String("fingerprint", res.Winner.Fingerprint),
			slog.String("expected_output", res.Winner.ExpectedOutput.String()),
		)
	} else {
		a.log.Info("竞价被拒绝",
			slog.String("run_id", res.RunID),
			slog.String("reason", res.Refusal.Reason),
			slog.Int("valid", len(res.ValidProposals)),
		)
	}
	a.appendHistory(ctx, res)
	if a.observe != nil {
		a.observe(outcomeLabel(res), a.now().Sub(started))
	}
	return res, nil
}

// Simulate 演练一轮竞价：不调用风险闸门，不更新信誉，不签发可结算的指纹。
func (a *Arena) Simulate(ctx context.Context, req CompeteRequest) (*Result, error) {
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}
	names, err := a.solverNames(req.Solvers)
	if err != nil {
		return nil, err
	}
	proposals, err := a.engine.Run(ctx, req.Intent, names)
	if err != nil {
		return nil, err
	}
	analysis := risk.Unanalyzed(proposals, simulationRiskNote)
	outcome := a.cfg.Policy.Select(proposals, analysis, false)
	res := a.result(req.Intent, proposals, analysis, outcome)
	res.DryRun = true
	return res, nil
}

// Analyze 对调用方提供的报价单独做风险标注。
func (a *Arena) Analyze(ctx context.Context, req AnalyzeRequest) (risk.Analysis, error) {
	if err := req.Intent.Validate(); err != nil {
		return risk.Analysis{}, err
	}
	if len(req.Proposals) == 0 {
		return risk.Analysis{}, xerrors.New(competition.CodeInvalidRequest, "proposals 不能为空",
			xerrors.WithMetadata("field", "proposals"))
	}
	if len(req.Proposals) > a.cfg.MaxSolvers {
		return risk.Analysis{}, xerrors.New(competition.CodeInvalidRequest,
			fmt.Sprintf("最多分析 %d 个报价", a.cfg.MaxSolvers), xerrors.WithMetadata("field", "proposals"))
	}
	for i, p := range req.Proposals {
		if strings.TrimSpace(p.Solver) == "" {
			return risk.Analysis{}, xerrors.New(competition.CodeInvalidRequest,
				fmt.Sprintf("第 %d 个报价缺少 solver", i), xerrors.WithMetadata("field", "proposals"))
		}
	}
	return a.gate.Analyze(ctx, req.Intent, req.Proposals), nil
}

// ResolvePrice 返回代币地址对应的元数据与 USD 价格。
func (a *Arena) ResolvePrice(ctx context.Context, address string) (pricing.TokenInfo, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return pricing.TokenInfo{}, xerrors.New(competition.CodeInvalidRequest,
			fmt.Sprintf("非法的代币地址 %q", address), xerrors.WithMetadata("field", "address"))
	}
	if a.tokens == nil {
		return pricing.TokenInfo{}, xerrors.New(xerrors.CodeUnavailable, "未配置代币解析器")
	}
	return a.tokens.TokenMetadata(ctx, address)
}

// SearchTokens 按名称、符号或地址搜索候选代币。
func (a *Arena) SearchTokens(ctx context.Context, query string) ([]pricing.TokenInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(query) > maxSearchQueryLen {
		return nil, xerrors.New(competition.CodeInvalidRequest,
			fmt.Sprintf("查询长度必须在 1 到 %d 之间", maxSearchQueryLen), xerrors.WithMetadata("field", "q"))
	}
	if a.tokens == nil {
		return []pricing.TokenInfo{}, nil
	}
	return a.tokens.SearchTokens(ctx, query), nil
}

// Reputation 返回按胜率排序的求解者信誉。
func (a *Arena) Reputation() []reputation.Record {
	return a.tracker.Ranked()
}

// History 返回最近的竞价记录。
func (a *Arena) History(ctx context.Context, limit int) ([]competition.Record, error) {
	if a.history == nil {
		return []competition.Record{}, nil
	}
	return a.history.Recent(ctx, competition.NormalizeLimit(limit))
}

// Solvers 返回已注册的求解者画像名称。
func (a *Arena) Solvers() []string {
	return a.engine.Profiles().Names()
}

// VerifyFingerprint 判断指纹是否由指定轮次签发且仍在有效期内。
func (a *Arena) VerifyFingerprint(runID, fingerprint string) bool {
	return a.fingerprints.verify(runID, fingerprint, a.now())
}

// Sweep 清理过期的指纹记录，返回清理数量。
func (a *Arena) Sweep() int {
	return a.fingerprints.sweep(a.now())
}

func (a *Arena) defaultSolvers() []string {
	if len(a.cfg.DefaultSolvers) > 0 {
		return a.cfg.DefaultSolvers
	}
	return a.engine.Profiles().Names()
}

// solverNames 规范化求解者列表：小写、去重、保持顺序。
func (a *Arena) solverNames(requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = a.defaultSolvers()
	}
	seen := make(map[string]struct{}, len(requested))
	names := make([]string, 0, len(requested))
	for _, raw := range requested {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			return nil, xerrors.New(competition.CodeInvalidRequest, "求解者名称不能为空",
				xerrors.WithMetadata("field", "solvers"))
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, competition.ErrNoSolvers
	}
	if len(names) > a.cfg.MaxSolvers {
		return nil, xerrors.New(competition.CodeInvalidRequest,
			fmt.Sprintf("单轮最多 %d 个求解者", a.cfg.MaxSolvers), xerrors.WithMetadata("field", "solvers"))
	}
	return names, nil
}

func (a *Arena) result(intent competition.Intent, proposals []competition.Proposal, analysis risk.Analysis, outcome selection.Outcome) *Result {
	return &Result{
		Intent:         intent,
		Proposals:      proposals,
		ValidProposals: outcome.ValidProposals,
		Winner:         outcome.Winner,
		WinnerLabel:    outcome.WinnerLabel,
		Override:       outcome.Override,
		Refusal:        outcome.Refusal,
		Risk:           analysis,
		CreatedAt:      a.now(),
	}
}

func (a *Arena) appendHistory(ctx context.Context, res *Result) {
	if a.history == nil {
		return
	}
	rec := competition.Record{
		RunID:        res.RunID,
		TokenIn:      res.Intent.TokenIn,
		TokenOut:     res.Intent.TokenOut,
		AmountIn:     res.Intent.AmountIn,
		Solvers:      len(res.Proposals),
		ValidCount:   len(res.ValidProposals),
		OverrideUsed: res.Override,
		RiskAnalyzed: res.Risk.Analyzed,
		CreatedAt:    res.CreatedAt,
	}
	if res.Winner != nil {
		rec.Winner = res.Winner.Solver
		rec.WinnerOutput = res.Winner.ExpectedOutput
		rec.Fingerprint = res.Winner.Fingerprint
	}
	if res.Refusal != nil {
		rec.RefusalReason = res.Refusal.Reason
	}
	if err := a.history.Append(context.WithoutCancel(ctx), rec); err != nil {
		a.log.Warn("写入竞价历史失败", slog.String("run_id", res.RunID), slog.Any("error", err))
	}
}

func outcomeLabel(res *Result) string {
	switch {
	case res.Refusal != nil:
		return "refused_" + res.Refusal.Reason
	case res.Override:
		return "override"
	default:
		return "winner"
	}
}
