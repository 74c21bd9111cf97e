package competition

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/pricing"
	"IntentArena/internal/solver"
	"IntentArena/pkg/logger"
)

const (
	// DefaultBucket 是报价可复现的时间桶长度。
	DefaultBucket = 30 * time.Second
	// DefaultReliabilityThreshold 是两侧价格可靠性的最低要求。
	DefaultReliabilityThreshold = 0.5

	weightPriceQuality   = 0.6
	weightCostEfficiency = 0.25
	weightConfidence     = 0.15
	priceQualitySlope    = 25.0

	outputPrecision = 12
	costPrecision   = 4
)

// PriceResolver 解析交易对两侧的 USD 价格。
type PriceResolver interface {
	ResolvePair(ctx context.Context, tokenIn, tokenOut string) (pricing.Quote, pricing.Quote, error)
}

// Option 自定义竞价引擎。
type Option func(*Engine)

// WithBucket 设置时间桶长度。
func WithBucket(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.bucket = d
		}
	}
}

// WithReliabilityThreshold 设置价格可靠性阈值。
func WithReliabilityThreshold(v float64) Option {
	return func(e *Engine) {
		if v >= 0 && v <= 1 {
			e.threshold = v
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithConcurrency 限制单次竞价的并发报价数，0 表示不限制。
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.concurrency = n
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// Engine 为每个求解者独立生成并评分报价。
type Engine struct {
	prices      PriceResolver
	profiles    *solver.Registry
	bucket      time.Duration
	threshold   float64
	concurrency int
	now         func() time.Time
	log         *slog.Logger

	pairs singleflight.Group
}

// NewEngine 创建竞价引擎。
func NewEngine(prices PriceResolver, profiles *solver.Registry, opts ...Option) *Engine {
	if profiles == nil {
		profiles = solver.NewRegistry()
	}
	e := &Engine{
		prices:    prices,
		profiles:  profiles,
		bucket:    DefaultBucket,
		threshold: DefaultReliabilityThreshold,
		now:       time.Now,
		log:       logger.Named("competition"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Profiles 返回求解者注册表。
func (e *Engine) Profiles() *solver.Registry {
	return e.profiles
}

// BucketAt 返回给定时刻所在的时间桶序号。
func (e *Engine) BucketAt(t time.Time) uint64 {
	secs := int64(e.bucket / time.Second)
	if secs < 1 {
		secs = 1
	}
	return uint64(t.Unix() / secs)
}

// Propose 为单个求解者生成报价。
func (e *Engine) Propose(ctx context.Context, intent Intent, name string) (Proposal, error) {
	if err := intent.Validate(); err != nil {
		return Proposal{}, err
	}
	in, out, err := e.resolvePair(ctx, intent)
	if err != nil {
		return Proposal{}, err
	}
	return e.build(intent, name, in, out, e.BucketAt(e.now()))
}

// Run 并发为全部求解者生成报价，结果顺序与输入一致。任一报价无法构造时整体失败。
func (e *Engine) Run(ctx context.Context, intent Intent, names []string) ([]Proposal, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoSolvers
	}
	bucket := e.BucketAt(e.now())
	proposals := make([]Proposal, len(names))

	g, gctx := errgroup.WithContext(ctx)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			in, out, err := e.resolvePair(gctx, intent)
			if err != nil {
				return err
			}
			p, err := e.build(intent, name, in, out, bucket)
			if err != nil {
				return err
			}
			proposals[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Debug("竞价报价完成", "token_in", intent.TokenIn, "token_out", intent.TokenOut, "solvers", len(names), "bucket", bucket)
	return proposals, nil
}

type pairQuotes struct {
	in, out pricing.Quote
}

// resolvePair 合并同一交易对的并发解析请求。
func (e *Engine) resolvePair(ctx context.Context, intent Intent) (pricing.Quote, pricing.Quote, error) {
	if e.prices == nil {
		return pricing.Quote{}, pricing.Quote{}, xerrors.New(CodeProposalFailed, "价格解析器未配置")
	}
	key := canonicalToken(intent.TokenIn) + "/" + canonicalToken(intent.TokenOut)
	v, err, _ := e.pairs.Do(key, func() (interface{}, error) {
		in, out, err := e.prices.ResolvePair(ctx, intent.TokenIn, intent.TokenOut)
		if err != nil {
			return nil, err
		}
		return pairQuotes{in: in, out: out}, nil
	})
	if err != nil {
		return pricing.Quote{}, pricing.Quote{}, xerrors.Wrap(CodeProposalFailed, err, "无法解析交易对价格")
	}
	pq := v.(pairQuotes)
	return pq.in, pq.out, nil
}

func (e *Engine) build(intent Intent, name string, in, out pricing.Quote, bucket uint64) (Proposal, error) {
	profile, known := e.profiles.Lookup(name)
	if !in.PriceUSD.IsPositive() || !out.PriceUSD.IsPositive() {
		return Proposal{}, xerrors.New(CodeProposalFailed, "价格必须为正数",
			xerrors.WithMetadata("token_in", in.Token), xerrors.WithMetadata("token_out", out.Token))
	}

	seed, err := seedFor(profile.Name, intent.TokenIn, intent.TokenOut, intent.AmountIn, bucket)
	if err != nil {
		return Proposal{}, xerrors.Wrap(CodeProposalFailed, err, "无法派生报价种子")
	}

	fair := intent.AmountIn.Mul(in.PriceUSD).DivRound(out.PriceUSD, outputPrecision)
	edgeBps := profile.EdgeMeanBps + profile.EdgeStdDevBps*Deviate(seed, 0)
	expected := fair.Mul(decimal.NewFromFloat(1 + edgeBps/10_000)).Round(outputPrecision)
	if expected.IsNegative() {
		expected = decimal.Zero
	}

	gas := profile.GasBaselineUSD + profile.GasJitterUSD*Deviate(seed, 1)/MaxDeviation
	cost := decimal.NewFromFloat(math.Max(0, gas)).Round(costPrecision)

	source := weakerLeg(in, out)
	confidence := clamp01(profile.ConfidenceBase*(0.5+0.5*source.Reliability) + 0.03*Deviate(seed, 2))

	slippage := impliedSlippageBps(expected, fair)
	checks := Checks{
		MinOutput:   expected.GreaterThanOrEqual(intent.MinAmountOut),
		Cost:        cost.LessThanOrEqual(intent.MaxGasCostUSD),
		Slippage:    slippage <= int64(intent.MaxSlippageBps),
		Reliability: source.Reliability >= e.threshold,
	}

	fp, err := Fingerprint(FingerprintInput{
		Solver:         profile.Name,
		TokenIn:        intent.TokenIn,
		TokenOut:       intent.TokenOut,
		AmountIn:       intent.AmountIn,
		ExpectedOutput: expected,
		ExpectedCost:   cost,
		Bucket:         bucket,
	})
	if err != nil {
		return Proposal{}, xerrors.Wrap(CodeProposalFailed, err, "无法计算执行指纹")
	}

	p := Proposal{
		Solver:          profile.Name,
		KnownSolver:     known,
		ExpectedOutput:  expected,
		ExpectedCostUSD: cost,
		Confidence:      confidence,
		Valid:           checks.Passed(),
		Checks:          checks,
		SlippageBps:     slippage,
		PriceSource:     source,
		Route:           append([]string(nil), profile.Route...),
		Fingerprint:     fp.Hex(),
		FairOutput:      fair,
		PriceIn:         in.PriceUSD,
		PriceOut:        out.PriceUSD,
		Bucket:          bucket,
	}
	p.Score = RankScore(expected, fair, cost, intent.MaxGasCostUSD, confidence)
	p.Rationale = rationale(p, intent)
	return p, nil
}

// RankScore 组合价格质量、成本效率与置信度。各分量均不饱和截断，不同输入保持严格有序。
func RankScore(expected, fair, cost, maxCost decimal.Decimal, confidence float64) float64 {
	priceQuality := 0.0
	if fair.IsPositive() {
		ratio := expected.DivRound(fair, 18).InexactFloat64()
		priceQuality = 1 / (1 + math.Exp(-priceQualitySlope*(ratio-1)))
	}
	costEfficiency := 1.0
	if denom := maxCost.Add(cost); denom.IsPositive() {
		costEfficiency = maxCost.DivRound(denom, 18).InexactFloat64()
	}
	return weightPriceQuality*priceQuality + weightCostEfficiency*costEfficiency + weightConfidence*clamp01(confidence)
}

// impliedSlippageBps 计算 max(0, 1 − expected/fair)，以基点向上取整。
func impliedSlippageBps(expected, fair decimal.Decimal) int64 {
	if !fair.IsPositive() || expected.GreaterThanOrEqual(fair) {
		return 0
	}
	shortfall := fair.Sub(expected).Mul(decimal.NewFromInt(10_000)).DivRound(fair, 8)
	return shortfall.Ceil().IntPart()
}

func weakerLeg(in, out pricing.Quote) PriceSource {
	worse := in
	if out.Reliability < in.Reliability {
		worse = out
	}
	return PriceSource{
		Tier:             worse.Tier,
		Reliability:      math.Min(in.Reliability, out.Reliability),
		ReferenceDerived: in.ReferenceDerived || out.ReferenceDerived,
		In:               in.Source,
		Out:              out.Source,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func rationale(p Proposal, intent Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s 经 %s 报价 %s %s（公允 %s），滑点 %d bps，预计成本 $%s",
		p.Solver, strings.Join(p.Route, " → "), p.ExpectedOutput.StringFixed(6), canonicalToken(intent.TokenOut),
		p.FairOutput.StringFixed(6), p.SlippageBps, p.ExpectedCostUSD.StringFixed(2))
	fmt.Fprintf(&b, "；价格来源 %s（可靠性 %.2f）", p.PriceSource.Tier, p.PriceSource.Reliability)
	if p.PriceSource.ReferenceDerived {
		b.WriteString("，基于参考价格")
	}
	if failed := p.Checks.Failed(); len(failed) > 0 {
		fmt.Fprintf(&b, "；未通过: %s", strings.Join(failed, ", "))
	}
	if !p.KnownSolver {
		b.WriteString("；未知求解者，使用默认画像")
	}
	return b.String()
}
