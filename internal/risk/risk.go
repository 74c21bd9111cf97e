package risk

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"IntentArena/internal/competition"
	"IntentArena/pkg/logger"
)

// Label 是单个报价的风险标签。
type Label string

const (
	LabelSafe       Label = "safe"
	LabelCaution    Label = "caution"
	LabelDanger     Label = "danger"
	LabelUnanalyzed Label = "unanalyzed"
)

// ParseLabel 解析分类器给出的标签，无法识别的值视为 caution。
func ParseLabel(v string) Label {
	switch Label(strings.ToLower(strings.TrimSpace(v))) {
	case LabelSafe:
		return LabelSafe
	case LabelDanger:
		return LabelDanger
	default:
		return LabelCaution
	}
}

// DefaultTimeout 是单次风险分析的超时时间。
const DefaultTimeout = 8 * time.Second

// Outcomes reported to the observer.
const (
	OutcomeAnalyzed     = "analyzed"
	OutcomeUnconfigured = "unconfigured"
	OutcomeTimeout      = "timeout"
	OutcomeError        = "error"
)

// Verdict 是分类器的原始输出，按求解者名称索引。
type Verdict struct {
	Labels         map[string]Label
	Reasons        map[string]string
	Recommendation string
	Model          string
}

// Classifier 是外部风险分类器。
type Classifier interface {
	Classify(ctx context.Context, intent competition.Intent, proposals []competition.Proposal) (Verdict, error)
}

// Assessment 是单个报价的风险结论。
type Assessment struct {
	Solver string `json:"solver"`
	Label  Label  `json:"label"`
	Reason string `json:"reason,omitempty"`
}

// Analysis 是风险闸门对整组报价的结论。
type Analysis struct {
	Analyzed       bool         `json:"analyzed"`
	Assessments    []Assessment `json:"assessments"`
	Recommendation string       `json:"recommendation,omitempty"`
	Note           string       `json:"note,omitempty"`
	Model          string       `json:"model,omitempty"`
}

// LabelFor 返回求解者的标签。分析完成但缺少该求解者时返回 caution，而不是 safe。
func (a Analysis) LabelFor(solver string) Label {
	for _, as := range a.Assessments {
		if as.Solver == solver {
			return as.Label
		}
	}
	if !a.Analyzed {
		return LabelUnanalyzed
	}
	return LabelCaution
}

// Unanalyzed 构造全部标记为 unanalyzed 的结论。
func Unanalyzed(proposals []competition.Proposal, note string) Analysis {
	out := Analysis{Note: note, Assessments: make([]Assessment, len(proposals))}
	for i, p := range proposals {
		out.Assessments[i] = Assessment{Solver: p.Solver, Label: LabelUnanalyzed}
	}
	return out
}

// GateOption 自定义风险闸门。
type GateOption func(*Gate)

// WithTimeout 设置分析超时。
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithObserver 在每次分析结束后回调结果类别。
func WithObserver(fn func(outcome string)) GateOption {
	return func(g *Gate) {
		g.observe = fn
	}
}

// WithLogger 指定日志实例。
func WithLogger(log *slog.Logger) GateOption {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// Gate 调用分类器并保证永不阻塞、永不报错。
type Gate struct {
	classifier Classifier
	timeout    time.Duration
	observe    func(string)
	log        *slog.Logger
}

// NewGate 创建风险闸门。classifier 为 nil 时所有报价都标记为 unanalyzed。
func NewGate(classifier Classifier, opts ...GateOption) *Gate {
	g := &Gate{
		classifier: classifier,
		timeout:    DefaultTimeout,
		log:        logger.Named("risk"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Configured 报告是否配置了分类器。
func (g *Gate) Configured() bool {
	return g != nil && g.classifier != nil
}

// Analyze 为每个报价给出风险标签。分类器不可用、超时或出错时返回 unanalyzed 结论。
func (g *Gate) Analyze(ctx context.Context, intent competition.Intent, proposals []competition.Proposal) Analysis {
	if !g.Configured() {
		g.report(OutcomeUnconfigured)
		return Unanalyzed(proposals, "风险分类器未配置，报价未经过风险分析")
	}
	if len(proposals) == 0 {
		return Analysis{Analyzed: true, Assessments: []Assessment{}}
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		verdict Verdict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		v, err := g.classifier.Classify(cctx, intent, proposals)
		done <- result{verdict: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-cctx.Done():
		res.err = cctx.Err()
	}

	if res.err != nil {
		if stdErrors.Is(res.err, context.DeadlineExceeded) {
			g.report(OutcomeTimeout)
			g.log.Warn("风险分析超时", "timeout", g.timeout.String(), "proposals", len(proposals))
			return Unanalyzed(proposals, "风险分类器超时，报价未经过风险分析")
		}
		g.report(OutcomeError)
		g.log.Warn("风险分析失败", "error", res.err)
		return Unanalyzed(proposals, "风险分类器不可用: "+res.err.Error())
	}

	g.report(OutcomeAnalyzed)
	analysis := Analysis{
		Analyzed:       true,
		Recommendation: strings.TrimSpace(res.verdict.Recommendation),
		Model:          res.verdict.Model,
		Assessments:    make([]Assessment, len(proposals)),
	}
	for i, p := range proposals {
		label, ok := res.verdict.Labels[p.Solver]
		reason := res.verdict.Reasons[p.Solver]
		if !ok || label == LabelUnanalyzed || label == "" {
			label = LabelCaution
			if reason == "" {
				reason = "分类器未给出标签，按 caution 处理"
			}
		}
		analysis.Assessments[i] = Assessment{Solver: p.Solver, Label: label, Reason: reason}
	}
	return analysis
}

func (g *Gate) report(outcome string) {
	if g != nil && g.observe != nil {
		g.observe(outcome)
	}
}
