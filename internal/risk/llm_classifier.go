package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"IntentArena/internal/competition"
	"IntentArena/internal/llm"
)

const systemPrompt = "" +
	"You are the risk desk of an intent-based exchange. " +
	"For every solver proposal decide whether executing it is safe, caution or danger. " +
	"Consider unrealistic output versus fair value, routes through unknown venues, reference-derived prices and failed constraints. " +
	"Respond with one JSON object: " +
	`{"labels":[{"solver":string,"label":"safe"|"caution"|"danger","reason":string}],"recommendation":string}. ` +
	"Keep each reason and the recommendation to one sentence."

// LLMClassifier 通过大模型为报价打风险标签。
type LLMClassifier struct {
	client llm.Client
}

// NewLLMClassifier 创建基于大模型的分类器。
func NewLLMClassifier(client llm.Client) *LLMClassifier {
	return &LLMClassifier{client: client}
}

type proposalSummary struct {
	Solver           string   `json:"solver"`
	ExpectedOutput   string   `json:"expected_output"`
	FairOutput       string   `json:"fair_output"`
	ExpectedCostUSD  string   `json:"expected_cost_usd"`
	SlippageBps      int64    `json:"slippage_bps"`
	Confidence       float64  `json:"confidence"`
	Valid            bool     `json:"valid"`
	FailedChecks     []string `json:"failed_checks,omitempty"`
	PriceTier        string   `json:"price_tier"`
	ReferenceDerived bool     `json:"reference_derived"`
	Route            []string `json:"route"`
}

// Classify 实现 Classifier。
func (c *LLMClassifier) Classify(ctx context.Context, intent competition.Intent, proposals []competition.Proposal) (Verdict, error) {
	if c == nil || c.client == nil {
		return Verdict{}, fmt.Errorf("未配置大模型客户端")
	}
	prompt, err := buildPrompt(intent, proposals)
	if err != nil {
		return Verdict{}, err
	}
	resp, err := c.client.Complete(ctx, llm.Request{
		System:   systemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		JSON:     true,
	})
	if err != nil {
		return Verdict{}, err
	}
	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		return Verdict{}, err
	}
	verdict.Model = resp.Model
	return verdict, nil
}

func buildPrompt(intent competition.Intent, proposals []competition.Proposal) (string, error) {
	summaries := make([]proposalSummary, len(proposals))
	for i, p := range proposals {
		summaries[i] = proposalSummary{
			Solver:           p.Solver,
			ExpectedOutput:   p.ExpectedOutput.String(),
			FairOutput:       p.FairOutput.String(),
			ExpectedCostUSD:  p.ExpectedCostUSD.String(),
			SlippageBps:      p.SlippageBps,
			Confidence:       p.Confidence,
			Valid:            p.Valid,
			FailedChecks:     p.Checks.Failed(),
			PriceTier:        string(p.PriceSource.Tier),
			ReferenceDerived: p.PriceSource.ReferenceDerived,
			Route:            p.Route,
		}
	}
	encoded, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化报价失败: %w", err)
	}

	var b strings.Builder
	b.WriteString("## Intent\n")
	fmt.Fprintf(&b, "swap %s %s for at least %s %s\n", intent.AmountIn, intent.TokenIn, intent.MinAmountOut, intent.TokenOut)
	fmt.Fprintf(&b, "max slippage %d bps, max cost $%s\n", intent.MaxSlippageBps, intent.MaxGasCostUSD)
	b.WriteString("\n## Proposals\n")
	b.Write(encoded)
	b.WriteString("\n")
	return b.String(), nil
}

func parseVerdict(content string) (Verdict, error) {
	var decoded struct {
		Labels []struct {
			Solver string `json:"solver"`
			Label  string `json:"label"`
			Reason string `json:"reason"`
		} `json:"labels"`
		Recommendation string `json:"recommendation"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &decoded); err != nil {
		return Verdict{}, fmt.Errorf("解析风险分类结果失败: %w", err)
	}
	v := Verdict{
		Labels:         make(map[string]Label, len(decoded.Labels)),
		Reasons:        make(map[string]string, len(decoded.Labels)),
		Recommendation: decoded.Recommendation,
	}
	for _, item := range decoded.Labels {
		name := strings.ToLower(strings.TrimSpace(item.Solver))
		if name == "" {
			continue
		}
		v.Labels[name] = ParseLabel(item.Label)
		v.Reasons[name] = strings.TrimSpace(item.Reason)
	}
	return v, nil
}
