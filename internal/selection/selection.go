package selection

import (
	"fmt"

	"IntentArena/internal/competition"
	"IntentArena/internal/risk"
)

// Refusal reasons.
const (
	ReasonNoValidProposals  = "no_valid_proposals"
	ReasonAllValidDangerous = "all_valid_dangerous"
	ReasonOverrideDisabled  = "override_disabled"
)

// Policy 是选择策略的可配置部分。
type Policy struct {
	// AllowDangerOverride 允许调用方在全部有效报价都被判为 danger 时仍选出最佳报价。
	AllowDangerOverride bool `json:"allow_danger_override"`
}

// Refusal 是结构化的拒绝选择结果，不是错误。
type Refusal struct {
	Reason            string         `json:"reason"`
	FailedConstraints []string       `json:"failed_constraints,omitempty"`
	ConstraintCounts  map[string]int `json:"constraint_counts,omitempty"`
	Hints             []string       `json:"hints"`
}

// Outcome 是一次选择的结果，Winner 与 Refusal 恰有一个非空。
type Outcome struct {
	Winner         *competition.Proposal  `json:"winner"`
	WinnerLabel    risk.Label             `json:"winner_label,omitempty"`
	Override       bool                   `json:"override"`
	Refusal        *Refusal               `json:"refusal,omitempty"`
	ValidProposals []competition.Proposal `json:"valid_proposals"`
	SafePool       int                    `json:"safe_pool"`
}

// Select 依次执行确定性约束过滤、风险过滤与排序。
func (p Policy) Select(proposals []competition.Proposal, analysis risk.Analysis, override bool) Outcome {
	out := Outcome{ValidProposals: make([]competition.Proposal, 0, len(proposals))}
	for _, prop := range proposals {
		if prop.Valid {
			out.ValidProposals = append(out.ValidProposals, prop)
		}
	}
	if len(out.ValidProposals) == 0 {
		out.Refusal = noValidRefusal(proposals)
		return out
	}

	safe := make([]competition.Proposal, 0, len(out.ValidProposals))
	for _, prop := range out.ValidProposals {
		if analysis.LabelFor(prop.Solver) != risk.LabelDanger {
			safe = append(safe, prop)
		}
	}
	out.SafePool = len(safe)
	if best := bestOf(safe); best != nil {
		out.Winner = best
		out.WinnerLabel = analysis.LabelFor(best.Solver)
		return out
	}

	switch {
	case override && p.AllowDangerOverride:
		best := bestOf(out.ValidProposals)
		out.Winner = best
		out.WinnerLabel = risk.LabelDanger
		out.Override = true
	case override:
		out.Refusal = &Refusal{
			Reason: ReasonOverrideDisabled,
			Hints: []string{
				"全部有效报价都被判为 danger，且服务端策略禁止强制选择",
				"调整意图约束或更换求解者后重试",
			},
		}
	default:
		out.Refusal = &Refusal{
			Reason: ReasonAllValidDangerous,
			Hints: []string{
				"全部有效报价都被风险分析判为 danger",
				"检查代币地址与路由是否可信，或更换求解者",
				"确认风险后可携带 override 标志重新发起竞价",
			},
		}
	}
	return out
}

// bestOf 返回评分最高的报价，同分时取先出现者。
func bestOf(pool []competition.Proposal) *competition.Proposal {
	if len(pool) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(pool); i++ {
		if pool[i].Score > pool[best].Score {
			best = i
		}
	}
	winner := pool[best]
	return &winner
}

func noValidRefusal(proposals []competition.Proposal) *Refusal {
	counts := make(map[string]int)
	var families []string
	for _, prop := range proposals {
		for _, f := range prop.Checks.Failed() {
			if counts[f] == 0 {
				families = append(families, f)
			}
			counts[f]++
		}
	}
	hints := make([]string, 0, len(families))
	for _, f := range families {
		hints = append(hints, hintFor(f, counts[f], len(proposals)))
	}
	if len(hints) == 0 {
		hints = append(hints, "没有可评估的报价")
	}
	return &Refusal{
		Reason:            ReasonNoValidProposals,
		FailedConstraints: families,
		ConstraintCounts:  counts,
		Hints:             hints,
	}
}

func hintFor(family string, n, total int) string {
	switch family {
	case competition.ConstraintMinOutput:
		return fmt.Sprintf("%d/%d 个报价低于最小输出，考虑降低 min_amount_out", n, total)
	case competition.ConstraintCost:
		return fmt.Sprintf("%d/%d 个报价超出成本上限，考虑提高 max_gas_cost_usd", n, total)
	case competition.ConstraintSlippage:
		return fmt.Sprintf("%d/%d 个报价滑点过大，考虑放宽 max_slippage_bps", n, total)
	case competition.ConstraintReliability:
		return fmt.Sprintf("%d/%d 个报价的价格可靠性不足，稍后行情恢复时重试", n, total)
	default:
		return fmt.Sprintf("%d/%d 个报价未通过 %s", n, total, family)
	}
}
