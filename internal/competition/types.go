package competition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/pricing"
)

const maxSlippageBps = 10_000

// Intent 是参与竞价的链下意图描述。
type Intent struct {
	TokenIn        string          `json:"token_in"`
	TokenOut       string          `json:"token_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	MinAmountOut   decimal.Decimal `json:"min_amount_out"`
	MaxSlippageBps uint32          `json:"max_slippage_bps"`
	MaxGasCostUSD  decimal.Decimal `json:"max_gas_cost_usd"`
	Deadline       int64           `json:"deadline,omitempty"`
}

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9.]{1,16}$`)

// ValidToken 判断标识是否为合法符号或 20 字节十六进制地址。
func ValidToken(token string) bool {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		return common.IsHexAddress(token)
	}
	return symbolPattern.MatchString(token)
}

// Validate 在任何下游工作之前拒绝非法输入。
func (i Intent) Validate() error {
	switch {
	case !ValidToken(i.TokenIn):
		return invalid("token_in", fmt.Sprintf("非法的代币标识 %q", i.TokenIn))
	case !ValidToken(i.TokenOut):
		return invalid("token_out", fmt.Sprintf("非法的代币标识 %q", i.TokenOut))
	case canonicalToken(i.TokenIn) == canonicalToken(i.TokenOut):
		return invalid("token_out", "输入与输出代币不能相同")
	case !i.AmountIn.IsPositive():
		return invalid("amount_in", "amount_in 必须为正数")
	case !i.MinAmountOut.IsPositive():
		return invalid("min_amount_out", "min_amount_out 必须为正数")
	case !i.MaxGasCostUSD.IsPositive():
		return invalid("max_gas_cost_usd", "max_gas_cost_usd 必须为正数")
	case i.MaxSlippageBps > maxSlippageBps:
		return invalid("max_slippage_bps", "max_slippage_bps 不能超过 10000")
	}
	return nil
}

func invalid(field, msg string) error {
	return xerrors.New(CodeInvalidRequest, msg, xerrors.WithMetadata("field", field))
}

// Constraint families reported when proposals fail deterministic checks.
const (
	ConstraintMinOutput   = "min_output"
	ConstraintCost        = "cost"
	ConstraintSlippage    = "slippage"
	ConstraintReliability = "reliability"
)

// Checks 记录四项确定性约束的结果。
type Checks struct {
	MinOutput   bool `json:"min_output"`
	Cost        bool `json:"cost"`
	Slippage    bool `json:"slippage"`
	Reliability bool `json:"reliability"`
}

// Passed 仅当全部约束通过时为真。
func (c Checks) Passed() bool {
	return c.MinOutput && c.Cost && c.Slippage && c.Reliability
}

// Failed 返回未通过的约束族。
func (c Checks) Failed() []string {
	var out []string
	if !c.MinOutput {
		out = append(out, ConstraintMinOutput)
	}
	if !c.Cost {
		out = append(out, ConstraintCost)
	}
	if !c.Slippage {
		out = append(out, ConstraintSlippage)
	}
	if !c.Reliability {
		out = append(out, ConstraintReliability)
	}
	return out
}

// PriceSource 描述报价所用价格的来源质量，取两侧中较差的一侧。
type PriceSource struct {
	Tier             pricing.Tier   `json:"tier"`
	Reliability      float64        `json:"reliability"`
	ReferenceDerived bool           `json:"reference_derived"`
	In               pricing.Source `json:"in"`
	Out              pricing.Source `json:"out"`
}

// Proposal 是单个求解者对意图的评分报价。
type Proposal struct {
	Solver          string          `json:"solver"`
	KnownSolver     bool            `json:"known_solver"`
	ExpectedOutput  decimal.Decimal `json:"expected_output"`
	ExpectedCostUSD decimal.Decimal `json:"expected_cost_usd"`
	Confidence      float64         `json:"confidence"`
	Score           float64         `json:"score"`
	Valid           bool            `json:"valid"`
	Checks          Checks          `json:"checks"`
	SlippageBps     int64           `json:"slippage_bps"`
	PriceSource     PriceSource     `json:"price_source"`
	Rationale       string          `json:"rationale"`
	Route           []string        `json:"route"`
	Fingerprint     string          `json:"fingerprint"`
	FairOutput      decimal.Decimal `json:"fair_output"`
	PriceIn         decimal.Decimal `json:"price_in_usd"`
	PriceOut        decimal.Decimal `json:"price_out_usd"`
	Bucket          uint64          `json:"bucket"`
}

const (
	CodeInvalidRequest xerrors.Code = "INVALID_REQUEST"
	CodeNoSolvers      xerrors.Code = "NO_SOLVERS"
	CodeProposalFailed xerrors.Code = "PROPOSAL_FAILED"
)

var (
	// ErrNoSolvers 表示请求没有给出任何求解者。
	ErrNoSolvers = xerrors.New(CodeNoSolvers, "no solvers requested")
	// ErrProposalFailed 表示无法构造任何报价。
	ErrProposalFailed = xerrors.New(CodeProposalFailed, "proposal could not be constructed")
)

func init() {
	xerrors.Register(CodeInvalidRequest, xerrors.Attributes{
		Message:  "invalid request",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNoSolvers, xerrors.Attributes{
		Message:  "no solvers requested",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProposalFailed, xerrors.Attributes{
		Message:   "proposal could not be constructed",
		Class:     xerrors.ClassCollaborator,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}
