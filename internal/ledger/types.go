package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "IntentArena/internal/errors"
)

// Status 表示意图在生命周期中的状态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// MaxSlippageBps 是滑点容忍度的上限（100%）。
const MaxSlippageBps = 10_000

// Intent 是账本托管资金的最小单位。
type Intent struct {
	ID             uint64         `json:"id"`
	Owner          common.Address `json:"owner"`
	TokenIn        string         `json:"token_in"`
	TokenOut       string         `json:"token_out"`
	AmountIn       *big.Int       `json:"amount_in"`
	MinAmountOut   *big.Int       `json:"min_amount_out"`
	MaxSlippageBps uint32         `json:"max_slippage_bps"`
	MaxGasCost     *big.Int       `json:"max_gas_cost"`
	Deadline       int64          `json:"deadline"`
	Status         Status         `json:"status"`
	Winner         common.Address `json:"winner,omitempty"`
	AmountOut      *big.Int       `json:"amount_out,omitempty"`
	Fingerprint    hexutil.Bytes  `json:"fingerprint,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Clone 返回深拷贝，避免调用方修改账本内部状态。
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	c.AmountIn = cloneInt(i.AmountIn)
	c.MinAmountOut = cloneInt(i.MinAmountOut)
	c.MaxGasCost = cloneInt(i.MaxGasCost)
	c.AmountOut = cloneInt(i.AmountOut)
	if i.Fingerprint != nil {
		c.Fingerprint = append(hexutil.Bytes(nil), i.Fingerprint...)
	}
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// CreateParams 是创建意图时调用方提供的参数。
type CreateParams struct {
	TokenIn        string   `json:"token_in"`
	TokenOut       string   `json:"token_out"`
	AmountIn       *big.Int `json:"amount_in"`
	MinAmountOut   *big.Int `json:"min_amount_out"`
	MaxSlippageBps uint32   `json:"max_slippage_bps"`
	MaxGasCost     *big.Int `json:"max_gas_cost"`
	Deadline       int64    `json:"deadline"`
}

const (
	CodeInvalidIntent     xerrors.Code = "INVALID_INTENT"
	CodeSolverNotApproved xerrors.Code = "SOLVER_NOT_APPROVED"
	CodeInvalidStatus     xerrors.Code = "INVALID_STATUS"
	CodeDeadlinePassed    xerrors.Code = "DEADLINE_PASSED"
	CodeOutputTooLow      xerrors.Code = "OUTPUT_TOO_LOW"
	CodeNotIntentOwner    xerrors.Code = "NOT_INTENT_OWNER"
	CodeNotOwner          xerrors.Code = "NOT_OWNER"
	CodeFeeTooHigh        xerrors.Code = "FEE_TOO_HIGH"
	CodeZeroAddress       xerrors.Code = "ZERO_ADDRESS"
	CodeReentrantCall     xerrors.Code = "REENTRANT_CALL"
	CodeIntentNotFound    xerrors.Code = "INTENT_NOT_FOUND"
	CodeSettlementFailed  xerrors.Code = "SETTLEMENT_FAILED"
	CodeEscrowStuck       xerrors.Code = "ESCROW_STUCK"
)

var (
	ErrInvalidIntent     = xerrors.New(CodeInvalidIntent, "invalid intent")
	ErrSolverNotApproved = xerrors.New(CodeSolverNotApproved, "solver not approved")
	ErrInvalidStatus     = xerrors.New(CodeInvalidStatus, "intent is not open")
	ErrDeadlinePassed    = xerrors.New(CodeDeadlinePassed, "intent deadline passed")
	ErrOutputTooLow      = xerrors.New(CodeOutputTooLow, "declared output below minimum")
	ErrNotIntentOwner    = xerrors.New(CodeNotIntentOwner, "caller is not the intent owner")
	ErrNotOwner          = xerrors.New(CodeNotOwner, "caller is not the ledger owner")
	ErrFeeTooHigh        = xerrors.New(CodeFeeTooHigh, "fee exceeds cap")
	ErrZeroAddress       = xerrors.New(CodeZeroAddress, "zero address")
	ErrReentrantCall     = xerrors.New(CodeReentrantCall, "intent operation already in flight")
	ErrIntentNotFound    = xerrors.New(CodeIntentNotFound, "intent not found")
	ErrSettlementFailed  = xerrors.New(CodeSettlementFailed, "settlement failed")
	ErrEscrowStuck       = xerrors.New(CodeEscrowStuck, "intent status diverged from escrow")
)

func init() {
	invariant := func(code xerrors.Code, msg string) {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Class:    xerrors.ClassInvariant,
			Severity: xerrors.SeverityInfo,
		})
	}
	xerrors.Register(CodeInvalidIntent, xerrors.Attributes{
		Message:  "invalid intent",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIntentNotFound, xerrors.Attributes{
		Message:  "intent not found",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
	invariant(CodeSolverNotApproved, "solver not approved")
	invariant(CodeInvalidStatus, "intent is not open")
	invariant(CodeDeadlinePassed, "intent deadline passed")
	invariant(CodeOutputTooLow, "declared output below minimum")
	invariant(CodeNotIntentOwner, "caller is not the intent owner")
	invariant(CodeNotOwner, "caller is not the ledger owner")
	invariant(CodeFeeTooHigh, "fee exceeds cap")
	invariant(CodeZeroAddress, "zero address")
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:   "intent operation already in flight",
		Class:     xerrors.ClassInvariant,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:  "settlement failed",
		Class:    xerrors.ClassInvariant,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	// 转账失败且状态无法回滚：记录已终结但资金仍在托管账户，需要人工处理。
	xerrors.Register(CodeEscrowStuck, xerrors.Attributes{
		Message:  "intent status diverged from escrow",
		Class:    xerrors.ClassInternal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
