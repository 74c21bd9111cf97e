package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/internal/escrow"
	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/observability/alerting"
	"IntentArena/pkg/logger"
)

// DefaultMaxFeeBps 是协议费率的默认上限（1%）。
const DefaultMaxFeeBps uint32 = 100

const bpsDenominator = 10_000

// Config 描述账本的初始管理状态。
type Config struct {
	Owner           common.Address
	EscrowAccount   common.Address
	FeeRecipient    common.Address
	FeeBps          uint32
	MaxFeeBps       uint32
	ApprovedSolvers []common.Address
}

// Recorder 接收账本操作结果，用于指标统计。
type Recorder interface {
	LedgerOperation(op string, err error)
}

// Option 自定义账本行为。
type Option func(*Ledger)

// WithClock 替换时间来源，便于测试截止时间边界。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithRecorder 注入指标记录器。
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		l.recorder = r
	}
}

// WithAlertDispatcher 在托管资金与意图状态不一致时发出告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(l *Ledger) {
		l.alerter = d
	}
}

// Ledger 托管意图资金，并在满足约束时原子地完成结算。
type Ledger struct {
	settler  escrow.Settler
	store    Store
	sink     EventSink
	recorder Recorder
	alerter  alerting.Dispatcher
	log      *slog.Logger
	now      func() time.Time

	locks intentLocks
	seq   atomic.Uint64

	adminMu      sync.RWMutex
	owner        common.Address
	escrowAcct   common.Address
	feeRecipient common.Address
	feeBps       uint32
	maxFeeBps    uint32
	approved     map[common.Address]bool
}

// New 创建账本实例。sink 可以为空。
func New(cfg Config, settler escrow.Settler, store Store, sink EventSink, opts ...Option) (*Ledger, error) {
	if settler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本缺少结算器")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本缺少存储")
	}
	if cfg.Owner == (common.Address{}) || cfg.EscrowAccount == (common.Address{}) || cfg.FeeRecipient == (common.Address{}) {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, ErrZeroAddress, "账本管理地址不能为空")
	}
	if cfg.MaxFeeBps == 0 {
		cfg.MaxFeeBps = DefaultMaxFeeBps
	}
	if cfg.FeeBps > cfg.MaxFeeBps {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, ErrFeeTooHigh, "初始费率超过上限")
	}

	l := &Ledger{
		settler:      settler,
		store:        store,
		sink:         sink,
		log:          logger.Named("ledger"),
		now:          time.Now,
		locks:        intentLocks{held: make(map[uint64]struct{})},
		owner:        cfg.Owner,
		escrowAcct:   cfg.EscrowAccount,
		feeRecipient: cfg.FeeRecipient,
		feeBps:       cfg.FeeBps,
		maxFeeBps:    cfg.MaxFeeBps,
		approved:     make(map[common.Address]bool, len(cfg.ApprovedSolvers)),
	}
	for _, solver := range cfg.ApprovedSolvers {
		l.approved[solver] = true
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Create 校验参数，把 amountIn 从调用方转入托管账户并登记新意图。
func (l *Ledger) Create(ctx context.Context, caller common.Address, params CreateParams) (intent *Intent, err error) {
	defer func() { l.record("create", err) }()

	now := l.now().Unix()
	if err := validateCreate(params, now); err != nil {
		return nil, err
	}

	intent = &Intent{
		Owner:          caller,
		TokenIn:        escrow.NormalizeAsset(params.TokenIn),
		TokenOut:       escrow.NormalizeAsset(params.TokenOut),
		AmountIn:       cloneInt(params.AmountIn),
		MinAmountOut:   cloneInt(params.MinAmountOut),
		MaxSlippageBps: params.MaxSlippageBps,
		MaxGasCost:     cloneInt(params.MaxGasCost),
		Deadline:       params.Deadline,
		Status:         StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if intent.MaxGasCost == nil {
		intent.MaxGasCost = new(big.Int)
	}

	escrowAcct := l.escrowAccount()
	deposit := []escrow.Leg{{Asset: intent.TokenIn, From: caller, To: escrowAcct, Amount: intent.AmountIn}}
	if err := l.settler.Apply(ctx, deposit); err != nil {
		return nil, xerrors.Wrap(CodeSettlementFailed, err, "托管资金转入失败")
	}

	if err := l.store.Insert(ctx, intent); err != nil {
		refund := []escrow.Leg{{Asset: intent.TokenIn, From: escrowAcct, To: caller, Amount: intent.AmountIn}}
		if rerr := l.settler.Apply(context.WithoutCancel(ctx), refund); rerr != nil {
			l.log.Error("登记意图失败后退款失败", "owner", caller.Hex(), "error", rerr)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记意图失败")
	}

	l.emit(ctx, createdEvent(intent))
	l.log.Info("意图已创建", "intent_id", intent.ID, "owner", caller.Hex(), "token_in", intent.TokenIn, "token_out", intent.TokenOut)
	return intent.Clone(), nil
}

func validateCreate(p CreateParams, now int64) error {
	switch {
	case strings.TrimSpace(p.TokenIn) == "" || strings.TrimSpace(p.TokenOut) == "":
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "资产标识不能为空")
	case p.AmountIn == nil || p.AmountIn.Sign() <= 0:
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "amount_in 必须为正数")
	case p.MinAmountOut == nil || p.MinAmountOut.Sign() <= 0:
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "min_amount_out 必须为正数")
	case p.MaxSlippageBps > MaxSlippageBps:
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "max_slippage_bps 超过 10000")
	case p.MaxGasCost != nil && p.MaxGasCost.Sign() < 0:
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "max_gas_cost 不能为负数")
	case p.Deadline <= now:
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "deadline 必须晚于当前时间")
	}
	return nil
}

// Fill 由已批准的求解者履约：拉取输出资产，扣除协议费后支付给意图所有者，
// 并把托管的输入资产释放给求解者。任一转账失败则状态回滚。
func (l *Ledger) Fill(ctx context.Context, caller common.Address, id uint64, declaredOut *big.Int, fingerprint []byte) (err error) {
	defer func() { l.record("fill", err) }()

	release, ok := l.locks.acquire(id)
	if !ok {
		return ErrReentrantCall
	}
	defer release()

	if !l.IsApproved(caller) {
		return ErrSolverNotApproved
	}
	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if intent.Status != StatusOpen {
		return ErrInvalidStatus
	}
	now := l.now().Unix()
	if now > intent.Deadline {
		return ErrDeadlinePassed
	}
	if declaredOut == nil || declaredOut.Cmp(intent.MinAmountOut) < 0 {
		return ErrOutputTooLow
	}

	escrowAcct, feeRecipient, feeBps := l.feeSnapshot()
	fee := FeeFor(declaredOut, feeBps)
	payout := new(big.Int).Sub(declaredOut, fee)

	next := intent.Clone()
	next.Status = StatusFilled
	next.Winner = caller
	next.AmountOut = cloneInt(declaredOut)
	next.Fingerprint = append([]byte(nil), fingerprint...)
	next.UpdatedAt = now

	legs := []escrow.Leg{
		{Asset: intent.TokenOut, From: caller, To: escrowAcct, Amount: cloneInt(declaredOut)},
		{Asset: intent.TokenOut, From: escrowAcct, To: intent.Owner, Amount: payout},
		{Asset: intent.TokenOut, From: escrowAcct, To: feeRecipient, Amount: fee},
		{Asset: intent.TokenIn, From: escrowAcct, To: caller, Amount: cloneInt(intent.AmountIn)},
	}
	if err := l.settle(ctx, intent, next, legs); err != nil {
		return err
	}

	l.emit(ctx, Event{
		Type:         EventIntentFilled,
		IntentID:     id,
		Owner:        intent.Owner,
		Filler:       caller,
		AmountOut:    cloneInt(declaredOut),
		Fee:          fee,
		FeeRecipient: feeRecipient,
		Fingerprint:  next.Fingerprint,
	})
	logger.Audit().Info("intent_filled",
		"intent_id", id,
		"filler", caller.Hex(),
		"amount_out", declaredOut.String(),
		"fee", fee.String(),
	)
	return nil
}

// FeeFor 计算协议费：floor(amount * bps / 10000)。
func FeeFor(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || bps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Quo(fee, big.NewInt(bpsDenominator))
}

// Cancel 由意图所有者在意图仍开放时取消并取回托管资金。
func (l *Ledger) Cancel(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { l.record("cancel", err) }()

	release, ok := l.locks.acquire(id)
	if !ok {
		return ErrReentrantCall
	}
	defer release()

	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if intent.Owner != caller {
		return ErrNotIntentOwner
	}
	if intent.Status != StatusOpen {
		return ErrInvalidStatus
	}
	if err := l.refund(ctx, intent, StatusCancelled); err != nil {
		return err
	}
	l.emit(ctx, Event{Type: EventIntentCancelled, IntentID: id, Owner: intent.Owner})
	return nil
}

// MarkExpired 允许任何人在截止时间之后把开放意图标记为过期并退还资金。
func (l *Ledger) MarkExpired(ctx context.Context, id uint64) (err error) {
	defer func() { l.record("expire", err) }()

	release, ok := l.locks.acquire(id)
	if !ok {
		return ErrReentrantCall
	}
	defer release()

	intent, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if intent.Status != StatusOpen {
		return ErrInvalidStatus
	}
	if l.now().Unix() <= intent.Deadline {
		return xerrors.Wrap(CodeInvalidIntent, ErrInvalidIntent, "意图尚未到期")
	}
	if err := l.refund(ctx, intent, StatusExpired); err != nil {
		return err
	}
	l.emit(ctx, Event{Type: EventIntentExpired, IntentID: id, Owner: intent.Owner})
	return nil
}

func (l *Ledger) refund(ctx context.Context, intent *Intent, status Status) error {
	next := intent.Clone()
	next.Status = status
	next.UpdatedAt = l.now().Unix()
	legs := []escrow.Leg{{Asset: intent.TokenIn, From: l.escrowAccount(), To: intent.Owner, Amount: cloneInt(intent.AmountIn)}}
	return l.settle(ctx, intent, next, legs)
}

// settle 先以条件更新写入新状态，再执行转账；转账失败时恢复原记录。
func (l *Ledger) settle(ctx context.Context, prev, next *Intent, legs []escrow.Leg) error {
	if err := l.store.Transition(ctx, StatusOpen, next); err != nil {
		if stdErrors.Is(err, ErrStatusConflict) {
			return ErrInvalidStatus
		}
		return err
	}
	if err := l.settler.Apply(ctx, legs); err != nil {
		if rerr := l.store.Transition(context.WithoutCancel(ctx), next.Status, prev); rerr != nil {
			return l.escrowStuck(ctx, prev, next.Status, err, rerr)
		}
		return xerrors.Wrap(CodeSettlementFailed, err, fmt.Sprintf("意图 %d 结算失败", prev.ID))
	}
	return nil
}

// escrowStuck 处理转账失败且无法恢复原状态的情况：意图停在终态而资金未动。
func (l *Ledger) escrowStuck(ctx context.Context, prev *Intent, status Status, applyErr, restoreErr error) error {
	id := strconv.FormatUint(prev.ID, 10)
	stuck := xerrors.Wrap(CodeEscrowStuck, stdErrors.Join(applyErr, restoreErr),
		fmt.Sprintf("意图 %d 状态已变为 %s 但托管资金未转移", prev.ID, status),
		xerrors.WithMetadata("intent_id", id),
		xerrors.WithMetadata("status", string(status)),
	)
	l.log.Error("结算失败后恢复意图状态失败", xerrors.LogAttrs(stuck)...)
	if l.alerter == nil {
		return stuck
	}
	metadata := map[string]string{
		"intent_id": id,
		"status":    string(status),
		"asset":     prev.TokenIn,
		"amount":    prev.AmountIn.String(),
		"owner":     prev.Owner.Hex(),
	}
	event := alerting.Event{
		Code:       CodeEscrowStuck,
		Message:    stuck.Error(),
		Severity:   xerrors.SeverityCritical,
		Subject:    "intent/" + id,
		Metadata:   metadata,
		OccurredAt: l.now(),
	}
	if err := l.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		l.log.Error("告警通知失败", "intent_id", id, "error", err)
	}
	return stuck
}

// Get 返回意图快照。
func (l *Ledger) Get(ctx context.Context, id uint64) (*Intent, error) {
	return l.store.Get(ctx, id)
}

// List 返回符合条件的意图。
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]*Intent, error) {
	return l.store.List(ctx, opts)
}

// IsApproved 判断求解者是否在白名单中。
func (l *Ledger) IsApproved(solver common.Address) bool {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.approved[solver]
}

// Owner 返回当前管理员地址。
func (l *Ledger) Owner() common.Address {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.owner
}

// FeeBps 返回当前协议费率。
func (l *Ledger) FeeBps() uint32 {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.feeBps
}

// FeeRecipient 返回协议费接收地址。
func (l *Ledger) FeeRecipient() common.Address {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.feeRecipient
}

// EscrowAccount 返回托管账户地址。
func (l *Ledger) EscrowAccount() common.Address {
	return l.escrowAccount()
}

// SetSolverApproval 由管理员维护求解者白名单。
func (l *Ledger) SetSolverApproval(ctx context.Context, caller, solver common.Address, approved bool) (err error) {
	defer func() { l.record("set_solver", err) }()
	if solver == (common.Address{}) {
		return ErrZeroAddress
	}
	l.adminMu.Lock()
	if caller != l.owner {
		l.adminMu.Unlock()
		return ErrNotOwner
	}
	if approved {
		l.approved[solver] = true
	} else {
		delete(l.approved, solver)
	}
	l.adminMu.Unlock()

	l.emit(ctx, Event{Type: EventSolverApprovalUpdated, Account: solver, Approved: approved})
	logger.Audit().Info("solver_approval_updated", "solver", solver.Hex(), "approved", approved, "by", caller.Hex())
	return nil
}

// SetFeeBps 更新协议费率，不得超过上限。
func (l *Ledger) SetFeeBps(ctx context.Context, caller common.Address, bps uint32) (err error) {
	defer func() { l.record("set_fee", err) }()
	l.adminMu.Lock()
	if caller != l.owner {
		l.adminMu.Unlock()
		return ErrNotOwner
	}
	if bps > l.maxFeeBps {
		l.adminMu.Unlock()
		return xerrors.Wrap(CodeFeeTooHigh, ErrFeeTooHigh, fmt.Sprintf("费率 %d 超过上限 %d", bps, l.maxFeeBps))
	}
	l.feeBps = bps
	l.adminMu.Unlock()

	l.emit(ctx, Event{Type: EventFeeBpsUpdated, FeeBps: bps})
	logger.Audit().Info("fee_bps_updated", "fee_bps", bps, "by", caller.Hex())
	return nil
}

// SetFeeRecipient 更新协议费接收地址。
func (l *Ledger) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) (err error) {
	defer func() { l.record("set_fee_recipient", err) }()
	l.adminMu.Lock()
	if caller != l.owner {
		l.adminMu.Unlock()
		return ErrNotOwner
	}
	if recipient == (common.Address{}) {
		l.adminMu.Unlock()
		return ErrZeroAddress
	}
	prev := l.feeRecipient
	l.feeRecipient = recipient
	l.adminMu.Unlock()

	l.emit(ctx, Event{Type: EventFeeRecipientUpdated, Account: recipient, Previous: prev})
	logger.Audit().Info("fee_recipient_updated", "recipient", recipient.Hex(), "by", caller.Hex())
	return nil
}

// TransferOwnership 转移管理员权限。
func (l *Ledger) TransferOwnership(ctx context.Context, caller, next common.Address) (err error) {
	defer func() { l.record("transfer_ownership", err) }()
	l.adminMu.Lock()
	if caller != l.owner {
		l.adminMu.Unlock()
		return ErrNotOwner
	}
	if next == (common.Address{}) {
		l.adminMu.Unlock()
		return ErrZeroAddress
	}
	prev := l.owner
	l.owner = next
	l.adminMu.Unlock()

	l.emit(ctx, Event{Type: EventOwnershipTransferred, Account: next, Previous: prev})
	logger.Audit().Info("ownership_transferred", "previous", prev.Hex(), "owner", next.Hex())
	return nil
}

func (l *Ledger) escrowAccount() common.Address {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.escrowAcct
}

func (l *Ledger) feeSnapshot() (common.Address, common.Address, uint32) {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.escrowAcct, l.feeRecipient, l.feeBps
}

func (l *Ledger) emit(ctx context.Context, ev Event) {
	ev.Sequence = l.seq.Add(1)
	ev.Timestamp = l.now().Unix()
	if l.sink == nil {
		return
	}
	if err := l.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		l.log.Warn("发布账本事件失败", "type", ev.Type, "intent_id", ev.IntentID, "error", err)
	}
}

func (l *Ledger) record(op string, err error) {
	if l.recorder != nil {
		l.recorder.LedgerOperation(op, err)
	}
}

// intentLocks 保证同一意图上至多一个进行中的状态变更，嵌套或并发进入直接失败。
type intentLocks struct {
	mu   sync.Mutex
	held map[uint64]struct{}
}

func (l *intentLocks) acquire(id uint64) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false
	}
	l.held[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, true
}
