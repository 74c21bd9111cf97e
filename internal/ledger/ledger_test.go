package ledger

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/internal/escrow"
	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/observability/alerting"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vault     = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	treasury  = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	trader    = common.HexToAddress("0x0000000000000000000000000000000000001234")
	solverA   = common.HexToAddress("0x000000000000000000000000000000000000a001")
	outsider  = common.HexToAddress("0x000000000000000000000000000000000000beef")
	baseClock = time.Unix(1_700_000_000, 0)
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type fixture struct {
	ledger *Ledger
	book   *escrow.Book
	store  *MemoryStore
	sink   *recordingSink
	now    time.Time
}

func newFixture(t *testing.T, feeBps uint32, settler func(*escrow.Book) escrow.Settler) *fixture {
	t.Helper()
	f := &fixture{book: escrow.NewBook(), store: NewMemoryStore(), sink: &recordingSink{}, now: baseClock}
	var s escrow.Settler = f.book
	if settler != nil {
		s = settler(f.book)
	}
	l, err := New(Config{
		Owner:           owner,
		EscrowAccount:   vault,
		FeeRecipient:    treasury,
		FeeBps:          feeBps,
		ApprovedSolvers: []common.Address{solverA},
	}, s, f.store, f.sink, WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	f.ledger = l
	if err := f.book.Mint("USDC", trader, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.book.Mint("WETH", solverA, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return f
}

func (f *fixture) create(t *testing.T) *Intent {
	t.Helper()
	intent, err := f.ledger.Create(context.Background(), trader, CreateParams{
		TokenIn:        "USDC",
		TokenOut:       "WETH",
		AmountIn:       big.NewInt(5_000),
		MinAmountOut:   big.NewInt(1_000),
		MaxSlippageBps: 50,
		Deadline:       f.now.Unix() + 600,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return intent
}

func mustBalance(t *testing.T, book *escrow.Book, asset string, account common.Address, want int64) {
	t.Helper()
	if got := book.BalanceOf(asset, account); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance %s of %s: want %d, got %s", asset, account.Hex(), want, got)
	}
}

func TestCreateEscrowsInput(t *testing.T) {
	f := newFixture(t, 0, nil)
	first := f.create(t)
	second := f.create(t)

	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected sequential ids, got %d and %d", first.ID, second.ID)
	}
	if first.Status != StatusOpen {
		t.Fatalf("unexpected status %s", first.Status)
	}
	mustBalance(t, f.book, "USDC", vault, 10_000)
	mustBalance(t, f.book, "USDC", trader, 990_000)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 0, nil)
	base := CreateParams{
		TokenIn: "USDC", TokenOut: "WETH",
		AmountIn: big.NewInt(1), MinAmountOut: big.NewInt(1),
		Deadline: f.now.Unix() + 1,
	}
	cases := map[string]func(p *CreateParams){
		"zero amount in":   func(p *CreateParams) { p.AmountIn = big.NewInt(0) },
		"zero min out":     func(p *CreateParams) { p.MinAmountOut = new(big.Int) },
		"slippage too big": func(p *CreateParams) { p.MaxSlippageBps = 10_001 },
		"deadline now":     func(p *CreateParams) { p.Deadline = f.now.Unix() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			if _, err := f.ledger.Create(context.Background(), trader, p); !stdErrors.Is(err, ErrInvalidIntent) {
				t.Fatalf("expected invalid intent, got %v", err)
			}
		})
	}
	mustBalance(t, f.book, "USDC", vault, 0)
}

func TestFillPaysOwnerFeeAndFiller(t *testing.T) {
	f := newFixture(t, 30, nil)
	intent := f.create(t)

	if err := f.ledger.Fill(context.Background(), solverA, intent.ID, big.NewInt(1_000), []byte{0xab}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	mustBalance(t, f.book, "WETH", trader, 997)
	mustBalance(t, f.book, "WETH", treasury, 3)
	mustBalance(t, f.book, "WETH", vault, 0)
	mustBalance(t, f.book, "USDC", solverA, 5_000)
	mustBalance(t, f.book, "USDC", vault, 0)

	got, err := f.ledger.Get(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFilled || got.Winner != solverA || got.AmountOut.Int64() != 1_000 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestFillChecks(t *testing.T) {
	f := newFixture(t, 0, nil)
	intent := f.create(t)
	ctx := context.Background()

	if err := f.ledger.Fill(ctx, outsider, intent.ID, big.NewInt(1_000), nil); !stdErrors.Is(err, ErrSolverNotApproved) {
		t.Fatalf("expected not approved, got %v", err)
	}
	if err := f.ledger.Fill(ctx, solverA, intent.ID, big.NewInt(999), nil); !stdErrors.Is(err, ErrOutputTooLow) {
		t.Fatalf("expected output too low, got %v", err)
	}
	if err := f.ledger.Fill(ctx, solverA, 99, big.NewInt(1_000), nil); !stdErrors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFillDeadlineBoundary(t *testing.T) {
	f := newFixture(t, 0, nil)
	onTime := f.create(t)
	late := f.create(t)

	f.now = time.Unix(onTime.Deadline, 0)
	if err := f.ledger.Fill(context.Background(), solverA, onTime.ID, big.NewInt(1_000), nil); err != nil {
		t.Fatalf("fill at deadline must succeed: %v", err)
	}
	f.now = time.Unix(late.Deadline+1, 0)
	if err := f.ledger.Fill(context.Background(), solverA, late.ID, big.NewInt(1_000), nil); !stdErrors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("expected deadline passed, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	filled := f.create(t)
	cancelled := f.create(t)
	expired := f.create(t)

	if err := f.ledger.Fill(ctx, solverA, filled.ID, big.NewInt(1_000), nil); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := f.ledger.Cancel(ctx, trader, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.ledger.MarkExpired(ctx, expired.ID); err == nil {
		t.Fatalf("expire before deadline must fail")
	}
	f.now = time.Unix(expired.Deadline, 0)
	if err := f.ledger.MarkExpired(ctx, expired.ID); !stdErrors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expire at deadline expected invalid intent, got %v", err)
	}
	mustBalance(t, f.book, "USDC", trader, 1_000_000-10_000)
	mustBalance(t, f.book, "USDC", vault, 5_000)
	f.now = time.Unix(expired.Deadline+1, 0)
	if err := f.ledger.MarkExpired(ctx, expired.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	for _, id := range []uint64{filled.ID, cancelled.ID, expired.ID} {
		if err := f.ledger.Cancel(ctx, trader, id); !stdErrors.Is(err, ErrInvalidStatus) {
			t.Fatalf("intent %d: cancel expected invalid status, got %v", id, err)
		}
		if err := f.ledger.MarkExpired(ctx, id); !stdErrors.Is(err, ErrInvalidStatus) {
			t.Fatalf("intent %d: expire expected invalid status, got %v", id, err)
		}
	}
	// 已填充的意图不能被再次填充，资金不变。
	f.now = baseClock
	if err := f.ledger.Fill(ctx, solverA, filled.ID, big.NewInt(1_000), nil); !stdErrors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	mustBalance(t, f.book, "USDC", trader, 1_000_000-5_000)
	mustBalance(t, f.book, "USDC", vault, 0)
}

func TestCancelRequiresIntentOwner(t *testing.T) {
	f := newFixture(t, 0, nil)
	intent := f.create(t)
	if err := f.ledger.Cancel(context.Background(), outsider, intent.ID); !stdErrors.Is(err, ErrNotIntentOwner) {
		t.Fatalf("expected not intent owner, got %v", err)
	}
	mustBalance(t, f.book, "USDC", vault, 5_000)
}

func TestFillRollsBackWhenFillerLacksOutput(t *testing.T) {
	f := newFixture(t, 10, nil)
	intent := f.create(t)

	err := f.ledger.Fill(context.Background(), solverA, intent.ID, big.NewInt(2_000_000), nil)
	if !stdErrors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if !stdErrors.Is(err, escrow.ErrInsufficientBalance) {
		t.Fatalf("expected wrapped insufficient balance, got %v", err)
	}

	got, _ := f.ledger.Get(context.Background(), intent.ID)
	if got.Status != StatusOpen || got.AmountOut != nil {
		t.Fatalf("intent must be restored, got %+v", got)
	}
	mustBalance(t, f.book, "USDC", vault, 5_000)
	mustBalance(t, f.book, "WETH", solverA, 1_000_000)
	for _, ev := range f.sink.snapshot() {
		if ev.Type == EventIntentFilled {
			t.Fatalf("no fill event expected after rollback")
		}
	}
}

type failingSettler struct{}

func (failingSettler) Apply(context.Context, []escrow.Leg) error {
	return stdErrors.New("token transfer reverted")
}

// stuckStore 接受离开 Open 的迁移，但拒绝回滚。
type stuckStore struct {
	*MemoryStore
}

func (s stuckStore) Transition(ctx context.Context, from Status, next *Intent) error {
	if from != StatusOpen {
		return stdErrors.New("store unavailable")
	}
	return s.MemoryStore.Transition(ctx, from, next)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestStuckEscrowRaisesAlert(t *testing.T) {
	book := escrow.NewBook()
	if err := book.Mint("USDC", trader, big.NewInt(10_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	store := stuckStore{NewMemoryStore()}
	alerts := &recordingAlerts{}
	l, err := New(Config{Owner: owner, EscrowAccount: vault, FeeRecipient: treasury}, book, store, nil,
		WithClock(func() time.Time { return baseClock }), WithAlertDispatcher(alerts))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	intent, err := l.Create(context.Background(), trader, CreateParams{
		TokenIn:      "USDC",
		TokenOut:     "WETH",
		AmountIn:     big.NewInt(5_000),
		MinAmountOut: big.NewInt(1_000),
		Deadline:     baseClock.Unix() + 600,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// 托管完成后把结算器换成总是失败的实现。
	l.settler = failingSettler{}

	err = l.Cancel(context.Background(), trader, intent.ID)
	if !stdErrors.Is(err, ErrEscrowStuck) || stdErrors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected stuck escrow error, got %v", err)
	}
	if !xerrors.ShouldAlert(err) || xerrors.SeverityOf(err) != xerrors.SeverityCritical {
		t.Fatalf("stuck escrow must be a critical alert")
	}
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	ev := alerts.events[0]
	if ev.Code != CodeEscrowStuck || ev.Metadata["intent_id"] != "1" || ev.Metadata["status"] != string(StatusCancelled) || ev.Metadata["amount"] != "5000" {
		t.Fatalf("unexpected alert %+v", ev)
	}
	mustBalance(t, book, "USDC", vault, 5_000)
}

// reentrantSettler 在转账过程中回调账本，模拟恶意代币合约。
type reentrantSettler struct {
	inner   escrow.Settler
	ledger  *Ledger
	target  uint64
	reentry error
	called  bool
}

func (r *reentrantSettler) Apply(ctx context.Context, legs []escrow.Leg) error {
	if r.ledger != nil && !r.called && r.target != 0 {
		r.called = true
		r.reentry = r.ledger.Fill(ctx, solverA, r.target, big.NewInt(1_000), nil)
	}
	return r.inner.Apply(ctx, legs)
}

func TestFillRejectsReentry(t *testing.T) {
	var settler *reentrantSettler
	f := newFixture(t, 0, func(b *escrow.Book) escrow.Settler {
		settler = &reentrantSettler{inner: b}
		return settler
	})
	intent := f.create(t)
	settler.ledger = f.ledger
	settler.target = intent.ID

	if err := f.ledger.Fill(context.Background(), solverA, intent.ID, big.NewInt(1_000), nil); err != nil {
		t.Fatalf("outer fill: %v", err)
	}
	if !stdErrors.Is(settler.reentry, ErrReentrantCall) {
		t.Fatalf("expected reentrant call, got %v", settler.reentry)
	}
	// 输出只被拉取一次。
	mustBalance(t, f.book, "WETH", solverA, 1_000_000-1_000)
	mustBalance(t, f.book, "WETH", trader, 1_000)
}

func TestFeeBounds(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	if err := f.ledger.SetFeeBps(ctx, outsider, 10); !stdErrors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := f.ledger.SetFeeBps(ctx, owner, DefaultMaxFeeBps+1); !stdErrors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected fee too high, got %v", err)
	}
	if err := f.ledger.SetFeeBps(ctx, owner, DefaultMaxFeeBps); err != nil {
		t.Fatalf("set fee at cap: %v", err)
	}

	intent := f.create(t)
	if err := f.ledger.Fill(ctx, solverA, intent.ID, big.NewInt(1_999), nil); err != nil {
		t.Fatalf("fill: %v", err)
	}
	// floor(1999 * 100 / 10000) = 19
	mustBalance(t, f.book, "WETH", treasury, 19)
	mustBalance(t, f.book, "WETH", trader, 1_980)
}

func TestZeroFeeSkipsRecipient(t *testing.T) {
	f := newFixture(t, 0, nil)
	intent := f.create(t)
	if err := f.ledger.Fill(context.Background(), solverA, intent.ID, big.NewInt(1_000), nil); err != nil {
		t.Fatalf("fill: %v", err)
	}
	mustBalance(t, f.book, "WETH", treasury, 0)
	mustBalance(t, f.book, "WETH", trader, 1_000)
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	next := common.HexToAddress("0x00000000000000000000000000000000000000a2")

	if err := f.ledger.SetFeeRecipient(ctx, owner, common.Address{}); !stdErrors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address, got %v", err)
	}
	if err := f.ledger.TransferOwnership(ctx, owner, common.Address{}); !stdErrors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address, got %v", err)
	}
	if err := f.ledger.SetSolverApproval(ctx, outsider, outsider, true); !stdErrors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := f.ledger.SetSolverApproval(ctx, owner, solverA, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.ledger.IsApproved(solverA) {
		t.Fatalf("solver should be revoked")
	}
	if err := f.ledger.TransferOwnership(ctx, owner, next); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	if err := f.ledger.SetFeeBps(ctx, owner, 5); !stdErrors.Is(err, ErrNotOwner) {
		t.Fatalf("old owner must lose rights, got %v", err)
	}
	if err := f.ledger.SetFeeBps(ctx, next, 5); err != nil {
		t.Fatalf("new owner: %v", err)
	}
}

func TestReplayRebuildsHistory(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	filled := f.create(t)
	cancelled := f.create(t)
	open := f.create(t)
	if err := f.ledger.Fill(ctx, solverA, filled.ID, big.NewInt(1_500), []byte{1, 2}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := f.ledger.Cancel(ctx, trader, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rebuilt := Replay(f.sink.snapshot())
	for _, id := range []uint64{filled.ID, cancelled.ID, open.ID} {
		stored, _ := f.ledger.Get(ctx, id)
		got := rebuilt[id]
		if got == nil || got.Status != stored.Status || got.Winner != stored.Winner {
			t.Fatalf("intent %d: replay %+v, store %+v", id, got, stored)
		}
	}
	if rebuilt[filled.ID].AmountOut.Int64() != 1_500 {
		t.Fatalf("unexpected replayed amount %s", rebuilt[filled.ID].AmountOut)
	}
}
