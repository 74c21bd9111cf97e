package settlement

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
	"IntentArena/internal/escrow"
	"IntentArena/internal/ledger"
	"IntentArena/internal/observability/alerting"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vault    = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	trader   = common.HexToAddress("0x0000000000000000000000000000000000001234")
	solverA  = common.HexToAddress("0x000000000000000000000000000000000000a001")
)

type fixture struct {
	ledger *ledger.Ledger
	book   *escrow.Book
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{book: escrow.NewBook(), now: time.Unix(1_700_000_000, 0)}
	l, err := ledger.New(ledger.Config{
		Owner:           owner,
		EscrowAccount:   vault,
		FeeRecipient:    treasury,
		FeeBps:          30,
		ApprovedSolvers: []common.Address{solverA},
	}, f.book, ledger.NewMemoryStore(), nil, ledger.WithClock(f.clock))
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

func (f *fixture) createIntent(t *testing.T) uint64 {
	t.Helper()
	intent, err := f.ledger.Create(context.Background(), trader, ledger.CreateParams{
		TokenIn:        "USDC",
		TokenOut:       "WETH",
		AmountIn:       big.NewInt(10_000),
		MinAmountOut:   big.NewInt(500),
		MaxSlippageBps: 100,
		MaxGasCost:     big.NewInt(10),
		Deadline:       f.clock().Unix() + 60,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent.ID
}

type staticVerifier map[string]string

func (v staticVerifier) VerifyFingerprint(runID, fingerprint string) bool {
	return v[runID] == fingerprint
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, svc *Service, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := svc.WaitUntilDone(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait job %s: %v", id, err)
	}
	return job
}

func TestProcessorSettlesIntent(t *testing.T) {
	f := newFixture(t)
	id := f.createIntent(t)

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	fp := "0x" + common.Bytes2Hex(make([]byte, 32))
	svc := NewService(store, queue, 3, WithVerifier(staticVerifier{"run-1": fp}))
	var settled atomic.Int32
	proc := NewProcessor(f.ledger, store, queue, queue, WithWorkerCount(2),
		WithStatusObserver(func(s Status) {
			if s == StatusSettled {
				settled.Add(1)
			}
		}))
	stop := startProcessor(t, proc)
	defer stop()

	job, err := svc.Submit(context.Background(), Request{
		IntentID:       id,
		Filler:         solverA,
		DeclaredOutput: "1000",
		Fingerprint:    fp,
		RunID:          "run-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFor(t, svc, job.ID)
	if final.Status != StatusSettled {
		t.Fatalf("expected settled, got %s (%s)", final.Status, final.LastError)
	}
	intent, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.Status != ledger.StatusFilled || intent.Winner != solverA {
		t.Fatalf("unexpected intent state %+v", intent)
	}
	// fee = floor(1000 * 30 / 10000) = 3
	if got := f.book.BalanceOf("WETH", treasury); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("fee balance = %s", got)
	}
	if settled.Load() != 1 {
		t.Fatalf("observer saw %d settlements", settled.Load())
	}
}

func TestSubmitRejectsUnknownFingerprint(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1), 3, WithVerifier(staticVerifier{"run-1": "0xaa"}))
	_, err := svc.Submit(context.Background(), Request{
		IntentID:       1,
		Filler:         solverA,
		DeclaredOutput: "10",
		Fingerprint:    "0xbb",
		RunID:          "run-1",
	})
	if !stdErrors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}
	if xerrors.ClassOf(err) != xerrors.ClassCaller {
		t.Fatalf("mismatch should be a caller error")
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	cases := []Request{
		{Filler: solverA, DeclaredOutput: "1"},
		{IntentID: 1, DeclaredOutput: "1"},
		{IntentID: 1, Filler: solverA, DeclaredOutput: "-5"},
		{IntentID: 1, Filler: solverA, DeclaredOutput: "1", Fingerprint: "zz"},
		{IntentID: 1, Filler: solverA, DeclaredOutput: "1", RunID: "r"},
	}
	for i, req := range cases {
		if _, err := svc.Submit(context.Background(), req); xerrors.CodeOf(err) != CodeJobValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestSubmitIsIdempotentByID(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	req := Request{ID: "job-1", IntentID: 7, Filler: solverA, DeclaredOutput: "5"}
	first, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || first.CreatedAt != second.CreatedAt {
		t.Fatalf("expected the same job, got %+v and %+v", first, second)
	}
}

func TestDeadlineFailureExpiresIntent(t *testing.T) {
	f := newFixture(t)
	id := f.createIntent(t)
	f.advance(2 * time.Minute)

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingAlerter{}
	svc := NewService(store, queue, 3)
	proc := NewProcessor(f.ledger, store, queue, queue,
		WithRecoveryHandler(ExpireOnDeadline{Ledger: f.ledger}),
		WithAlertDispatcher(alerts))
	stop := startProcessor(t, proc)
	defer stop()

	job, err := svc.Submit(context.Background(), Request{IntentID: id, Filler: solverA, DeclaredOutput: "1000"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFor(t, svc, job.ID)
	if final.Status != StatusFailed || final.ErrorCode != string(ledger.CodeDeadlinePassed) {
		t.Fatalf("unexpected job state %+v", final)
	}
	intent, _ := f.ledger.Get(context.Background(), id)
	if intent.Status != ledger.StatusExpired {
		t.Fatalf("intent should be expired, got %s", intent.Status)
	}
	if got := f.book.BalanceOf("USDC", trader); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("owner should be refunded, balance %s", got)
	}
	if alerts.count() == 0 {
		t.Fatalf("terminal failure should raise an alert")
	}
}

type flakyFiller struct {
	calls atomic.Int32
}

func (f *flakyFiller) Fill(context.Context, common.Address, uint64, *big.Int, []byte) error {
	if f.calls.Add(1) < 3 {
		return ledger.ErrReentrantCall
	}
	return nil
}

func TestRetryableFailureIsRequeued(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	filler := &flakyFiller{}
	svc := NewService(store, queue, 5)
	stop := startProcessor(t, NewProcessor(filler, store, queue, queue))
	defer stop()

	job, err := svc.Submit(context.Background(), Request{IntentID: 3, Filler: solverA, DeclaredOutput: "1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFor(t, svc, job.ID)
	if final.Status != StatusSettled || final.Attempts != 3 {
		t.Fatalf("expected settlement on third attempt, got %+v", final)
	}
}

func TestRetriesExhausted(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, 2)
	filler := &flakyFiller{}
	filler.calls.Store(-100)
	stop := startProcessor(t, NewProcessor(filler, store, queue, queue))
	defer stop()

	job, err := svc.Submit(context.Background(), Request{IntentID: 3, Filler: solverA, DeclaredOutput: "1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFor(t, svc, job.ID)
	if final.Status != StatusFailed || final.Attempts != 2 {
		t.Fatalf("expected exhausted job, got %+v", final)
	}
	stats, err := svc.Stats(context.Background())
	if err != nil || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v, err %v", stats, err)
	}
}

func TestResubmitRequeuesPendingJobs(t *testing.T) {
	store := NewMemoryStore()
	first := NewMemoryQueue(4)
	svc := NewService(store, first, 3)
	job, err := svc.Submit(context.Background(), Request{
		IntentID:       7,
		Filler:         common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		DeclaredOutput: "1000",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 模拟进程重启：旧队列里的消息丢失，存储里的任务仍是 pending。
	restarted := NewMemoryQueue(4)
	svc = NewService(store, restarted, 3)
	n, err := svc.Resubmit(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("resubmit = %d, %v", n, err)
	}
	if restarted.Len() != 1 {
		t.Fatalf("expected job %s to be queued again", job.ID)
	}
}
