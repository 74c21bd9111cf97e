package events

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"IntentArena/internal/ledger"
)

func TestMemoryLogQueries(t *testing.T) {
	log := NewMemoryLog(0)
	ctx := context.Background()
	owner := common.HexToAddress("0x01")
	_ = log.Publish(ctx, ledger.Event{Sequence: 1, Type: ledger.EventIntentCreated, IntentID: 7, Owner: owner,
		AmountIn: big.NewInt(10), MinAmountOut: big.NewInt(1), Deadline: 100})
	_ = log.Publish(ctx, ledger.Event{Sequence: 2, Type: ledger.EventFeeBpsUpdated, FeeBps: 5})
	_ = log.Publish(ctx, ledger.Event{Sequence: 3, Type: ledger.EventIntentCancelled, IntentID: 7, Owner: owner})

	if got := len(log.ForIntent(7)); got != 2 {
		t.Fatalf("expected 2 intent events, got %d", got)
	}
	if got := log.Since(2); len(got) != 1 || got[0].Sequence != 3 {
		t.Fatalf("unexpected events since 2: %+v", got)
	}
	intents := log.Replay()
	if intents[7] == nil || intents[7].Status != ledger.StatusCancelled {
		t.Fatalf("unexpected replay result %+v", intents[7])
	}
}

func TestMemoryLogLimit(t *testing.T) {
	log := NewMemoryLog(2)
	for i := uint64(1); i <= 5; i++ {
		_ = log.Publish(context.Background(), ledger.Event{Sequence: i})
	}
	if log.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", log.Len())
	}
	if got := log.Since(0); got[0].Sequence != 4 {
		t.Fatalf("expected oldest kept to be 4, got %d", got[0].Sequence)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := stdErrors.New("boom")
	log := NewMemoryLog(0)
	fan := Fanout{log, ledger.EventSinkFunc(func(context.Context, ledger.Event) error { return boom })}
	err := fan.Publish(context.Background(), ledger.Event{Sequence: 1})
	if !stdErrors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if log.Len() != 1 {
		t.Fatalf("memory sink should still receive the event")
	}
}

func TestRoutingKey(t *testing.T) {
	cases := map[ledger.EventType]string{
		ledger.EventIntentFilled:         "ledger.intent_filled",
		ledger.EventFeeBpsUpdated:        "ledger.fee_bps_updated",
		ledger.EventOwnershipTransferred: "ledger.ownership_transferred",
	}
	for in, want := range cases {
		if got := RoutingKey(in); got != want {
			t.Fatalf("%s: want %s, got %s", in, want, got)
		}
	}
}

func TestRabbitMQRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQPublisher(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
