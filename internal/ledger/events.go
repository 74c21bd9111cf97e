package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EventType 标识账本事件种类。
type EventType string

const (
	EventIntentCreated         EventType = "IntentCreated"
	EventIntentFilled          EventType = "IntentFilled"
	EventIntentCancelled       EventType = "IntentCancelled"
	EventIntentExpired         EventType = "IntentExpired"
	EventSolverApprovalUpdated EventType = "SolverApprovalUpdated"
	EventFeeBpsUpdated         EventType = "FeeBpsUpdated"
	EventFeeRecipientUpdated   EventType = "FeeRecipientUpdated"
	EventOwnershipTransferred  EventType = "OwnershipTransferred"
)

// Event 是账本对外发出的日志，字段足以仅凭事件流重建意图历史。
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	IntentID       uint64         `json:"intent_id,omitempty"`
	Owner          common.Address `json:"owner,omitempty"`
	TokenIn        string         `json:"token_in,omitempty"`
	TokenOut       string         `json:"token_out,omitempty"`
	AmountIn       *big.Int       `json:"amount_in,omitempty"`
	MinAmountOut   *big.Int       `json:"min_amount_out,omitempty"`
	MaxSlippageBps uint32         `json:"max_slippage_bps,omitempty"`
	MaxGasCost     *big.Int       `json:"max_gas_cost,omitempty"`
	Deadline       int64          `json:"deadline,omitempty"`

	Filler       common.Address `json:"filler,omitempty"`
	AmountOut    *big.Int       `json:"amount_out,omitempty"`
	Fee          *big.Int       `json:"fee,omitempty"`
	FeeRecipient common.Address `json:"fee_recipient,omitempty"`
	Fingerprint  hexutil.Bytes  `json:"fingerprint,omitempty"`

	Account  common.Address `json:"account,omitempty"`
	Approved bool           `json:"approved,omitempty"`
	FeeBps   uint32         `json:"fee_bps,omitempty"`
	Previous common.Address `json:"previous,omitempty"`
}

// EventSink 接收账本事件。
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc 允许普通函数作为事件接收方。
type EventSinkFunc func(ctx context.Context, event Event) error

// Publish 实现 EventSink。
func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

func createdEvent(intent *Intent) Event {
	return Event{
		Type:           EventIntentCreated,
		IntentID:       intent.ID,
		Owner:          intent.Owner,
		TokenIn:        intent.TokenIn,
		TokenOut:       intent.TokenOut,
		AmountIn:       cloneInt(intent.AmountIn),
		MinAmountOut:   cloneInt(intent.MinAmountOut),
		MaxSlippageBps: intent.MaxSlippageBps,
		MaxGasCost:     cloneInt(intent.MaxGasCost),
		Deadline:       intent.Deadline,
	}
}

// Replay 依据事件流重建意图快照，按 ID 索引。
func Replay(events []Event) map[uint64]*Intent {
	intents := make(map[uint64]*Intent)
	for _, ev := range events {
		switch ev.Type {
		case EventIntentCreated:
			intents[ev.IntentID] = &Intent{
				ID:             ev.IntentID,
				Owner:          ev.Owner,
				TokenIn:        ev.TokenIn,
				TokenOut:       ev.TokenOut,
				AmountIn:       cloneInt(ev.AmountIn),
				MinAmountOut:   cloneInt(ev.MinAmountOut),
				MaxSlippageBps: ev.MaxSlippageBps,
				MaxGasCost:     cloneInt(ev.MaxGasCost),
				Deadline:       ev.Deadline,
				Status:         StatusOpen,
				CreatedAt:      ev.Timestamp,
				UpdatedAt:      ev.Timestamp,
			}
		case EventIntentFilled:
			if intent, ok := intents[ev.IntentID]; ok {
				intent.Status = StatusFilled
				intent.Winner = ev.Filler
				intent.AmountOut = cloneInt(ev.AmountOut)
				intent.Fingerprint = append(hexutil.Bytes(nil), ev.Fingerprint...)
				intent.UpdatedAt = ev.Timestamp
			}
		case EventIntentCancelled:
			if intent, ok := intents[ev.IntentID]; ok {
				intent.Status = StatusCancelled
				intent.UpdatedAt = ev.Timestamp
			}
		case EventIntentExpired:
			if intent, ok := intents[ev.IntentID]; ok {
				intent.Status = StatusExpired
				intent.UpdatedAt = ev.Timestamp
			}
		}
	}
	return intents
}
