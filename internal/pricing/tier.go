package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	xerrors "IntentArena/internal/errors"
)

// Source 标记价格来源。
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceReference Source = "reference"
)

// Tier 是价格可靠性分级。
type Tier string

const (
	TierFreshPrimary      Tier = "fresh_primary"
	TierFreshSecondary    Tier = "fresh_secondary"
	TierStale             Tier = "stale"
	TierReferenceFallback Tier = "reference_fallback"
)

// Weight 返回分级对应的可靠性权重。
func (t Tier) Weight() float64 {
	switch t {
	case TierFreshPrimary:
		return 1.0
	case TierFreshSecondary:
		return 0.8
	case TierStale:
		return 0.5
	case TierReferenceFallback:
		return 0.25
	default:
		return 0
	}
}

// Quote 是一次价格解析的结果。
type Quote struct {
	Token            string          `json:"token"`
	PriceUSD         decimal.Decimal `json:"price_usd"`
	Source           Source          `json:"source"`
	Tier             Tier            `json:"tier"`
	Reliability      float64         `json:"reliability"`
	ReferenceDerived bool            `json:"reference_derived"`
	FetchedAt        time.Time       `json:"fetched_at"`
	LastLiveAt       time.Time       `json:"last_live_at,omitempty"`
	Note             string          `json:"note,omitempty"`
}

func newQuote(token string, price decimal.Decimal, source Source, tier Tier, at time.Time) Quote {
	return Quote{
		Token:            token,
		PriceUSD:         price,
		Source:           source,
		Tier:             tier,
		Reliability:      tier.Weight(),
		ReferenceDerived: tier == TierReferenceFallback,
		FetchedAt:        at,
	}
}

const (
	CodePriceUnavailable xerrors.Code = "PRICE_UNAVAILABLE"
	CodeTokenNotFound    xerrors.Code = "TOKEN_NOT_FOUND"
)

var (
	// ErrPriceUnavailable 表示既没有实时价格也没有参考价格。
	ErrPriceUnavailable = xerrors.New(CodePriceUnavailable, "price unavailable")
	// ErrTokenNotFound 表示按地址找不到代币。
	ErrTokenNotFound = xerrors.New(CodeTokenNotFound, "token not found")
)

func init() {
	xerrors.Register(CodePriceUnavailable, xerrors.Attributes{
		Message:   "price unavailable",
		Class:     xerrors.ClassCollaborator,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeTokenNotFound, xerrors.Attributes{
		Message:  "token not found",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
}
