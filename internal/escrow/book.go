package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IntentArena/internal/errors"
)

// Leg 描述一笔资产划转。
type Leg struct {
	Asset  string         `json:"asset"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// Token 是单一资产的划转原语，对应链上代币合约暴露的能力。
type Token interface {
	TransferFrom(from, to common.Address, amount *big.Int) bool
	Transfer(from, to common.Address, amount *big.Int) bool
	BalanceOf(account common.Address) *big.Int
}

// Settler 以全有或全无的方式执行一组划转。
type Settler interface {
	Apply(ctx context.Context, legs []Leg) error
}

const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInvalidLeg          xerrors.Code = "INVALID_LEG"
)

var (
	// ErrInsufficientBalance 表示某一笔划转的付款方余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrInvalidLeg 表示划转参数不合法。
	ErrInvalidLeg = xerrors.New(CodeInvalidLeg, "invalid transfer leg")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient balance",
		Class:    xerrors.ClassInvariant,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidLeg, xerrors.Attributes{
		Message:  "invalid transfer leg",
		Class:    xerrors.ClassCaller,
		Severity: xerrors.SeverityInfo,
	})
}

type balanceKey struct {
	asset   string
	account common.Address
}

// Book 是多资产的内存余额簿。所有划转先在暂存区校验，全部通过后一次性提交。
type Book struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
}

// NewBook 创建空余额簿。
func NewBook() *Book {
	return &Book{balances: make(map[balanceKey]*big.Int)}
}

// NormalizeAsset 统一资产标识：地址转为 EIP-55 格式，符号转为大写。
func NormalizeAsset(asset string) string {
	asset = strings.TrimSpace(asset)
	if common.IsHexAddress(asset) {
		return common.HexToAddress(asset).Hex()
	}
	return strings.ToUpper(asset)
}

// Mint 为账户增发资产，仅用于初始化资金。
func (b *Book) Mint(asset string, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(CodeInvalidLeg, "增发数量必须为正数")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := balanceKey{asset: NormalizeAsset(asset), account: account}
	b.balances[key] = new(big.Int).Add(b.balanceLocked(key), amount)
	return nil
}

// BalanceOf 返回账户在指定资产上的余额。
func (b *Book) BalanceOf(asset string, account common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceLocked(balanceKey{asset: NormalizeAsset(asset), account: account}))
}

func (b *Book) balanceLocked(key balanceKey) *big.Int {
	if bal, ok := b.balances[key]; ok {
		return bal
	}
	return new(big.Int)
}

// Apply 校验并提交全部划转；任意一笔失败则不产生任何变更。
func (b *Book) Apply(ctx context.Context, legs []Leg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, leg := range legs {
		if leg.Amount != nil && leg.Amount.Sign() < 0 {
			return xerrors.New(CodeInvalidLeg, fmt.Sprintf("第 %d 笔划转金额为负", i))
		}
		if strings.TrimSpace(leg.Asset) == "" {
			return xerrors.New(CodeInvalidLeg, fmt.Sprintf("第 %d 笔划转缺少资产标识", i))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	staged := make(map[balanceKey]*big.Int)
	current := func(key balanceKey) *big.Int {
		if v, ok := staged[key]; ok {
			return v
		}
		return new(big.Int).Set(b.balanceLocked(key))
	}

	for i, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() == 0 {
			continue
		}
		asset := NormalizeAsset(leg.Asset)
		fromKey := balanceKey{asset: asset, account: leg.From}
		toKey := balanceKey{asset: asset, account: leg.To}

		from := current(fromKey)
		if from.Cmp(leg.Amount) < 0 {
			return xerrors.Wrap(CodeInsufficientBalance, ErrInsufficientBalance,
				fmt.Sprintf("第 %d 笔划转 %s 余额不足", i, asset),
				xerrors.WithMetadata("account", leg.From.Hex()),
				xerrors.WithMetadata("asset", asset),
			)
		}
		staged[fromKey] = new(big.Int).Sub(from, leg.Amount)
		staged[toKey] = new(big.Int).Add(current(toKey), leg.Amount)
	}

	for key, value := range staged {
		b.balances[key] = value
	}
	return nil
}

// Token 返回指定资产的单币种视图。
func (b *Book) Token(asset string) Token {
	return &bookToken{book: b, asset: NormalizeAsset(asset)}
}

type bookToken struct {
	book  *Book
	asset string
}

func (t *bookToken) TransferFrom(from, to common.Address, amount *big.Int) bool {
	return t.book.Apply(context.Background(), []Leg{{Asset: t.asset, From: from, To: to, Amount: amount}}) == nil
}

func (t *bookToken) Transfer(from, to common.Address, amount *big.Int) bool {
	return t.TransferFrom(from, to, amount)
}

func (t *bookToken) BalanceOf(account common.Address) *big.Int {
	return t.book.BalanceOf(t.asset, account)
}
