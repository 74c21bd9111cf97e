package escrow

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	vault = common.HexToAddress("0x000000000000000000000000000000000000ca5e")
)

func TestApplyIsAllOrNothing(t *testing.T) {
	book := NewBook()
	if err := book.Mint("usdc", alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := book.Mint("WETH", bob, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := book.Apply(context.Background(), []Leg{
		{Asset: "USDC", From: alice, To: vault, Amount: big.NewInt(60)},
		{Asset: "WETH", From: bob, To: alice, Amount: big.NewInt(6)},
	})
	if !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := book.BalanceOf("USDC", alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("first leg must not be applied, balance %s", got)
	}
	if got := book.BalanceOf("USDC", vault); got.Sign() != 0 {
		t.Fatalf("vault must stay empty, got %s", got)
	}
}

func TestApplyStagesSequentialLegs(t *testing.T) {
	book := NewBook()
	_ = book.Mint("USDC", alice, big.NewInt(10))

	// 第二笔依赖第一笔的暂存余额。
	err := book.Apply(context.Background(), []Leg{
		{Asset: "USDC", From: alice, To: vault, Amount: big.NewInt(10)},
		{Asset: "USDC", From: vault, To: bob, Amount: big.NewInt(4)},
		{Asset: "USDC", From: vault, To: alice, Amount: big.NewInt(0)},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := book.BalanceOf("USDC", vault); got.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("unexpected vault balance %s", got)
	}
	if got := book.BalanceOf("USDC", bob); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("unexpected bob balance %s", got)
	}
}

func TestTokenView(t *testing.T) {
	book := NewBook()
	addr := "0x1f9840a85d5af5bf1d1762f925bdaddc4201f984"
	_ = book.Mint(addr, alice, big.NewInt(3))

	token := book.Token(common.HexToAddress(addr).Hex())
	if !token.Transfer(alice, bob, big.NewInt(2)) {
		t.Fatalf("expected transfer to succeed")
	}
	if token.TransferFrom(alice, bob, big.NewInt(2)) {
		t.Fatalf("expected transfer beyond balance to fail")
	}
	if got := token.BalanceOf(bob); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("unexpected balance %s", got)
	}
}

func TestApplyRejectsNegativeAmounts(t *testing.T) {
	book := NewBook()
	err := book.Apply(context.Background(), []Leg{{Asset: "USDC", From: alice, To: bob, Amount: big.NewInt(-1)}})
	if !stdErrors.Is(err, ErrInvalidLeg) {
		t.Fatalf("expected invalid leg, got %v", err)
	}
}
