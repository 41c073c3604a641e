package collateral

import (
	"context"
	"errors"
	"testing"

	"rateswap/core/num"
	"rateswap/core/types"
)

var (
	alice = types.BytesToAddress([]byte{0xa1})
	bob   = types.BytesToAddress([]byte{0xb0})
)

func TestTransferMovesBalances(t *testing.T) {
	token := NewToken("usdc", 6)
	if err := token.Mint(alice, num.NewUint(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := token.Transfer(context.Background(), alice, bob, num.NewUint(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := token.BalanceOf(alice).Uint64(); got != 600 {
		t.Fatalf("alice balance = %d", got)
	}
	if got := token.BalanceOf(bob).Uint64(); got != 400 {
		t.Fatalf("bob balance = %d", got)
	}
	if token.Symbol() != "USDC" || token.TotalSupply().Uint64() != 1_000 {
		t.Fatalf("unexpected token metadata")
	}
	if len(token.Holders()) != 2 {
		t.Fatalf("expected two holders")
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	token := NewToken("USDC", 6)
	_ = token.Mint(alice, num.NewUint(10))
	err := token.Transfer(context.Background(), alice, bob, num.NewUint(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if token.BalanceOf(alice).Uint64() != 10 || !token.BalanceOf(bob).IsZero() {
		t.Fatalf("balances changed on failed transfer")
	}
	if err := token.Transfer(context.Background(), alice, bob, num.UintZero()); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := token.Transfer(context.Background(), alice, alice, num.NewUint(1)); !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected self transfer rejection, got %v", err)
	}
}

func TestReceiveHookFailureReverts(t *testing.T) {
	token := NewToken("USDC", 6)
	_ = token.Mint(alice, num.NewUint(100))
	hookErr := errors.New("refused")
	calls := 0
	token.SetReceiveHook(bob, func(ctx context.Context, from types.Address, amount *num.Uint) error {
		calls++
		if !token.BalanceOf(bob).IsZero() || token.BalanceOf(alice).Uint64() != 50 {
			t.Fatalf("hook should run with the amount in flight")
		}
		return hookErr
	})
	err := token.Transfer(context.Background(), alice, bob, num.NewUint(50))
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected hook to run once, ran %d", calls)
	}
	if token.BalanceOf(alice).Uint64() != 100 || !token.BalanceOf(bob).IsZero() {
		t.Fatalf("expected transfer to be reverted")
	}

	token.SetReceiveHook(bob, nil)
	if err := token.Transfer(context.Background(), alice, bob, num.NewUint(50)); err != nil {
		t.Fatalf("transfer after hook removal: %v", err)
	}
}

func TestFailingHookCannotSpendInFlightFunds(t *testing.T) {
	token := NewToken("USDC", 6)
	carol := types.BytesToAddress([]byte{0xc0})
	_ = token.Mint(alice, num.NewUint(100))
	_ = token.Mint(bob, num.NewUint(5))
	token.SetReceiveHook(bob, func(ctx context.Context, from types.Address, amount *num.Uint) error {
		// Forward everything bob holds, then refuse the credit.
		if err := token.Transfer(ctx, bob, carol, token.BalanceOf(bob)); err != nil {
			t.Fatalf("forward: %v", err)
		}
		return errors.New("refused")
	})
	if err := token.Transfer(context.Background(), alice, bob, num.NewUint(60)); err == nil {
		t.Fatalf("expected hook failure")
	}
	if token.BalanceOf(alice).Uint64() != 100 {
		t.Fatalf("sender must be refunded in full, has %d", token.BalanceOf(alice).Uint64())
	}
	if token.BalanceOf(carol).Uint64() != 5 || !token.BalanceOf(bob).IsZero() {
		t.Fatalf("only bob's prior balance may move, carol has %d", token.BalanceOf(carol).Uint64())
	}
	if token.TotalSupply().Uint64() != 105 {
		t.Fatalf("supply changed")
	}
}
