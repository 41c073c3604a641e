package collateral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"rateswap/core/num"
	"rateswap/core/types"
)

var (
	ErrInsufficientBalance = errors.New("collateral: insufficient balance")
	ErrInvalidAmount       = errors.New("collateral: amount must be positive")
	ErrSelfTransfer        = errors.New("collateral: sender and recipient match")
)

// ReceiveHook is invoked while a transfer to the hooked account is in flight:
// the sender is already debited and the recipient not yet credited. A nil
// return credits the recipient; an error refunds the sender. The context is
// the one passed to Transfer, so callbacks may re-enter the caller.
type ReceiveHook func(ctx context.Context, from types.Address, amount *num.Uint) error

// Token is an in-process fungible collateral ledger.
type Token struct {
	symbol   string
	decimals uint8

	mu       sync.Mutex
	balances map[types.Address]*num.Uint
	supply   *num.Uint
	hooks    map[types.Address]ReceiveHook
}

func NewToken(symbol string, decimals uint8) *Token {
	return &Token{
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		decimals: decimals,
		balances: make(map[types.Address]*num.Uint),
		supply:   num.UintZero(),
		hooks:    make(map[types.Address]ReceiveHook),
	}
}

func (t *Token) Symbol() string  { return t.symbol }
func (t *Token) Decimals() uint8 { return t.decimals }

// Mint credits amount to the account and grows the supply.
func (t *Token) Mint(to types.Address, amount *num.Uint) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, overflow := num.UintZero().AddOverflow(t.supply, amount); overflow {
		return fmt.Errorf("collateral: supply overflow")
	}
	t.supply.Add(t.supply, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) BalanceOf(addr types.Address) *num.Uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bal, ok := t.balances[addr]; ok {
		return bal.Clone()
	}
	return num.UintZero()
}

func (t *Token) TotalSupply() *num.Uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply.Clone()
}

// Holders returns every account with a non-zero balance.
func (t *Token) Holders() []types.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Address, 0, len(t.balances))
	for addr, bal := range t.balances {
		if !bal.IsZero() {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// SetReceiveHook registers a callback for credits to addr. A nil hook removes it.
func (t *Token) SetReceiveHook(addr types.Address, hook ReceiveHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hook == nil {
		delete(t.hooks, addr)
		return
	}
	t.hooks[addr] = hook
}

// Transfer moves amount between accounts. With a receive hook registered for
// to, the amount is held in flight until the hook accepts it, so a failing
// hook can never keep or spend the funds.
func (t *Token) Transfer(ctx context.Context, from, to types.Address, amount *num.Uint) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	value := amount.Clone()
	t.mu.Lock()
	if err := t.debit(from, value); err != nil {
		t.mu.Unlock()
		return err
	}
	hook := t.hooks[to]
	if hook == nil {
		t.credit(to, value)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	err := hook(ctx, from, value.Clone())

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.credit(from, value)
		return fmt.Errorf("collateral: receive hook: %w", err)
	}
	t.credit(to, value)
	return nil
}

func (t *Token) debit(addr types.Address, amount *num.Uint) error {
	bal, ok := t.balances[addr]
	if !ok || bal.LT(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, addr.Hex(), balanceOrZero(bal), amount)
	}
	bal.Sub(bal, amount)
	return nil
}

func (t *Token) credit(addr types.Address, amount *num.Uint) {
	bal, ok := t.balances[addr]
	if !ok {
		bal = num.UintZero()
		t.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

func balanceOrZero(u *num.Uint) string {
	if u == nil {
		return "0"
	}
	return u.String()
}
