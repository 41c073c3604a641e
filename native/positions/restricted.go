package positions

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	rserrors "rateswap/core/errors"
	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/common"
)

// Grant issues a capability grant for the restricted surface. A non-positive
// ttl never expires.
func (m *Manager) Grant(holder string, caps common.Capability, ttl time.Duration) (*common.Grant, error) {
	if strings.TrimSpace(holder) == ownerHolder {
		return nil, fmt.Errorf("positions: holder name %q is reserved", holder)
	}
	return m.authority.Issue(holder, caps, ttl, m.now())
}

func (m *Manager) Revoke(g *common.Grant) {
	m.authority.Revoke(g)
}

// Acquire takes the per-position lock on behalf of the grant holder. Every
// restricted call against id must happen while the lock is held.
func (m *Manager) Acquire(g *common.Grant, id uint64) (func(), error) {
	if err := m.authority.Check(g, g.Capabilities(), m.now()); err != nil {
		return nil, err
	}
	return m.locks.TryAcquire(id, g.Holder())
}

func (m *Manager) authorize(g *common.Grant, want common.Capability, id uint64) error {
	if err := m.authority.Check(g, want, m.now()); err != nil {
		return err
	}
	if !m.locks.HeldBy(id, g.Holder()) {
		return fmt.Errorf("%w: %s on %d", rserrors.ErrLockNotHeld, g.Holder(), id)
	}
	return nil
}

func activePosition(t *tx, id uint64) (*Position, error) {
	pos, err := t.position(id)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: %d", rserrors.ErrPositionNotActive, id)
	}
	return pos, nil
}

// UpdatePositionPnL adds delta to the accumulated PnL and advances the last
// settlement time. delta is range checked against the stored width before it
// is narrowed.
func (m *Manager) UpdatePositionPnL(ctx context.Context, g *common.Grant, id uint64, delta *big.Int, settledAt time.Time) (*Position, error) {
	if err := m.authorize(g, common.CapUpdatePnL, id); err != nil {
		return nil, err
	}
	var updated *Position
	err := m.Atomic(ctx, func(ctx context.Context) error {
		t := m.txFrom(ctx)
		pos, err := activePosition(t, id)
		if err != nil {
			return err
		}
		sum, ok := signedSum(pos.AccumulatedPnL, delta)
		if !ok {
			return fmt.Errorf("%w: position %d pnl %d delta %s", rserrors.ErrPnLOverflow, id, pos.AccumulatedPnL, delta)
		}
		if settledAt.Before(pos.LastSettlementTime) {
			return fmt.Errorf("positions: settlement time %s precedes %s", settledAt, pos.LastSettlementTime)
		}
		pos.AccumulatedPnL = sum
		pos.LastSettlementTime = settledAt
		t.putPosition(pos)
		updated = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SeizeMargin removes seized collateral from the position, scales notional by
// the remaining fraction and pays the payouts out of custody. Payouts may not
// exceed the seized amount.
func (m *Manager) SeizeMargin(ctx context.Context, g *common.Grant, id uint64, seized *num.Uint, payouts ...Payout) (*Position, error) {
	if err := m.authorize(g, common.CapSeizeMargin, id); err != nil {
		return nil, err
	}
	if seized == nil || seized.IsZero() {
		return nil, rserrors.ErrInvalidAmount
	}
	total := num.UintZero()
	for _, p := range payouts {
		if p.Amount == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, p.Amount); overflow {
			return nil, rserrors.ErrPayoutExceedsSeized
		}
	}
	if total.GT(seized) {
		return nil, fmt.Errorf("%w: payouts %s, seized %s", rserrors.ErrPayoutExceedsSeized, total, seized)
	}

	var updated *Position
	err := m.Atomic(ctx, func(ctx context.Context) error {
		t := m.txFrom(ctx)
		pos, err := activePosition(t, id)
		if err != nil {
			return err
		}
		if seized.GT(pos.Margin) {
			return fmt.Errorf("%w: seize %s, margin %s", rserrors.ErrSeizeTooLarge, seized, pos.Margin)
		}
		remaining := num.UintZero().Sub(pos.Margin, seized)
		notional, overflow := num.MulDiv(pos.Notional, remaining, pos.Margin)
		if overflow {
			return fmt.Errorf("positions: notional scaling overflow")
		}
		reduction := num.UintZero().Sub(pos.Notional, notional)
		pos.Margin = remaining
		pos.Notional = notional
		t.putPosition(pos)

		totals, err := t.currentTotals()
		if err != nil {
			return err
		}
		totals.TotalMargin.Sub(totals.TotalMargin, seized)
		totals.TotalNotional.Sub(totals.TotalNotional, reduction)
		t.setTotals(totals)

		for _, p := range payouts {
			if err := t.transfer(ctx, m.custody, p.To, p.Amount); err != nil {
				return fmt.Errorf("positions: seize payout to %s: %w", p.To.Hex(), err)
			}
		}
		updated = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// PayKeeper pays a keeper reward and the protocol's fee share out of the
// custody reserve.
func (m *Manager) PayKeeper(ctx context.Context, g *common.Grant, id uint64, keeper types.Address, reward, protocolFee *num.Uint) error {
	if err := m.authorize(g, common.CapPayKeeper, id); err != nil {
		return err
	}
	if types.IsZero(keeper) {
		return fmt.Errorf("positions: keeper address required")
	}
	outflow := num.Sum(reward, protocolFee)
	if outflow.IsZero() {
		return nil
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		t := m.txFrom(ctx)
		totals, err := t.currentTotals()
		if err != nil {
			return err
		}
		if reserve := m.reserveFor(totals); reserve.LT(outflow) {
			return fmt.Errorf("%w: reserve %s, outflow %s", rserrors.ErrInsufficientCustody, reserve, outflow)
		}
		if err := t.transfer(ctx, m.custody, keeper, reward); err != nil {
			return fmt.Errorf("positions: pay keeper: %w", err)
		}
		if err := t.transfer(ctx, m.custody, m.feePool, protocolFee); err != nil {
			return fmt.Errorf("positions: pay protocol fee: %w", err)
		}
		return nil
	})
}

// ClosePosition deactivates the position and returns max(margin + pnl - fee, 0)
// to the current owner. The fee goes to the fee pool.
func (m *Manager) ClosePosition(ctx context.Context, g *common.Grant, id uint64, closingFee *num.Uint) (*num.Uint, error) {
	if err := m.authorize(g, common.CapClosePosition, id); err != nil {
		return nil, err
	}
	var payout *num.Uint
	err := m.Atomic(ctx, func(ctx context.Context) error {
		t := m.txFrom(ctx)
		pos, err := activePosition(t, id)
		if err != nil {
			return err
		}
		owner, err := m.registry.OwnerOf(id)
		if err != nil {
			return err
		}

		gross := num.UintZero()
		if equity := pos.Equity(); equity.Sign() > 0 {
			var overflow bool
			if gross, overflow = num.UintFromBig(equity); overflow {
				return fmt.Errorf("positions: equity overflow on %d", id)
			}
		}
		fee := num.UintZero()
		if closingFee != nil {
			fee = num.Min(closingFee, gross).Clone()
		}
		payout = num.UintZero().Sub(gross, fee)

		totals, err := t.currentTotals()
		if err != nil {
			return err
		}
		if totals.OpenPositions > 0 {
			totals.OpenPositions--
		}
		totals.TotalMargin.Sub(totals.TotalMargin, pos.Margin)
		totals.TotalNotional.Sub(totals.TotalNotional, pos.Notional)
		t.setTotals(totals)

		outflow := num.Sum(payout, fee)
		balance := m.asset.BalanceOf(m.custody)
		available, underflow := num.UintZero().SubOverflow(balance, totals.TotalMargin)
		if underflow || available.LT(outflow) {
			return fmt.Errorf("%w: close %d needs %s", rserrors.ErrInsufficientCustody, id, outflow)
		}

		closedMargin := pos.Margin.Clone()
		pos.Margin = num.UintZero()
		pos.Active = false
		pos.ClosedAt = m.now()
		t.putPosition(pos)

		if err := t.transfer(ctx, m.custody, owner, payout); err != nil {
			return fmt.Errorf("positions: pay owner: %w", err)
		}
		if err := t.transfer(ctx, m.custody, m.feePool, fee); err != nil {
			return fmt.Errorf("positions: pay closing fee: %w", err)
		}
		t.emit(events.PositionClosed{
			ID:         id,
			Owner:      owner,
			Payout:     payout.Clone(),
			ClosingFee: fee,
			PnL:        pos.AccumulatedPnL,
			ClosedAt:   pos.ClosedAt,
		})
		m.logger.Debug("position closed",
			slog.Uint64("id", id),
			slog.String("margin", closedMargin.String()),
			slog.Int64("pnl", pos.AccumulatedPnL),
			slog.String("payout", payout.String()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}
