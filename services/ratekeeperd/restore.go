package main

import (
	"context"
	"fmt"
	"log/slog"

	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/ledger"
	"rateswap/services/ratekeeperd/config"
	"rateswap/services/ratekeeperd/storage"
)

// restoreOracle replays the newest persisted commits so TWAP and staleness
// survive a restart.
func restoreOracle(ctx context.Context, l *ledger.Ledger, store *storage.Storage, limit int) error {
	if limit <= 0 {
		return nil
	}
	samples, err := store.RecentCommits(ctx, limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	if err := l.Oracle.Restore(samples); err != nil {
		return err
	}
	slog.Info("ratekeeperd: restored oracle history",
		slog.Int("samples", len(samples)),
		slog.String("rate", samples[len(samples)-1].Rate.String()))
	return nil
}

// restorePositions re-registers owners of persisted active positions and
// re-credits custody with the persisted margin. The registry and collateral
// token live in process memory; the position store does not. The reserve is
// not recoverable and must be funded again.
func restorePositions(ctx context.Context, l *ledger.Ledger, custody types.Address) error {
	ids, err := l.Positions.ActivePositionIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := l.Registry.OwnerOf(id); err == nil {
			continue
		}
		pos, err := l.Positions.Position(ctx, id)
		if err != nil {
			return err
		}
		if err := l.Registry.Mint(id, pos.Owner); err != nil {
			return fmt.Errorf("register position %d: %w", id, err)
		}
	}
	totals, err := l.Positions.Totals(ctx)
	if err != nil {
		return err
	}
	required := totals.TotalMargin
	held := l.Token.BalanceOf(custody)
	if held.GTE(required) {
		return nil
	}
	shortfall := num.UintZero().Sub(required, held)
	if err := l.Token.Mint(custody, shortfall); err != nil {
		return fmt.Errorf("restore custody balance: %w", err)
	}
	slog.Info("ratekeeperd: restored positions",
		slog.Int("active", len(ids)),
		slog.String("margin", required.String()))
	return l.Positions.CheckSolvency(ctx)
}

// mintGenesis credits configured development balances in display units.
func mintGenesis(l *ledger.Ledger, balances []config.Balance) error {
	for i, bal := range balances {
		addr, err := config.ParseAddress(fmt.Sprintf("genesis[%d].address", i), bal.Address)
		if err != nil {
			return err
		}
		amount, err := num.ParseAmount(bal.Amount, l.Token.Decimals())
		if err != nil {
			return fmt.Errorf("genesis[%d].amount: %w", i, err)
		}
		if err := l.Token.Mint(addr, amount); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}
