// Package keeper runs the periodic maintenance loop of the daemon: refresh
// the floating rate, settle due positions, liquidate unhealthy ones and close
// matured ones.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rateswap/core/types"
	"rateswap/native/ledger"
	"rateswap/observability/metrics"
)

// Report summarises one tick.
type Report struct {
	Committed         bool      `json:"committed"`
	Rate              string    `json:"rate"`
	OracleError       string    `json:"oracleError,omitempty"`
	Settled           int       `json:"settled"`
	KeeperReward      string    `json:"keeperReward"`
	Liquidated        int       `json:"liquidated"`
	LiquidationReward string    `json:"liquidationReward"`
	Closed            int       `json:"closed"`
	Failures          int       `json:"failures"`
	At                time.Time `json:"at"`
}

// Keeper drives settlement, liquidation and maturity for one ledger.
type Keeper struct {
	ledger   *ledger.Ledger
	address  types.Address
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last Report
	once sync.Once
}

type Option func(*Keeper)

func WithLogger(logger *slog.Logger) Option {
	return func(k *Keeper) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// New constructs a keeper paying rewards to address.
func New(l *ledger.Ledger, address types.Address, interval time.Duration, opts ...Option) (*Keeper, error) {
	if l == nil {
		return nil, fmt.Errorf("keeper: ledger required")
	}
	if types.IsZero(address) {
		return nil, fmt.Errorf("keeper: address required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("keeper: interval must be positive")
	}
	k := &Keeper{ledger: l, address: address, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k, nil
}

// Run blocks, ticking until the context is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	if k == nil {
		return fmt.Errorf("keeper not configured")
	}
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.once.Do(func() {
		k.logger.Info("keeper started", slog.String("address", k.address.Hex()), slog.Duration("interval", k.interval))
	})
	for {
		if _, err := k.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("keeper tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one maintenance cycle. Oracle failures are reported but do
// not stop the cycle: liquidation scans still run against the last committed
// rate and settlement fails per item when the rate is stale.
func (k *Keeper) Tick(ctx context.Context) (Report, error) {
	if k == nil {
		return Report{}, fmt.Errorf("keeper not configured")
	}
	report := Report{At: k.ledger.Positions.Now(), KeeperReward: "0", LiquidationReward: "0"}

	if _, err := k.ledger.Oracle.UpdateRate(ctx); err != nil {
		report.OracleError = err.Error()
		k.logger.Warn("keeper: rate update failed", slog.Any("error", err))
	} else {
		report.Committed = true
	}
	report.Rate = k.ledger.Oracle.CurrentRate().Rate.String()

	var errs []error
	due, err := k.ledger.DueForSettlement(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list due positions: %w", err))
	} else if len(due) > 0 {
		batch := k.ledger.Settlement.BatchSettle(ctx, k.address, due)
		report.Settled = batch.Settled
		report.KeeperReward = batch.KeeperReward.String()
		for _, item := range batch.Items {
			if item.Err != nil {
				report.Failures++
				k.logger.Warn("keeper: settle failed", slog.Uint64("id", item.ID), slog.Any("error", item.Err))
			}
		}
	}

	unhealthy, err := k.ledger.Liquidatable(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list liquidatable positions: %w", err))
	} else if len(unhealthy) > 0 {
		batch := k.ledger.Liquidation.BatchLiquidate(ctx, k.address, unhealthy)
		report.Liquidated = batch.Liquidated
		report.LiquidationReward = batch.Reward.String()
		for _, item := range batch.Items {
			if item.Err != nil {
				report.Failures++
				k.logger.Warn("keeper: liquidation failed", slog.Uint64("id", item.ID), slog.Any("error", item.Err))
			}
		}
	}

	matured, err := k.ledger.Matured(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list matured positions: %w", err))
	}
	for _, id := range matured {
		if _, err := k.ledger.Settlement.CloseMaturedPosition(ctx, k.address, id); err != nil {
			report.Failures++
			metrics.Ledger().RecordBatchFailure("close")
			k.logger.Warn("keeper: close matured position", slog.Uint64("id", id), slog.Any("error", err))
			continue
		}
		report.Closed++
	}

	k.mu.Lock()
	k.last = report
	k.mu.Unlock()
	k.logger.Info("keeper tick",
		slog.Bool("committed", report.Committed),
		slog.String("rate", report.Rate),
		slog.Int("settled", report.Settled),
		slog.Int("liquidated", report.Liquidated),
		slog.Int("closed", report.Closed),
		slog.Int("failures", report.Failures))
	return report, errors.Join(errs...)
}

// LastReport returns the outcome of the most recent tick.
func (k *Keeper) LastReport() Report {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

// Address is the account receiving keeper and liquidation rewards.
func (k *Keeper) Address() types.Address { return k.address }
