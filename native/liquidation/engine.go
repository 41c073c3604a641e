package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	rserrors "rateswap/core/errors"
	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/common"
	"rateswap/native/margin"
	"rateswap/native/positions"
	"rateswap/observability/metrics"
)

var (
	errNilLedger    = errors.New("liquidation: position ledger not configured")
	errNilHealth    = errors.New("liquidation: margin engine not configured")
	errNilRates     = errors.New("liquidation: rate oracle not configured")
	errNilGrant     = errors.New("liquidation: capability grant not configured")
	errNoLiquidator = fmt.Errorf("%w: liquidator address required", rserrors.ErrUnauthorized)
)

var one = num.DecimalFromInt64(1)

// Ledger is the slice of the position manager the engine drives.
type Ledger interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	Acquire(g *common.Grant, id uint64) (func(), error)
	Position(ctx context.Context, id uint64) (*positions.Position, error)
	Now() time.Time
	FeePool() types.Address
	Emit(ctx context.Context, evt events.Event)
	UpdatePositionPnL(ctx context.Context, g *common.Grant, id uint64, delta *big.Int, settledAt time.Time) (*positions.Position, error)
	SeizeMargin(ctx context.Context, g *common.Grant, id uint64, seized *num.Uint, payouts ...positions.Payout) (*positions.Position, error)
	ClosePosition(ctx context.Context, g *common.Grant, id uint64, closingFee *num.Uint) (*num.Uint, error)
}

// Health evaluates position health.
type Health interface {
	Health(pos *positions.Position) num.Decimal
	IsLiquidatable(ctx context.Context, id uint64) (bool, error)
}

// Rates supplies the rate used to mark pending accrual before seizing.
type Rates interface {
	SettlementRate() (num.Decimal, error)
}

// Result describes one executed liquidation.
type Result struct {
	Split
	ID         uint64        `json:"id"`
	Liquidator types.Address `json:"liquidator"`
	Marked     *big.Int      `json:"marked"`
	Health     num.Decimal   `json:"health"`
	Remaining  *num.Uint     `json:"remaining"`
	Closed     bool          `json:"closed"`
	Residual   *num.Uint     `json:"residual,omitempty"`
}

// ItemResult is the per-id outcome of a batch. Skipped items were healthy or
// closed when the batch reached them.
type ItemResult struct {
	ID      uint64
	Result  *Result
	Skipped bool
	Err     error
}

// BatchResult aggregates a batch liquidation in input order.
type BatchResult struct {
	Liquidated int
	Reward     *num.Uint
	Items      []ItemResult
}

// Engine seizes margin from positions whose health factor fell below one.
type Engine struct {
	ledger Ledger
	health Health
	rates  Rates
	grant  *common.Grant
	cfg    Config
	pauses common.PauseView
	logger *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithPauses(p common.PauseView) Option {
	return func(e *Engine) { e.pauses = p }
}

// NewEngine builds a liquidation engine. The grant must carry the pnl,
// seize and close capabilities.
func NewEngine(ledger Ledger, health Health, rates Rates, grant *common.Grant, cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case ledger == nil:
		return nil, errNilLedger
	case health == nil:
		return nil, errNilHealth
	case rates == nil:
		return nil, errNilRates
	case grant == nil:
		return nil, errNilGrant
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{ledger: ledger, health: health, rates: rates, grant: grant, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// CanLiquidate reports whether id is active with health below one.
func (e *Engine) CanLiquidate(ctx context.Context, id uint64) (bool, error) {
	return e.health.IsLiquidatable(ctx, id)
}

// Liquidate seizes the maximum allowed share of margin from an unhealthy
// position.
func (e *Engine) Liquidate(ctx context.Context, liquidator types.Address, id uint64) (*Result, error) {
	return e.liquidate(ctx, liquidator, id, nil)
}

// PartialLiquidate seizes a caller-chosen amount bounded by the maximum
// liquidation share of margin.
func (e *Engine) PartialLiquidate(ctx context.Context, liquidator types.Address, id uint64, amount *num.Uint) (*Result, error) {
	if amount == nil || amount.IsZero() {
		return nil, rserrors.ErrInvalidAmount
	}
	return e.liquidate(ctx, liquidator, id, amount)
}

// BatchLiquidate liquidates every eligible id in its own transaction and
// skips healthy or closed ones.
func (e *Engine) BatchLiquidate(ctx context.Context, liquidator types.Address, ids []uint64) BatchResult {
	out := BatchResult{Reward: num.UintZero(), Items: make([]ItemResult, 0, len(ids))}
	for _, id := range ids {
		eligible, err := e.CanLiquidate(ctx, id)
		if err != nil {
			out.Items = append(out.Items, ItemResult{ID: id, Err: err})
			metrics.Ledger().RecordBatchFailure("liquidate")
			continue
		}
		if !eligible {
			out.Items = append(out.Items, ItemResult{ID: id, Skipped: true})
			continue
		}
		res, err := e.Liquidate(ctx, liquidator, id)
		out.Items = append(out.Items, ItemResult{ID: id, Result: res, Err: err})
		if err != nil {
			metrics.Ledger().RecordBatchFailure("liquidate")
			e.logger.Debug("batch liquidate item failed", slog.Uint64("id", id), slog.Any("error", err))
			continue
		}
		out.Liquidated++
		out.Reward.Add(out.Reward, res.Reward)
	}
	return out
}

func (e *Engine) liquidate(ctx context.Context, liquidator types.Address, id uint64, amount *num.Uint) (*Result, error) {
	if err := common.Guard(e.pauses, common.ModuleLiquidation); err != nil {
		return nil, err
	}
	if types.IsZero(liquidator) {
		return nil, errNoLiquidator
	}
	var res *Result
	err := e.ledger.Atomic(ctx, func(ctx context.Context) error {
		release, err := e.ledger.Acquire(e.grant, id)
		if err != nil {
			return err
		}
		defer release()

		pos, err := e.activePosition(ctx, id)
		if err != nil {
			return err
		}
		marked, err := e.markPending(ctx, pos)
		if err != nil {
			return err
		}
		if marked.Sign() != 0 {
			if pos, err = e.activePosition(ctx, id); err != nil {
				return err
			}
		}
		health := e.health.Health(pos)
		if !health.LessThan(one) {
			return fmt.Errorf("%w: position %d health %s", rserrors.ErrNotLiquidatable, id, health.StringFixed(4))
		}

		limit := e.cfg.MaxSeize(pos.Margin)
		seized := limit
		if amount != nil {
			if amount.GT(limit) {
				return fmt.Errorf("%w: requested %s, cap %s", rserrors.ErrSeizeTooLarge, amount, limit)
			}
			seized = amount.Clone()
		}
		split, err := e.cfg.SplitSeized(seized)
		if err != nil {
			return err
		}
		res = &Result{Split: split, ID: id, Liquidator: liquidator, Marked: marked, Health: health}

		if !seized.IsZero() {
			pos, err = e.ledger.SeizeMargin(ctx, e.grant, id, seized,
				positions.Payout{To: liquidator, Amount: split.Reward},
				positions.Payout{To: e.ledger.FeePool(), Amount: split.ProtocolFee})
			if err != nil {
				return err
			}
		}
		res.Remaining = pos.Margin.Clone()
		if pos.Margin.IsZero() || pos.Notional.IsZero() || pos.Equity().Sign() <= 0 {
			residual, err := e.ledger.ClosePosition(ctx, e.grant, id, num.UintZero())
			if err != nil {
				return err
			}
			res.Closed = true
			res.Residual = residual
		}
		e.ledger.Emit(ctx, events.PositionLiquidated{
			ID:          id,
			Liquidator:  liquidator,
			Seized:      split.Seized.Clone(),
			Reward:      split.Reward.Clone(),
			ProtocolFee: split.ProtocolFee.Clone(),
			Remaining:   res.Remaining.Clone(),
			Closed:      res.Closed,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Ledger().ObserveLiquidation(res.Closed, num.DecimalFromUint(res.Seized), num.DecimalFromUint(res.ProtocolFee))
	e.logger.Info("position liquidated",
		slog.Uint64("id", id),
		slog.String("liquidator", liquidator.Hex()),
		slog.String("health", res.Health.StringFixed(4)),
		slog.String("seized", res.Seized.String()),
		slog.String("reward", res.Reward.String()),
		slog.Bool("closed", res.Closed))
	return res, nil
}

// markPending books accrual since the last settlement into PnL without a fee
// so seizure works from realised equity. Before the first oracle commit there
// is nothing to mark.
func (e *Engine) markPending(ctx context.Context, pos *positions.Position) (*big.Int, error) {
	rate, err := e.rates.SettlementRate()
	if errors.Is(err, rserrors.ErrNoRate) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	to := e.ledger.Now()
	if to.After(pos.MaturityTime) {
		to = pos.MaturityTime
	}
	if !to.After(pos.LastSettlementTime) {
		return new(big.Int), nil
	}
	accrual := margin.Accrual(pos, rate, pos.LastSettlementTime, to)
	if _, err := e.ledger.UpdatePositionPnL(ctx, e.grant, pos.ID, accrual, to); err != nil {
		return nil, err
	}
	return accrual, nil
}

func (e *Engine) activePosition(ctx context.Context, id uint64) (*positions.Position, error) {
	pos, err := e.ledger.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: %d", rserrors.ErrPositionNotActive, id)
	}
	return pos, nil
}
