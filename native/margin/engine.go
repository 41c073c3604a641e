package margin

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	rserrors "rateswap/core/errors"
	"rateswap/core/num"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/observability/metrics"
)

// SecondsPerYear is the 365-day accrual year.
const SecondsPerYear = 31_536_000

var (
	secondsPerYear = num.DecimalFromInt64(SecondsPerYear)
	one            = num.DecimalFromInt64(1)

	// HealthUnbounded is reported for positions without a maintenance
	// requirement (zero notional).
	HealthUnbounded = num.MustDecimal("1e18")

	errNilLedger = errors.New("margin engine: position ledger not configured")
	errNilRates  = errors.New("margin engine: rate reader not configured")
)

// Ledger is the read surface of the position manager used by the engine.
type Ledger interface {
	Config() positions.Config
	Position(ctx context.Context, id uint64) (*positions.Position, error)
	Now() time.Time
}

// RateReader exposes the oracle's last committed rate.
type RateReader interface {
	CurrentRate() oracle.Reading
}

// Engine derives margin requirements and health from position state and the
// current floating rate. It never mutates the ledger.
type Engine struct {
	ledger Ledger
	rates  RateReader
}

func NewEngine(ledger Ledger, rates RateReader) (*Engine, error) {
	if ledger == nil {
		return nil, errNilLedger
	}
	if rates == nil {
		return nil, errNilRates
	}
	return &Engine{ledger: ledger, rates: rates}, nil
}

// Accrual is the signed PnL of pos for holding the swap from "from" to "to"
// at floatingRate, in collateral base units. The window is capped at
// maturity and the result truncates toward zero.
func Accrual(pos *positions.Position, floatingRate num.Decimal, from, to time.Time) *big.Int {
	if pos == nil || pos.Notional == nil || pos.Notional.IsZero() {
		return new(big.Int)
	}
	if to.After(pos.MaturityTime) {
		to = pos.MaturityTime
	}
	if !to.After(from) {
		return new(big.Int)
	}
	elapsed := int64(to.Sub(from) / time.Second)
	if elapsed == 0 {
		return new(big.Int)
	}
	diff := RateDiff(pos.Direction, pos.FixedRate, floatingRate)
	numerator := num.DecimalFromUint(pos.Notional).Mul(diff).Mul(num.DecimalFromInt64(elapsed))
	q, _ := numerator.QuoRem(secondsPerYear, 0)
	return q.BigInt()
}

// RateDiff is the rate the position receives net of the rate it pays.
func RateDiff(direction positions.Direction, fixed, floating num.Decimal) num.Decimal {
	if direction == positions.DirectionPayFloating {
		return fixed.Sub(floating)
	}
	return floating.Sub(fixed)
}

// InitialMargin is the collateral required to open notional.
func (e *Engine) InitialMargin(notional *num.Uint) *num.Uint {
	return e.ledger.Config().InitialMargin(notional)
}

// MaintenanceMargin is the collateral floor of an open position.
func (e *Engine) MaintenanceMargin(ctx context.Context, id uint64) (*num.Uint, error) {
	pos, err := e.active(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.ledger.Config().MaintenanceMargin(pos.Notional), nil
}

// PendingAccrual projects the accrual since the last settlement at the last
// committed rate. It is zero until the oracle has committed a rate.
func (e *Engine) PendingAccrual(pos *positions.Position) *big.Int {
	reading := e.rates.CurrentRate()
	if !reading.Committed || pos == nil {
		return new(big.Int)
	}
	return Accrual(pos, reading.Rate, pos.LastSettlementTime, e.ledger.Now())
}

// HealthFactor is (margin + pnl + pending accrual) / maintenance margin.
func (e *Engine) HealthFactor(ctx context.Context, id uint64) (num.Decimal, error) {
	pos, err := e.active(ctx, id)
	if err != nil {
		return num.DecimalZero, err
	}
	return e.Health(pos), nil
}

// Health computes the health factor of an already loaded position.
func (e *Engine) Health(pos *positions.Position) num.Decimal {
	maintenance := e.ledger.Config().MaintenanceMargin(pos.Notional)
	if maintenance.IsZero() {
		return HealthUnbounded
	}
	equity := pos.Equity()
	equity.Add(equity, e.PendingAccrual(pos))
	return num.DecimalFromBig(equity).Div(num.DecimalFromUint(maintenance))
}

// Leverage is notional over posted margin.
func (e *Engine) Leverage(ctx context.Context, id uint64) (num.Decimal, error) {
	pos, err := e.active(ctx, id)
	if err != nil {
		return num.DecimalZero, err
	}
	if pos.Margin == nil || pos.Margin.IsZero() {
		return num.DecimalZero, fmt.Errorf("%w: position %d has no margin", rserrors.ErrInsufficientMargin, id)
	}
	return num.DecimalFromUint(pos.Notional).Div(num.DecimalFromUint(pos.Margin)), nil
}

// IsLiquidatable reports whether an active position's health is below one.
// Closed positions are never liquidatable.
func (e *Engine) IsLiquidatable(ctx context.Context, id uint64) (bool, error) {
	pos, err := e.ledger.Position(ctx, id)
	if err != nil {
		return false, err
	}
	if !pos.Active {
		return false, nil
	}
	return e.Health(pos).LessThan(one), nil
}

// HealthResult is one entry of a batch health scan.
type HealthResult struct {
	ID     uint64
	Health num.Decimal
	Err    error
}

// BatchHealthFactors evaluates every id independently.
func (e *Engine) BatchHealthFactors(ctx context.Context, ids []uint64) []HealthResult {
	out := make([]HealthResult, 0, len(ids))
	minHealth := HealthUnbounded
	unhealthy := 0
	for _, id := range ids {
		health, err := e.HealthFactor(ctx, id)
		out = append(out, HealthResult{ID: id, Health: health, Err: err})
		if err != nil {
			continue
		}
		if health.LessThan(minHealth) {
			minHealth = health
		}
		if health.LessThan(one) {
			unhealthy++
		}
	}
	if len(out) > 0 {
		metrics.Ledger().ObserveHealthScan(minHealth, unhealthy)
	}
	return out
}

// MaxWithdrawable is the margin that can leave pos while it stays above
// maintenance on both posted margin and equity.
func (e *Engine) MaxWithdrawable(_ context.Context, pos *positions.Position) (*num.Uint, error) {
	if pos == nil {
		return num.UintZero(), nil
	}
	maintenance := e.ledger.Config().MaintenanceMargin(pos.Notional)
	free, underflow := num.UintZero().SubOverflow(pos.Margin, maintenance)
	if underflow {
		return num.UintZero(), nil
	}
	equity := pos.Equity()
	equity.Add(equity, e.PendingAccrual(pos))
	equity.Sub(equity, maintenance.BigInt())
	if equity.Sign() <= 0 {
		return num.UintZero(), nil
	}
	if equity.Cmp(free.BigInt()) < 0 {
		bound, _ := num.UintFromBig(equity)
		return bound, nil
	}
	return free, nil
}

func (e *Engine) active(ctx context.Context, id uint64) (*positions.Position, error) {
	pos, err := e.ledger.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: %d", rserrors.ErrPositionNotActive, id)
	}
	return pos, nil
}
