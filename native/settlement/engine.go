package settlement

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
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/observability/metrics"
)

var (
	errNilLedger = errors.New("settlement: position ledger not configured")
	errNilRates  = errors.New("settlement: rate oracle not configured")
	errNilGrant  = errors.New("settlement: capability grant not configured")
	errNoKeeper  = fmt.Errorf("%w: keeper address required", rserrors.ErrUnauthorized)
)

// Ledger is the slice of the position manager the engine drives.
type Ledger interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	Acquire(g *common.Grant, id uint64) (func(), error)
	Position(ctx context.Context, id uint64) (*positions.Position, error)
	Now() time.Time
	Emit(ctx context.Context, evt events.Event)
	UpdatePositionPnL(ctx context.Context, g *common.Grant, id uint64, delta *big.Int, settledAt time.Time) (*positions.Position, error)
	PayKeeper(ctx context.Context, g *common.Grant, id uint64, keeper types.Address, reward, protocolFee *num.Uint) error
	ClosePosition(ctx context.Context, g *common.Grant, id uint64, closingFee *num.Uint) (*num.Uint, error)
}

// Rates is the oracle surface used for settlement.
type Rates interface {
	CurrentRate() oracle.Reading
	SettlementRate() (num.Decimal, error)
	TWAP(window time.Duration) (num.Decimal, error)
}

// Phase is the settlement lifecycle stage of a position.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseDue
	PhaseSettled
	PhaseMatured
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseDue:
		return "settlement_due"
	case PhaseSettled:
		return "settled"
	case PhaseMatured:
		return "matured"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Breakdown splits one accrual into the amounts settlement books.
type Breakdown struct {
	ID           uint64      `json:"id"`
	FloatingRate num.Decimal `json:"floatingRate"`
	From         time.Time   `json:"from"`
	To           time.Time   `json:"to"`
	Accrual      *big.Int    `json:"accrual"`
	Fee          *num.Uint   `json:"fee"`
	KeeperReward *num.Uint   `json:"keeperReward"`
	ProtocolFee  *num.Uint   `json:"protocolFee"`
	Net          *big.Int    `json:"net"`
}

// Projection is a read-only preview of the next settlement. RateCommitted is
// false until the oracle commits its first rate, and the projection is zero
// until then.
type Projection struct {
	Breakdown
	Due           bool `json:"due"`
	RateCommitted bool `json:"rateCommitted"`
}

// Result describes an executed settlement.
type Result struct {
	Breakdown
	Keeper types.Address `json:"keeper"`
	PnL    int64         `json:"pnl"`
}

// CloseResult describes a maturity close.
type CloseResult struct {
	ID         uint64    `json:"id"`
	Final      *Result   `json:"final,omitempty"`
	ClosingFee *num.Uint `json:"closingFee"`
	Payout     *num.Uint `json:"payout"`
}

// ItemResult is the per-id outcome of a batch.
type ItemResult struct {
	ID     uint64
	Result *Result
	Err    error
}

// BatchResult aggregates a batch settlement. Items are reported in input
// order; a failed item never affects its siblings.
type BatchResult struct {
	Settled      int
	KeeperReward *num.Uint
	Items        []ItemResult
}

// Engine marks positions to market against the oracle rate, pays keepers and
// closes matured positions.
type Engine struct {
	ledger Ledger
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

// NewEngine builds a settlement engine. The grant must carry the pnl, keeper
// payment and close capabilities.
func NewEngine(ledger Ledger, rates Rates, grant *common.Grant, cfg Config, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, errNilLedger
	}
	if rates == nil {
		return nil, errNilRates
	}
	if grant == nil {
		return nil, errNilGrant
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{ledger: ledger, rates: rates, grant: grant, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// CanSettle reports whether id is active and its settlement interval has
// elapsed. A matured position that has not settled up to maturity is always
// due.
func (e *Engine) CanSettle(ctx context.Context, id uint64) (bool, error) {
	pos, err := e.ledger.Position(ctx, id)
	if err != nil {
		return false, err
	}
	return pos.Active && e.due(pos, e.ledger.Now()), nil
}

func (e *Engine) due(pos *positions.Position, now time.Time) bool {
	if !pos.LastSettlementTime.Before(pos.MaturityTime) {
		return false
	}
	if pos.IsMature(now) {
		return true
	}
	return now.Sub(pos.LastSettlementTime) >= e.cfg.Interval
}

// Phase reports the lifecycle stage of id.
func (e *Engine) Phase(ctx context.Context, id uint64) (Phase, error) {
	pos, err := e.ledger.Position(ctx, id)
	if err != nil {
		return PhasePending, err
	}
	now := e.ledger.Now()
	switch {
	case !pos.Active:
		return PhaseClosed, nil
	case pos.IsMature(now) && !e.due(pos, now):
		return PhaseMatured, nil
	case e.due(pos, now):
		return PhaseDue, nil
	case pos.LastSettlementTime.After(pos.StartTime):
		return PhaseSettled, nil
	default:
		return PhasePending, nil
	}
}

// PendingSettlement projects the next settlement at the last committed rate
// without touching state. Before the first oracle commit the projection is
// zero.
func (e *Engine) PendingSettlement(ctx context.Context, id uint64) (*Projection, error) {
	pos, err := e.ledger.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: %d", rserrors.ErrPositionNotActive, id)
	}
	now := e.ledger.Now()
	reading := e.rates.CurrentRate()
	if !reading.Committed {
		return &Projection{Breakdown: zeroBreakdown(pos), Due: e.due(pos, now)}, nil
	}
	b, err := e.breakdown(pos, reading.Rate, now)
	if err != nil {
		return nil, err
	}
	return &Projection{Breakdown: *b, Due: e.due(pos, now), RateCommitted: true}, nil
}

// Settle marks id to market, credits the net accrual and pays the keeper's
// share of the fee immediately.
func (e *Engine) Settle(ctx context.Context, keeper types.Address, id uint64) (*Result, error) {
	if err := common.Guard(e.pauses, common.ModuleSettlement); err != nil {
		return nil, err
	}
	if types.IsZero(keeper) {
		return nil, errNoKeeper
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
		now := e.ledger.Now()
		if !e.due(pos, now) {
			return fmt.Errorf("%w: position %d last settled %s", rserrors.ErrSettlementNotReady, id, pos.LastSettlementTime.UTC().Format(time.RFC3339))
		}
		rate, err := e.settlementRate()
		if err != nil {
			return err
		}
		res, err = e.settleLocked(ctx, pos, keeper, rate, now)
		return err
	})
	if err != nil {
		metrics.Ledger().ObserveSettlement(err, num.DecimalZero, num.DecimalZero)
		return nil, err
	}
	metrics.Ledger().ObserveSettlement(nil, num.DecimalFromUint(res.KeeperReward), num.DecimalFromUint(res.ProtocolFee))
	return res, nil
}

// BatchSettle settles every id in its own transaction. Failures are
// reported per item and never roll back the other items.
func (e *Engine) BatchSettle(ctx context.Context, keeper types.Address, ids []uint64) BatchResult {
	out := BatchResult{KeeperReward: num.UintZero(), Items: make([]ItemResult, 0, len(ids))}
	for _, id := range ids {
		res, err := e.Settle(ctx, keeper, id)
		out.Items = append(out.Items, ItemResult{ID: id, Result: res, Err: err})
		if err != nil {
			metrics.Ledger().RecordBatchFailure("settle")
			e.logger.Debug("batch settle item failed", slog.Uint64("id", id), slog.Any("error", err))
			continue
		}
		out.Settled++
		out.KeeperReward.Add(out.KeeperReward, res.KeeperReward)
	}
	return out
}

// CloseMaturedPosition performs the final settlement up to maturity, paying
// the caller as keeper, then returns margin plus PnL less the closing fee to
// the current owner.
func (e *Engine) CloseMaturedPosition(ctx context.Context, caller types.Address, id uint64) (*CloseResult, error) {
	if err := common.Guard(e.pauses, common.ModuleSettlement); err != nil {
		return nil, err
	}
	if types.IsZero(caller) {
		return nil, errNoKeeper
	}
	var out *CloseResult
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
		now := e.ledger.Now()
		if !pos.IsMature(now) {
			return fmt.Errorf("%w: position %d matures %s", rserrors.ErrNotMature, id, pos.MaturityTime.UTC().Format(time.RFC3339))
		}
		out = &CloseResult{ID: id}
		if e.due(pos, now) {
			rate, err := e.settlementRate()
			if err != nil {
				return err
			}
			if out.Final, err = e.settleLocked(ctx, pos, caller, rate, now); err != nil {
				return err
			}
			if pos, err = e.activePosition(ctx, id); err != nil {
				return err
			}
		}
		out.ClosingFee = e.closingFee(pos)
		payout, err := e.ledger.ClosePosition(ctx, e.grant, id, out.ClosingFee)
		if err != nil {
			return err
		}
		out.Payout = payout
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Ledger().ObserveClosingFee(num.DecimalFromUint(out.ClosingFee))
	e.logger.Info("matured position closed",
		slog.Uint64("id", id),
		slog.String("caller", caller.Hex()),
		slog.String("payout", out.Payout.String()),
		slog.String("closingFee", out.ClosingFee.String()))
	return out, nil
}

func (e *Engine) settleLocked(ctx context.Context, pos *positions.Position, keeper types.Address, rate num.Decimal, now time.Time) (*Result, error) {
	b, err := e.breakdown(pos, rate, now)
	if err != nil {
		return nil, err
	}
	updated, err := e.ledger.UpdatePositionPnL(ctx, e.grant, pos.ID, b.Net, b.To)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.PayKeeper(ctx, e.grant, pos.ID, keeper, b.KeeperReward, b.ProtocolFee); err != nil {
		return nil, err
	}
	res := &Result{Breakdown: *b, Keeper: keeper, PnL: updated.AccumulatedPnL}
	e.ledger.Emit(ctx, events.PositionSettled{
		ID:           pos.ID,
		Keeper:       keeper,
		FloatingRate: rate,
		Accrual:      num.DecimalFromBig(b.Accrual),
		Net:          b.Net.Int64(),
		KeeperReward: b.KeeperReward.Clone(),
		ProtocolFee:  b.ProtocolFee.Clone(),
		PnL:          updated.AccumulatedPnL,
		SettledAt:    b.To,
	})
	e.logger.Debug("position settled",
		slog.Uint64("id", pos.ID),
		slog.String("rate", rate.String()),
		slog.String("accrual", b.Accrual.String()),
		slog.String("keeperReward", b.KeeperReward.String()))
	return res, nil
}

// breakdown applies the accrual formula and fee split from the last
// settlement to now, capped at maturity.
func (e *Engine) breakdown(pos *positions.Position, rate num.Decimal, now time.Time) (*Breakdown, error) {
	to := now
	if to.After(pos.MaturityTime) {
		to = pos.MaturityTime
	}
	if to.Before(pos.LastSettlementTime) {
		to = pos.LastSettlementTime
	}
	accrual := margin.Accrual(pos, rate, pos.LastSettlementTime, to)
	magnitude, overflow := num.UintFromBig(new(big.Int).Abs(accrual))
	if overflow {
		return nil, fmt.Errorf("%w: accrual %s on %d", rserrors.ErrPnLOverflow, accrual, pos.ID)
	}
	fee, overflow := num.MulBps(magnitude, e.cfg.SettlementFeeBps)
	if overflow {
		return nil, fmt.Errorf("%w: fee on %s", rserrors.ErrPnLOverflow, magnitude)
	}
	reward, _ := num.MulBps(fee, e.cfg.KeeperShareBps)
	protocol := num.UintZero().Sub(fee, reward)
	net := new(big.Int).Sub(accrual, fee.BigInt())
	return &Breakdown{
		ID:           pos.ID,
		FloatingRate: rate,
		From:         pos.LastSettlementTime,
		To:           to,
		Accrual:      accrual,
		Fee:          fee,
		KeeperReward: reward,
		ProtocolFee:  protocol,
		Net:          net,
	}, nil
}

func zeroBreakdown(pos *positions.Position) Breakdown {
	return Breakdown{
		ID:           pos.ID,
		FloatingRate: num.DecimalZero,
		From:         pos.LastSettlementTime,
		To:           pos.LastSettlementTime,
		Accrual:      new(big.Int),
		Fee:          num.UintZero(),
		KeeperReward: num.UintZero(),
		ProtocolFee:  num.UintZero(),
		Net:          new(big.Int),
	}
}

// closingFee is ClosingFeeBps of the position's positive equity.
func (e *Engine) closingFee(pos *positions.Position) *num.Uint {
	equity := pos.Equity()
	if equity.Sign() <= 0 {
		return num.UintZero()
	}
	gross, overflow := num.UintFromBig(equity)
	if overflow {
		return num.UintZero()
	}
	fee, _ := num.MulBps(gross, e.cfg.ClosingFeeBps)
	return fee
}

func (e *Engine) settlementRate() (num.Decimal, error) {
	spot, err := e.rates.SettlementRate()
	if err != nil {
		return num.DecimalZero, err
	}
	if e.cfg.RateWindow <= 0 {
		return spot, nil
	}
	return e.rates.TWAP(e.cfg.RateWindow)
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
