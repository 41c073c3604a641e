// Package ledger assembles the position manager, oracle and risk engines into
// one ledger instance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rateswap/config"
	"rateswap/core/events"
	"rateswap/core/types"
	"rateswap/native/collateral"
	"rateswap/native/common"
	"rateswap/native/liquidation"
	"rateswap/native/margin"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/native/registry"
	"rateswap/native/settlement"
)

// Holder names of the engine capability grants.
const (
	SettlementHolder  = "settlement"
	LiquidationHolder = "liquidation"
)

var errNoSources = errors.New("ledger: at least one rate source required")

// Deps are the collaborators the ledger is built from. Nil token, registry
// and store default to in-memory implementations.
type Deps struct {
	Token    *collateral.Token
	Registry *registry.Registry
	Store    positions.Store
	Sources  []oracle.Source
	Custody  types.Address
	FeePool  types.Address
	Recorder oracle.Recorder
}

// Ledger exposes the assembled components.
type Ledger struct {
	Token       *collateral.Token
	Registry    *registry.Registry
	Positions   *positions.Manager
	Oracle      *oracle.Oracle
	Margin      *margin.Engine
	Settlement  *settlement.Engine
	Liquidation *liquidation.Engine

	risk config.Risk
}

type options struct {
	now     func() time.Time
	logger  *slog.Logger
	emitter events.Emitter
	pauses  common.PauseView
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmitter receives every committed ledger and oracle event.
func WithEmitter(e events.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithPauses overrides the pause toggles from the risk config.
func WithPauses(p common.PauseView) Option {
	return func(o *options) { o.pauses = p }
}

// New wires the ledger. Each engine receives its own capability grant with
// exactly the restricted operations it needs.
func New(deps Deps, risk config.Risk, opts ...Option) (*Ledger, error) {
	if err := config.ValidateRisk(risk); err != nil {
		return nil, err
	}
	if len(deps.Sources) == 0 {
		return nil, errNoSources
	}
	o := options{now: time.Now, logger: slog.Default(), emitter: events.NoopEmitter{}, pauses: risk.Pauses}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if deps.Token == nil {
		deps.Token = collateral.NewToken(risk.Collateral.Symbol, risk.Collateral.Decimals)
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Store == nil {
		deps.Store = positions.NewMemStore()
	}

	manager, err := positions.NewManager(deps.Store, deps.Token, deps.Registry, deps.Custody, deps.FeePool, risk.Positions,
		positions.WithClock(o.now),
		positions.WithLogger(o.logger.With("module", common.ModulePositions)),
		positions.WithEmitter(o.emitter),
		positions.WithPauses(o.pauses))
	if err != nil {
		return nil, err
	}
	oracleOpts := []oracle.Option{
		oracle.WithClock(o.now),
		oracle.WithLogger(o.logger.With("module", common.ModuleOracle)),
		oracle.WithEmitter(o.emitter),
		oracle.WithPauses(o.pauses),
	}
	if deps.Recorder != nil {
		oracleOpts = append(oracleOpts, oracle.WithRecorder(deps.Recorder))
	}
	rates, err := oracle.New(deps.Sources, risk.Oracle, oracleOpts...)
	if err != nil {
		return nil, err
	}
	marginEngine, err := margin.NewEngine(manager, rates)
	if err != nil {
		return nil, err
	}
	manager.SetMarginPolicy(marginEngine)

	settleGrant, err := manager.Grant(SettlementHolder, common.CapUpdatePnL|common.CapPayKeeper|common.CapClosePosition, 0)
	if err != nil {
		return nil, fmt.Errorf("ledger: settlement grant: %w", err)
	}
	settlementEngine, err := settlement.NewEngine(manager, rates, settleGrant, risk.Settlement,
		settlement.WithLogger(o.logger.With("module", common.ModuleSettlement)),
		settlement.WithPauses(o.pauses))
	if err != nil {
		return nil, err
	}
	liquidationGrant, err := manager.Grant(LiquidationHolder, common.CapUpdatePnL|common.CapSeizeMargin|common.CapClosePosition, 0)
	if err != nil {
		return nil, fmt.Errorf("ledger: liquidation grant: %w", err)
	}
	liquidationEngine, err := liquidation.NewEngine(manager, marginEngine, rates, liquidationGrant, risk.Liquidation,
		liquidation.WithLogger(o.logger.With("module", common.ModuleLiquidation)),
		liquidation.WithPauses(o.pauses))
	if err != nil {
		return nil, err
	}

	return &Ledger{
		Token:       deps.Token,
		Registry:    deps.Registry,
		Positions:   manager,
		Oracle:      rates,
		Margin:      marginEngine,
		Settlement:  settlementEngine,
		Liquidation: liquidationEngine,
		risk:        risk,
	}, nil
}

func (l *Ledger) Risk() config.Risk { return l.risk }

// Summary is a point-in-time view of ledger aggregates.
type Summary struct {
	Totals  positions.Totals `json:"totals"`
	Reserve string           `json:"reserve"`
	Custody string           `json:"custody"`
	Rate    oracle.Reading   `json:"rate"`
}

// Summary reads totals, reserve and the oracle reading under one view.
func (l *Ledger) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	err := l.Positions.View(ctx, func(ctx context.Context) error {
		totals, err := l.Positions.Totals(ctx)
		if err != nil {
			return err
		}
		reserve, err := l.Positions.Reserve(ctx)
		if err != nil {
			return err
		}
		out.Totals = totals
		out.Reserve = reserve.String()
		out.Custody = l.Token.BalanceOf(l.Positions.Custody()).String()
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	out.Rate = l.Oracle.CurrentRate()
	return out, nil
}

// DueForSettlement lists active positions whose settlement interval elapsed.
func (l *Ledger) DueForSettlement(ctx context.Context) ([]uint64, error) {
	return l.filterActive(ctx, l.Settlement.CanSettle)
}

// Liquidatable lists active positions with health below one.
func (l *Ledger) Liquidatable(ctx context.Context) ([]uint64, error) {
	return l.filterActive(ctx, l.Liquidation.CanLiquidate)
}

// Matured lists active positions past maturity.
func (l *Ledger) Matured(ctx context.Context) ([]uint64, error) {
	now := l.Positions.Now()
	return l.filterActive(ctx, func(ctx context.Context, id uint64) (bool, error) {
		pos, err := l.Positions.Position(ctx, id)
		if err != nil {
			return false, err
		}
		return pos.IsMature(now), nil
	})
}

func (l *Ledger) filterActive(ctx context.Context, keep func(context.Context, uint64) (bool, error)) ([]uint64, error) {
	var out []uint64
	err := l.Positions.View(ctx, func(ctx context.Context) error {
		ids, err := l.Positions.ActivePositionIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			ok, err := keep(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}
