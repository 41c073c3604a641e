package liquidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rserrors "rateswap/core/errors"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/collateral"
	"rateswap/native/common"
	"rateswap/native/margin"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/native/registry"
)

var (
	custody    = types.BytesToAddress([]byte{0xc0})
	feePool    = types.BytesToAddress([]byte{0xfe})
	alice      = types.BytesToAddress([]byte{0xa1})
	liquidator = types.BytesToAddress([]byte{0x11})
)

const day = 24 * time.Hour

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock   *clock
	token   *collateral.Token
	manager *positions.Manager
	source  *oracle.ManualSource
	oracle  *oracle.Oracle
	margin  *margin.Engine
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  &clock{now: time.Unix(1_700_000_000, 0).UTC()},
		token:  collateral.NewToken("USDC", 6),
		source: oracle.NewManualSource("manual"),
	}
	require.NoError(t, h.token.Mint(alice, usd(1_000_000)))
	manager, err := positions.NewManager(positions.NewMemStore(), h.token, registry.New(), custody, feePool,
		positions.DefaultConfig(), positions.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.manager = manager
	h.oracle, err = oracle.New([]oracle.Source{h.source}, oracle.Config{}, oracle.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.margin, err = margin.NewEngine(manager, h.oracle)
	require.NoError(t, err)
	manager.SetMarginPolicy(h.margin)

	grant, err := manager.Grant("liquidation", common.CapUpdatePnL|common.CapSeizeMargin|common.CapClosePosition, 0)
	require.NoError(t, err)
	h.engine, err = NewEngine(manager, h.margin, h.oracle, grant, DefaultConfig())
	require.NoError(t, err)
	return h
}

func usd(v uint64) *num.Uint { return num.NewUint(v * 1_000_000) }

func (h *harness) setRate(t *testing.T, rate string) {
	t.Helper()
	h.source.Set(num.MustDecimal(rate))
	_, err := h.oracle.UpdateRate(context.Background())
	require.NoError(t, err)
}

func (h *harness) open(t *testing.T, margin uint64) *positions.Position {
	t.Helper()
	pos, err := h.manager.Open(context.Background(), alice, positions.OpenRequest{
		Direction:    positions.DirectionPayFixed,
		Notional:     usd(100_000),
		FixedRate:    num.MustDecimal("0.05"),
		MaturityDays: 90,
		Margin:       usd(margin),
	})
	require.NoError(t, err)
	return pos
}

// underwater opens the thin position used across liquidation tests: 5.1k of
// margin on 100k notional after 30 days of 1% floating.
func (h *harness) underwater(t *testing.T) *positions.Position {
	t.Helper()
	h.setRate(t, "0.05")
	pos := h.open(t, 10_000)
	_, err := h.manager.RemoveMargin(context.Background(), alice, pos.ID, usd(4_900))
	require.NoError(t, err)
	h.clock.Advance(30 * day)
	h.setRate(t, "0.01")
	return pos
}

func TestLiquidationReconciles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.underwater(t)

	health, err := h.margin.HealthFactor(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, health.Equal(num.MustDecimal("0.9542465754")), "got %s", health)
	ok, err := h.engine.CanLiquidate(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.engine.Liquidate(ctx, liquidator, pos.ID)
	require.NoError(t, err)
	require.Equal(t, "-328767123", res.Marked.String())
	require.Equal(t, "2550000000", res.Seized.String())
	require.Equal(t, "2422500000", res.Reward.String())
	require.Equal(t, "127500000", res.ProtocolFee.String())
	require.True(t, num.Sum(res.Reward, res.ProtocolFee).EQ(res.Seized))
	require.False(t, res.Closed)

	require.Equal(t, "2422500000", h.token.BalanceOf(liquidator).String())
	require.Equal(t, "127500000", h.token.BalanceOf(feePool).String())
	require.Equal(t, "2550000000", h.token.BalanceOf(custody).String())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, "2550000000", stored.Margin.String())
	require.Equal(t, "50000000000", stored.Notional.String())
	require.Equal(t, int64(-328_767_123), stored.AccumulatedPnL)
	require.True(t, stored.LastSettlementTime.Equal(h.clock.Now()))

	totals, err := h.manager.Totals(ctx)
	require.NoError(t, err)
	require.Equal(t, "2550000000", totals.TotalMargin.String())
	require.Equal(t, "50000000000", totals.TotalNotional.String())
	require.NoError(t, h.manager.CheckSolvency(ctx))
}

func TestHealthyPositionIsNotLiquidated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, 10_000)
	h.clock.Advance(10 * day)
	h.setRate(t, "0.03")

	_, err := h.engine.Liquidate(ctx, liquidator, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrNotLiquidatable)
	require.Equal(t, rserrors.KindState, rserrors.KindOf(err))

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AccumulatedPnL)
	require.True(t, stored.LastSettlementTime.Equal(pos.LastSettlementTime))
}

func TestLiquidationClosesExhaustedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, 10_000)
	h.clock.Advance(90 * day)
	h.setRate(t, "-0.20")

	res, err := h.engine.Liquidate(ctx, liquidator, pos.ID)
	require.NoError(t, err)
	require.Equal(t, "-6164383561", res.Marked.String())
	require.True(t, res.Health.LessThan(num.MustDecimal("0.77")))
	require.Equal(t, "5000000000", res.Seized.String())
	require.Equal(t, "4750000000", res.Reward.String())
	require.True(t, res.Closed)
	require.True(t, res.Residual.IsZero())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.False(t, stored.Active)
	require.True(t, stored.Margin.IsZero())
	require.Equal(t, "990000000000", h.token.BalanceOf(alice).String())

	totals, err := h.manager.Totals(ctx)
	require.NoError(t, err)
	require.Zero(t, totals.OpenPositions)
	require.True(t, totals.TotalMargin.IsZero())
	reserve, err := h.manager.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, "5000000000", reserve.String())

	_, err = h.engine.Liquidate(ctx, liquidator, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrPositionNotActive)
}

func TestPartialLiquidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.underwater(t)

	_, err := h.engine.PartialLiquidate(ctx, liquidator, pos.ID, usd(2_551))
	require.ErrorIs(t, err, rserrors.ErrSeizeTooLarge)
	_, err = h.engine.PartialLiquidate(ctx, liquidator, pos.ID, num.UintZero())
	require.ErrorIs(t, err, rserrors.ErrInvalidAmount)

	res, err := h.engine.PartialLiquidate(ctx, liquidator, pos.ID, usd(1_000))
	require.NoError(t, err)
	require.Equal(t, "950000000", res.Reward.String())
	require.Equal(t, "50000000", res.ProtocolFee.String())
	require.Equal(t, "4100000000", res.Remaining.String())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	// 100k scaled by 4100/5100
	require.Equal(t, "80392156862", stored.Notional.String())
}

func TestBatchLiquidateSkipsHealthy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	weak := h.underwater(t)
	strong := h.open(t, 10_000)

	out := h.engine.BatchLiquidate(ctx, liquidator, []uint64{weak.ID, strong.ID, 99})
	require.Equal(t, 1, out.Liquidated)
	require.Equal(t, "2422500000", out.Reward.String())
	require.Len(t, out.Items, 3)
	require.NoError(t, out.Items[0].Err)
	require.NotNil(t, out.Items[0].Result)
	require.True(t, out.Items[1].Skipped)
	require.NoError(t, out.Items[1].Err)
	require.ErrorIs(t, out.Items[2].Err, rserrors.ErrPositionNotFound)
}

func TestLiquidateRequiresFreshRate(t *testing.T) {
	h := newHarness(t)
	pos := h.underwater(t)
	h.clock.Advance(2 * time.Hour)

	_, err := h.engine.Liquidate(context.Background(), liquidator, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrStale)
}

func TestReentrantLiquidatorIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.underwater(t)

	h.token.SetReceiveHook(liquidator, func(ctx context.Context, _ types.Address, _ *num.Uint) error {
		_, err := h.engine.Liquidate(ctx, liquidator, pos.ID)
		return err
	})
	_, err := h.engine.Liquidate(ctx, liquidator, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrReentrantCall)
	require.True(t, h.token.BalanceOf(liquidator).IsZero())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, "5100000000", stored.Margin.String())
	require.Zero(t, stored.AccumulatedPnL)
}

func TestLiquidateRequiresLiquidator(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Liquidate(context.Background(), types.Address{}, 1)
	require.ErrorIs(t, err, rserrors.ErrUnauthorized)
}

func TestSplitNeverExceedsSeized(t *testing.T) {
	seized := []uint64{0, 1, 7, 999, 10_000, 123_456_789, 1 << 40}
	configs := []Config{
		DefaultConfig(),
		{MaxLiquidationBps: 10_000, ProtocolFeeBps: 100, LiquidationBonusBps: 900},
		{MaxLiquidationBps: 10_000, ProtocolFeeBps: 0, LiquidationBonusBps: 10_000},
		{MaxLiquidationBps: 10_000, ProtocolFeeBps: 10_000, LiquidationBonusBps: 10_000},
		{MaxLiquidationBps: 2_500, ProtocolFeeBps: 333, LiquidationBonusBps: 334},
	}
	for _, cfg := range configs {
		for _, s := range seized {
			amount := num.NewUint(s)
			split, err := cfg.SplitSeized(amount)
			require.NoError(t, err)
			require.True(t, split.Reward.LTE(amount), "reward %s > seized %s (%+v)", split.Reward, amount, cfg)
			require.True(t, num.Sum(split.Reward, split.ProtocolFee).EQ(amount))
		}
	}

	// a bonus above the fee is capped at the fee
	split, err := Config{ProtocolFeeBps: 100, LiquidationBonusBps: 900}.SplitSeized(num.NewUint(10_000))
	require.NoError(t, err)
	require.Equal(t, "100", split.Bonus.String())
	require.Equal(t, "10000", split.Reward.String())
	require.True(t, split.ProtocolFee.IsZero())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{MaxLiquidationBps: 10_001}.Validate())
	require.Error(t, Config{MaxLiquidationBps: 5_000, ProtocolFeeBps: 20_000}.Validate())
	require.Equal(t, uint64(DefaultMaxLiquidationBps), Config{}.WithDefaults().MaxLiquidationBps)
}
