package settlement

import (
	"context"
	"errors"
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
	custody  = types.BytesToAddress([]byte{0xc0})
	feePool  = types.BytesToAddress([]byte{0xfe})
	treasury = types.BytesToAddress([]byte{0x77})
	alice    = types.BytesToAddress([]byte{0xa1})
	keeper   = types.BytesToAddress([]byte{0x4e})
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
	clock    *clock
	token    *collateral.Token
	registry *registry.Registry
	manager  *positions.Manager
	source   *oracle.ManualSource
	oracle   *oracle.Oracle
	engine   *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{now: time.Unix(1_700_000_000, 0).UTC()},
		token:    collateral.NewToken("USDC", 6),
		registry: registry.New(),
		source:   oracle.NewManualSource("manual"),
	}
	for _, addr := range []types.Address{alice, treasury} {
		require.NoError(t, h.token.Mint(addr, usd(1_000_000)))
	}
	manager, err := positions.NewManager(positions.NewMemStore(), h.token, h.registry, custody, feePool,
		positions.DefaultConfig(), positions.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.manager = manager

	h.oracle, err = oracle.New([]oracle.Source{h.source}, oracle.Config{}, oracle.WithClock(h.clock.Now))
	require.NoError(t, err)
	engine, err := margin.NewEngine(manager, h.oracle)
	require.NoError(t, err)
	manager.SetMarginPolicy(engine)

	grant, err := manager.Grant("settlement", common.CapUpdatePnL|common.CapPayKeeper|common.CapClosePosition, 0)
	require.NoError(t, err)
	h.engine, err = NewEngine(manager, h.oracle, grant, cfg)
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

func (h *harness) open(t *testing.T, direction positions.Direction) *positions.Position {
	t.Helper()
	pos, err := h.manager.Open(context.Background(), alice, positions.OpenRequest{
		Direction:    direction,
		Notional:     usd(100_000),
		FixedRate:    num.MustDecimal("0.05"),
		MaturityDays: 90,
		Margin:       usd(10_000),
	})
	require.NoError(t, err)
	return pos
}

func (h *harness) fund(t *testing.T, amount uint64) {
	t.Helper()
	require.NoError(t, h.manager.FundReserve(context.Background(), treasury, usd(amount)))
}

func TestSettlePaysKeeperImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	h.clock.Advance(day)
	h.setRate(t, "0.06")
	res, err := h.engine.Settle(ctx, keeper, pos.ID)
	require.NoError(t, err)

	// 100_000 * 0.01 / 365 ~= 2.739726
	require.Equal(t, "2739726", res.Accrual.String())
	require.Equal(t, "136986", res.Fee.String())
	require.Equal(t, "68493", res.KeeperReward.String())
	require.Equal(t, "68493", res.ProtocolFee.String())
	require.Equal(t, "2602740", res.Net.String())
	require.Equal(t, int64(2_602_740), res.PnL)

	require.Equal(t, "68493", h.token.BalanceOf(keeper).String())
	require.Equal(t, "68493", h.token.BalanceOf(feePool).String())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, h.clock.Now().Equal(stored.LastSettlementTime))
	require.Equal(t, int64(2_602_740), stored.AccumulatedPnL)
	require.NoError(t, h.manager.CheckSolvency(ctx))
}

func TestSettleTwiceWithinIntervalFails(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	_, err := h.engine.Settle(ctx, keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrSettlementNotReady)

	h.clock.Advance(day)
	h.setRate(t, "0.06")
	_, err = h.engine.Settle(ctx, keeper, pos.ID)
	require.NoError(t, err)
	before := h.token.BalanceOf(keeper)

	h.clock.Advance(time.Hour)
	h.setRate(t, "0.06")
	_, err = h.engine.Settle(ctx, keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrSettlementNotReady)
	require.Equal(t, rserrors.KindState, rserrors.KindOf(err))
	require.True(t, h.token.BalanceOf(keeper).EQ(before))
}

func TestPayFloatingLosesWhenRatesRise(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFloating)
	h.fund(t, 1_000)

	h.clock.Advance(day)
	h.setRate(t, "0.06")
	res, err := h.engine.Settle(context.Background(), keeper, pos.ID)
	require.NoError(t, err)
	require.Equal(t, "-2739726", res.Accrual.String())
	require.Equal(t, "-2876712", res.Net.String())
	require.Equal(t, "68493", h.token.BalanceOf(keeper).String())
}

func TestSettleRequiresFreshRate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)
	h.clock.Advance(day)

	_, err := h.engine.Settle(context.Background(), keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrNoRate)

	h.setRate(t, "0.06")
	h.clock.Advance(2 * time.Hour)
	_, err = h.engine.Settle(context.Background(), keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrStale)
	require.Equal(t, rserrors.KindOracle, rserrors.KindOf(err))
}

func TestSettleWithoutReserveRollsBack(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)

	h.clock.Advance(day)
	h.setRate(t, "0.06")
	_, err := h.engine.Settle(ctx, keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrInsufficientCustody)
	require.Equal(t, rserrors.KindSolvency, rserrors.KindOf(err))

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AccumulatedPnL)
	require.True(t, pos.LastSettlementTime.Equal(stored.LastSettlementTime))
	require.True(t, h.token.BalanceOf(keeper).IsZero())
}

func TestSettleRequiresKeeper(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.engine.Settle(context.Background(), types.Address{}, 1)
	require.ErrorIs(t, err, rserrors.ErrUnauthorized)
}

func TestBatchSettleIsolatesFailures(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	first := h.open(t, positions.DirectionPayFixed)
	second := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	h.clock.Advance(day)
	h.setRate(t, "0.06")
	out := h.engine.BatchSettle(ctx, keeper, []uint64{first.ID, 99, second.ID})
	require.Equal(t, 2, out.Settled)
	require.Len(t, out.Items, 3)
	require.NoError(t, out.Items[0].Err)
	require.ErrorIs(t, out.Items[1].Err, rserrors.ErrPositionNotFound)
	require.NoError(t, out.Items[2].Err)
	require.Equal(t, "136986", out.KeeperReward.String())
	require.Equal(t, "136986", h.token.BalanceOf(keeper).String())

	// a second pass within the interval settles nothing
	again := h.engine.BatchSettle(ctx, keeper, []uint64{first.ID, second.ID})
	require.Zero(t, again.Settled)
	for _, item := range again.Items {
		require.ErrorIs(t, item.Err, rserrors.ErrSettlementNotReady)
	}
}

func TestPendingSettlementIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	h.clock.Advance(12 * time.Hour)
	h.setRate(t, "0.07")
	first, err := h.engine.PendingSettlement(ctx, pos.ID)
	require.NoError(t, err)
	second, err := h.engine.PendingSettlement(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.False(t, first.Due)
	require.True(t, first.RateCommitted)
	require.Equal(t, 1, first.Accrual.Sign())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AccumulatedPnL)
}

func TestPendingSettlementIsZeroBeforeFirstCommit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	pos := h.open(t, positions.DirectionPayFixed)
	h.clock.Advance(day)

	projection, err := h.engine.PendingSettlement(ctx, pos.ID)
	require.NoError(t, err)
	require.False(t, projection.RateCommitted)
	require.Zero(t, projection.Accrual.Sign())
	require.Zero(t, projection.Net.Sign())
	require.True(t, projection.Fee.IsZero())
	require.True(t, projection.KeeperReward.IsZero())
	require.True(t, projection.Due)
}

func TestPhases(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	phase, err := h.engine.Phase(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, PhasePending, phase)

	h.clock.Advance(day)
	h.setRate(t, "0.05")
	phase, _ = h.engine.Phase(ctx, pos.ID)
	require.Equal(t, PhaseDue, phase)
	ok, err := h.engine.CanSettle(ctx, pos.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.engine.Settle(ctx, keeper, pos.ID)
	require.NoError(t, err)
	phase, _ = h.engine.Phase(ctx, pos.ID)
	require.Equal(t, PhaseSettled, phase)

	h.clock.Advance(89 * day)
	h.setRate(t, "0.05")
	_, err = h.engine.CloseMaturedPosition(ctx, keeper, pos.ID)
	require.NoError(t, err)
	phase, _ = h.engine.Phase(ctx, pos.ID)
	require.Equal(t, PhaseClosed, phase)
	ok, _ = h.engine.CanSettle(ctx, pos.ID)
	require.False(t, ok)
}

func TestCloseMaturedPosition(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	h.clock.Advance(30 * day)
	h.setRate(t, "0.06")
	_, err := h.engine.CloseMaturedPosition(ctx, keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrNotMature)

	h.clock.Advance(65 * day)
	h.setRate(t, "0.06")
	out, err := h.engine.CloseMaturedPosition(ctx, keeper, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Final)
	// accrual stops at maturity: 90 days of 1% on 100k
	require.Equal(t, "246575342", out.Final.Accrual.String())
	require.True(t, pos.MaturityTime.Equal(out.Final.To))
	require.Equal(t, "10234246", out.ClosingFee.String())
	require.Equal(t, "10224012329", out.Payout.String())

	require.Equal(t, "1000224012329", h.token.BalanceOf(alice).String())
	require.Equal(t, "6164383", h.token.BalanceOf(keeper).String())

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.False(t, stored.Active)
	require.True(t, stored.Margin.IsZero())
	totals, err := h.manager.Totals(ctx)
	require.NoError(t, err)
	require.Zero(t, totals.OpenPositions)
	require.True(t, totals.TotalMargin.IsZero())
	require.NoError(t, h.manager.CheckSolvency(ctx))

	_, err = h.engine.CloseMaturedPosition(ctx, keeper, pos.ID)
	require.ErrorIs(t, err, rserrors.ErrPositionNotActive)
}

func TestRateWindowSettlesAgainstTWAP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateWindow = day
	h := newHarness(t, cfg)
	h.setRate(t, "0.04")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)

	h.clock.Advance(12 * time.Hour)
	h.setRate(t, "0.08")
	h.clock.Advance(12 * time.Hour)
	h.setRate(t, "0.08")

	res, err := h.engine.Settle(context.Background(), keeper, pos.ID)
	require.NoError(t, err)
	require.True(t, res.FloatingRate.Equal(num.MustDecimal("0.06")), "got %s", res.FloatingRate)
	require.Equal(t, "2739726", res.Accrual.String())
}

func TestReentrantKeeperIsRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.setRate(t, "0.05")
	pos := h.open(t, positions.DirectionPayFixed)
	h.fund(t, 1_000)
	h.clock.Advance(day)
	h.setRate(t, "0.06")

	h.token.SetReceiveHook(keeper, func(ctx context.Context, _ types.Address, _ *num.Uint) error {
		_, err := h.engine.Settle(ctx, keeper, pos.ID)
		return err
	})
	_, err := h.engine.Settle(ctx, keeper, pos.ID)
	require.True(t, errors.Is(err, rserrors.ErrReentrantCall), "got %v", err)

	stored, err := h.manager.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AccumulatedPnL)
	require.True(t, h.token.BalanceOf(keeper).IsZero())

	h.token.SetReceiveHook(keeper, nil)
	_, err = h.engine.Settle(ctx, keeper, pos.ID)
	require.NoError(t, err)
}

func TestPausedSettlement(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.pauses = pausedModules{common.ModuleSettlement: true}
	_, err := h.engine.Settle(context.Background(), keeper, 1)
	require.ErrorIs(t, err, rserrors.ErrModulePaused)
}

type pausedModules map[string]bool

func (p pausedModules) IsPaused(module string) bool { return p[module] }

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.KeeperShareBps = 10_001
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.RateWindow = -time.Second
	require.Error(t, cfg.Validate())
}
