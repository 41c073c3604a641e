package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rateswap/config"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/ledger"
	"rateswap/native/oracle"
	"rateswap/native/positions"
)

var (
	custody  = types.BytesToAddress([]byte{0xc0})
	feePool  = types.BytesToAddress([]byte{0xfe})
	treasury = types.BytesToAddress([]byte{0x77})
	trader   = types.BytesToAddress([]byte{0xa1})
	operator = types.BytesToAddress([]byte{0x4e})
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
	clock  *clock
	feed   *oracle.ManualSource
	ledger *ledger.Ledger
	keeper *Keeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: time.Unix(1_700_000_000, 0).UTC()}, feed: oracle.NewManualSource("feed")}
	l, err := ledger.New(ledger.Deps{Sources: []oracle.Source{h.feed}, Custody: custody, FeePool: feePool},
		config.DefaultRisk(), ledger.WithClock(h.clock.Now))
	require.NoError(t, err)
	for _, addr := range []types.Address{trader, treasury} {
		require.NoError(t, l.Token.Mint(addr, usd(1_000_000)))
	}
	require.NoError(t, l.Positions.FundReserve(context.Background(), treasury, usd(10_000)))
	h.ledger = l
	h.keeper, err = New(l, operator, time.Minute)
	require.NoError(t, err)
	return h
}

func usd(v uint64) *num.Uint { return num.NewUint(v * 1_000_000) }

func (h *harness) open(t *testing.T, margin uint64) *positions.Position {
	t.Helper()
	pos, err := h.ledger.Positions.Open(context.Background(), trader, positions.OpenRequest{
		Direction:    positions.DirectionPayFixed,
		Notional:     usd(100_000),
		FixedRate:    num.MustDecimal("0.05"),
		MaturityDays: 90,
		Margin:       usd(margin),
	})
	require.NoError(t, err)
	return pos
}

func TestTickSettlesDuePositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.Set(num.MustDecimal("0.05"))
	report, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	require.True(t, report.Committed)
	require.Zero(t, report.Settled)

	h.open(t, 10_000)
	h.clock.Advance(day)
	h.feed.Set(num.MustDecimal("0.06"))
	report, err = h.keeper.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, "0.06", report.Rate)
	require.Equal(t, 1, report.Settled)
	require.Equal(t, "68493", report.KeeperReward)
	require.Zero(t, report.Failures)
	require.Equal(t, "68493", h.ledger.Token.BalanceOf(operator).String())
	require.Equal(t, report, h.keeper.LastReport())
	require.NoError(t, h.ledger.Positions.CheckSolvency(ctx))
}

func TestTickLiquidatesAfterSettling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.Set(num.MustDecimal("0.05"))
	_, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	pos := h.open(t, 10_000)
	_, err = h.ledger.Positions.RemoveMargin(ctx, trader, pos.ID, usd(4_900))
	require.NoError(t, err)

	h.clock.Advance(30 * day)
	h.feed.Set(num.MustDecimal("0.01"))
	report, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)
	require.Equal(t, 1, report.Liquidated)
	require.Zero(t, report.Failures)
	require.NotEqual(t, "0", report.LiquidationReward)
	require.NoError(t, h.ledger.Positions.CheckSolvency(ctx))
}

func TestTickClosesMaturedPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.Set(num.MustDecimal("0.05"))
	_, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	pos := h.open(t, 10_000)

	h.clock.Advance(90 * day)
	report, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Settled)
	require.Equal(t, 1, report.Closed)

	closed, err := h.ledger.Positions.Position(ctx, pos.ID)
	require.NoError(t, err)
	require.False(t, closed.Active)
	require.NoError(t, h.ledger.Positions.CheckSolvency(ctx))
}

func TestTickReportsOracleFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.Set(num.MustDecimal("0.05"))
	_, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	h.open(t, 10_000)

	h.clock.Advance(day)
	h.feed.Fail(errors.New("upstream down"))
	report, err := h.keeper.Tick(ctx)
	require.NoError(t, err)
	require.False(t, report.Committed)
	require.NotEmpty(t, report.OracleError)
	require.Equal(t, "0.05", report.Rate)
	require.Zero(t, report.Settled)
	require.Equal(t, 1, report.Failures)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.feed.Set(num.MustDecimal("0.05"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.keeper.Run(ctx) }()
	require.Eventually(t, func() bool { return h.keeper.LastReport().Committed }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t)
	_, err := New(nil, operator, time.Minute)
	require.Error(t, err)
	_, err = New(h.ledger, types.Address{}, time.Minute)
	require.Error(t, err)
	_, err = New(h.ledger, operator, 0)
	require.Error(t, err)
	require.Equal(t, operator, h.keeper.Address())
}
