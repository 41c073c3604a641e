package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rsconfig "rateswap/config"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/ledger"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/services/ratekeeperd/config"
	"rateswap/services/ratekeeperd/storage"
	kv "rateswap/storage"
)

var (
	custody  = types.BytesToAddress([]byte{0xc0})
	feePool  = types.BytesToAddress([]byte{0xfe})
	trader   = types.BytesToAddress([]byte{0xa1})
	treasury = types.BytesToAddress([]byte{0x77})
)

func newLedger(t *testing.T, store positions.Store, recorder oracle.Recorder, now func() time.Time) *ledger.Ledger {
	t.Helper()
	deps := ledger.Deps{
		Store:    store,
		Sources:  []oracle.Source{oracle.StaticSource{SourceName: "dev", Value: num.MustDecimal("0.05")}},
		Custody:  custody,
		FeePool:  feePool,
		Recorder: recorder,
	}
	l, err := ledger.New(deps, rsconfig.DefaultRisk(), ledger.WithClock(now))
	require.NoError(t, err)
	return l
}

func TestRestoreRebuildsOwnersAndCustody(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }
	db := kv.NewMemDB()

	first := newLedger(t, positions.NewKVStore(db), nil, clock)
	require.NoError(t, first.Token.Mint(trader, num.NewUint(50_000_000_000)))
	require.NoError(t, first.Token.Mint(treasury, num.NewUint(5_000_000_000)))
	require.NoError(t, first.Positions.FundReserve(ctx, treasury, num.NewUint(1_000_000_000)))
	pos, err := first.Positions.Open(ctx, trader, positions.OpenRequest{
		Direction:    positions.DirectionPayFloating,
		Notional:     num.NewUint(100_000_000_000),
		FixedRate:    num.MustDecimal("0.04"),
		MaturityDays: 30,
		Margin:       num.NewUint(10_000_000_000),
	})
	require.NoError(t, err)

	second := newLedger(t, positions.NewKVStore(db), nil, clock)
	require.Error(t, second.Positions.CheckSolvency(ctx))
	require.NoError(t, restorePositions(ctx, second, custody))

	owner, err := second.Registry.OwnerOf(pos.ID)
	require.NoError(t, err)
	require.Equal(t, trader, owner)
	require.Equal(t, "10000000000", second.Token.BalanceOf(custody).String())
	require.NoError(t, second.Positions.CheckSolvency(ctx))

	require.NoError(t, restorePositions(ctx, second, custody))
	require.Equal(t, "10000000000", second.Token.BalanceOf(custody).String())
}

func TestRestoreOracleReplaysCommits(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.MemoryDSN("main_TestRestoreOracleReplaysCommits"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	first := newLedger(t, nil, store, func() time.Time { return now })
	_, err = first.Oracle.UpdateRate(ctx)
	require.NoError(t, err)

	second := newLedger(t, nil, store, func() time.Time { return now })
	require.False(t, second.Oracle.CurrentRate().Committed)
	require.NoError(t, restoreOracle(ctx, second, store, 16))
	reading := second.Oracle.CurrentRate()
	require.True(t, reading.Committed)
	require.Equal(t, "0.05", reading.Rate.String())

	third := newLedger(t, nil, store, func() time.Time { return now })
	require.NoError(t, restoreOracle(ctx, third, store, 0))
	require.False(t, third.Oracle.CurrentRate().Committed)
}

func TestMintGenesisUsesDisplayUnits(t *testing.T) {
	l := newLedger(t, nil, nil, time.Now)
	err := mintGenesis(l, []config.Balance{{Address: trader.Hex(), Amount: "12.5"}})
	require.NoError(t, err)
	want, err := num.ParseAmount("12.5", l.Token.Decimals())
	require.NoError(t, err)
	require.Equal(t, want.String(), l.Token.BalanceOf(trader).String())

	require.Error(t, mintGenesis(l, []config.Balance{{Address: trader.Hex(), Amount: "abc"}}))
	require.Error(t, mintGenesis(l, []config.Balance{{Address: "nope", Amount: "1"}}))
}
