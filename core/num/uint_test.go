package num_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rateswap/core/num"
)

func TestUintConstructors(t *testing.T) {
	var expected uint64 = 42

	t.Run("from uint64", func(t *testing.T) {
		assert.Equal(t, expected, num.NewUint(expected).Uint64())
	})

	t.Run("from string", func(t *testing.T) {
		n, failed := num.UintFromString("42", 10)
		assert.False(t, failed)
		assert.Equal(t, expected, n.Uint64())
	})

	t.Run("from big", func(t *testing.T) {
		n, overflow := num.UintFromBig(big.NewInt(42))
		assert.False(t, overflow)
		assert.Equal(t, expected, n.Uint64())
	})

	t.Run("negative big overflows", func(t *testing.T) {
		n, overflow := num.UintFromBig(big.NewInt(-1))
		assert.True(t, overflow)
		assert.True(t, n.IsZero())
	})

	t.Run("too large overflows", func(t *testing.T) {
		huge := new(big.Int).Lsh(big.NewInt(1), 256)
		_, overflow := num.UintFromBig(huge)
		assert.True(t, overflow)
	})
}

func TestUintCloneIsIndependent(t *testing.T) {
	first := num.NewUint(42)
	second := first.Clone()
	second.Add(second, num.NewUint(42))

	assert.Equal(t, uint64(42), first.Uint64())
	assert.Equal(t, uint64(84), second.Uint64())
}

func TestSubOverflowReportsUnderflow(t *testing.T) {
	_, underflow := num.UintZero().SubOverflow(num.NewUint(1), num.NewUint(2))
	assert.True(t, underflow)

	z, underflow := num.UintZero().SubOverflow(num.NewUint(5), num.NewUint(2))
	assert.False(t, underflow)
	assert.Equal(t, uint64(3), z.Uint64())
}

func TestMulBpsFloors(t *testing.T) {
	cases := []struct {
		x    uint64
		bps  uint64
		want uint64
	}{
		{x: 10_000, bps: 500, want: 500},
		{x: 999, bps: 1000, want: 99},
		{x: 1, bps: 9_999, want: 0},
		{x: 123_456_789, bps: 10_000, want: 123_456_789},
		{x: 0, bps: 5_000, want: 0},
	}
	for _, tc := range cases {
		got, overflow := num.MulBps(num.NewUint(tc.x), tc.bps)
		require.False(t, overflow)
		assert.Equal(t, tc.want, got.Uint64(), "x=%d bps=%d", tc.x, tc.bps)
	}
}

func TestMulDivByZero(t *testing.T) {
	got, overflow := num.MulDiv(num.NewUint(7), num.NewUint(3), num.UintZero())
	assert.False(t, overflow)
	assert.True(t, got.IsZero())
}

func TestUintJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Amount *num.Uint `json:"amount"`
	}
	raw, err := json.Marshal(wrapper{Amount: num.NewUint(1_000_000)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"1000000"}`, string(raw))

	var decoded wrapper
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.Amount.EQ(num.NewUint(1_000_000)))

	require.Error(t, json.Unmarshal([]byte(`{"amount":"-3"}`), &decoded))
}

func TestParseAndFormatAmount(t *testing.T) {
	u, err := num.ParseAmount("100000", 6)
	require.NoError(t, err)
	assert.Equal(t, "100000000000", u.String())
	assert.Equal(t, "100000.000000", num.FormatAmount(u, 6))

	u, err = num.ParseAmount("2.739726", 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_739_726), u.Uint64())

	_, err = num.ParseAmount("0.0000001", 6)
	require.Error(t, err)
	_, err = num.ParseAmount("-1", 6)
	require.Error(t, err)
	_, err = num.ParseAmount("abc", 6)
	require.Error(t, err)
}

func TestDecimalFromBps(t *testing.T) {
	assert.True(t, num.DecimalFromBps(500).Equal(num.MustDecimal("0.05")))
	assert.True(t, num.DecimalFromBps(10_000).Equal(num.MustDecimal("1")))
}
