package num

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

type Decimal = decimal.Decimal

// DecimalZero is the additive identity.
var DecimalZero = decimal.Zero

func DecimalFromUint(u *Uint) Decimal {
	if u == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(u.BigInt(), 0)
}

func DecimalFromInt64(v int64) Decimal {
	return decimal.NewFromInt(v)
}

func DecimalFromBig(b *big.Int) Decimal {
	if b == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(b, 0)
}

// DecimalFromBps converts basis points into a ratio (500 -> 0.05).
func DecimalFromBps(bps uint64) Decimal {
	return decimal.New(int64(bps), -4)
}

func DecimalFromString(s string) (Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}

// MustDecimal parses s and panics on failure. Intended for constants and tests.
func MustDecimal(s string) Decimal {
	return decimal.RequireFromString(s)
}

// ParseAmount converts a human readable amount into base units using the
// given number of decimals. Fractions below one base unit are rejected.
func ParseAmount(s string, decimals uint8) (*Uint, error) {
	d, err := DecimalFromString(s)
	if err != nil {
		return nil, fmt.Errorf("num: parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("num: negative amount %q", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("num: amount %q has more than %d decimals", s, decimals)
	}
	u, overflow := UintFromDecimal(scaled)
	if overflow {
		return nil, fmt.Errorf("num: amount %q overflows", s)
	}
	return u, nil
}

// FormatAmount renders base units as a decimal string with the given decimals.
func FormatAmount(u *Uint, decimals uint8) string {
	return DecimalFromUint(u).Shift(-int32(decimals)).StringFixed(int32(decimals))
}
