package num

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale used by every fee and ratio parameter.
const BpsDenominator = 10_000

var bpsDenominator = uint256.NewInt(BpsDenominator)

// Uint is an unsigned 256-bit amount in collateral base units.
type Uint struct {
	u uint256.Int
}

// NewUint creates a new Uint with the value of the uint64 passed.
func NewUint(val uint64) *Uint {
	return &Uint{*uint256.NewInt(val)}
}

// UintZero returns a fresh zero value.
func UintZero() *Uint {
	return NewUint(0)
}

// UintFromBig constructs a Uint from a big.Int. The boolean reports overflow
// or a negative input, in which case the returned value is zero.
func UintFromBig(b *big.Int) (*Uint, bool) {
	if b == nil {
		return UintZero(), false
	}
	if b.Sign() < 0 {
		return UintZero(), true
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return UintZero(), true
	}
	return &Uint{*u}, false
}

// UintFromDecimal truncates d towards zero. Negative values overflow.
func UintFromDecimal(d Decimal) (*Uint, bool) {
	return UintFromBig(d.BigInt())
}

// UintFromString parses str in the given base. The boolean reports a parse
// error or overflow.
func UintFromString(str string, base int) (*Uint, bool) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(str), base)
	if !ok {
		return UintZero(), true
	}
	return UintFromBig(b)
}

// Sum returns x + y + ... as a new value.
func Sum(vals ...*Uint) *Uint {
	z := UintZero()
	for _, v := range vals {
		if v != nil {
			z.u.Add(&z.u, &v.u)
		}
	}
	return z
}

// Min returns the smallest of the 2 numbers.
func Min(a, b *Uint) *Uint {
	if a.LT(b) {
		return a
	}
	return b
}

// Max returns the largest of the 2 numbers.
func Max(a, b *Uint) *Uint {
	if a.GT(b) {
		return a
	}
	return b
}

// MulBps returns floor(x * bps / 10000) as a new value. The boolean reports
// overflow of the intermediate product.
func MulBps(x *Uint, bps uint64) (*Uint, bool) {
	if x == nil {
		return UintZero(), false
	}
	z := UintZero()
	_, overflow := z.u.MulDivOverflow(&x.u, uint256.NewInt(bps), bpsDenominator)
	return z, overflow
}

// MulDiv returns floor(x * y / d) as a new value. Division by zero yields zero.
func MulDiv(x, y, d *Uint) (*Uint, bool) {
	z := UintZero()
	if d.IsZero() {
		return z, false
	}
	_, overflow := z.u.MulDivOverflow(&x.u, &y.u, &d.u)
	return z, overflow
}

func (z *Uint) Set(oth *Uint) *Uint {
	z.u.Set(&oth.u)
	return z
}

func (z *Uint) SetUint64(val uint64) *Uint {
	z.u.SetUint64(val)
	return z
}

// Add sets z = x + y, wrapping on overflow.
func (z *Uint) Add(x, y *Uint) *Uint {
	z.u.Add(&x.u, &y.u)
	return z
}

// AddOverflow sets z = x + y and reports whether the sum overflowed.
func (z *Uint) AddOverflow(x, y *Uint) (*Uint, bool) {
	_, overflow := z.u.AddOverflow(&x.u, &y.u)
	return z, overflow
}

// Sub sets z = x - y, wrapping on underflow.
func (z *Uint) Sub(x, y *Uint) *Uint {
	z.u.Sub(&x.u, &y.u)
	return z
}

// SubOverflow sets z = x - y and reports whether y > x.
func (z *Uint) SubOverflow(x, y *Uint) (*Uint, bool) {
	_, underflow := z.u.SubOverflow(&x.u, &y.u)
	return z, underflow
}

// Mul sets z = x * y.
func (z *Uint) Mul(x, y *Uint) *Uint {
	z.u.Mul(&x.u, &y.u)
	return z
}

// Div sets z = x / y, rounding down. Division by zero yields zero.
func (z *Uint) Div(x, y *Uint) *Uint {
	z.u.Div(&x.u, &y.u)
	return z
}

func (z Uint) Uint64() uint64 {
	return z.u.Uint64()
}

// IsUint64 reports whether the value fits in a uint64.
func (z Uint) IsUint64() bool {
	return z.u.IsUint64()
}

func (z Uint) BigInt() *big.Int {
	return z.u.ToBig()
}

func (z *Uint) ToDecimal() Decimal {
	return DecimalFromUint(z)
}

func (z Uint) LT(oth *Uint) bool  { return z.u.Lt(&oth.u) }
func (z Uint) LTE(oth *Uint) bool { return !z.u.Gt(&oth.u) }
func (z Uint) GT(oth *Uint) bool  { return z.u.Gt(&oth.u) }
func (z Uint) GTE(oth *Uint) bool { return !z.u.Lt(&oth.u) }
func (z Uint) EQ(oth *Uint) bool  { return z.u.Eq(&oth.u) }

func (z Uint) IsZero() bool {
	return z.u.IsZero()
}

// Clone returns a copy of the value.
func (z Uint) Clone() *Uint {
	return &Uint{z.u}
}

// String returns the value in base 10.
func (z Uint) String() string {
	return z.u.Dec()
}

// MarshalText encodes the value in base 10.
func (z Uint) MarshalText() ([]byte, error) {
	return []byte(z.u.Dec()), nil
}

// UnmarshalText decodes a base 10 value.
func (z *Uint) UnmarshalText(text []byte) error {
	parsed, failed := UintFromString(string(text), 10)
	if failed {
		return fmt.Errorf("num: invalid uint %q", string(text))
	}
	z.u = parsed.u
	return nil
}
