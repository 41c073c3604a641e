package positions

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"rateswap/core/num"
	"rateswap/core/types"
)

// Direction selects which leg of the swap the owner pays.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	// DirectionPayFixed pays the fixed rate and receives the floating rate.
	DirectionPayFixed
	// DirectionPayFloating pays the floating rate and receives the fixed rate.
	DirectionPayFloating
)

func (d Direction) String() string {
	switch d {
	case DirectionPayFixed:
		return "pay_fixed"
	case DirectionPayFloating:
		return "pay_floating"
	default:
		return "unknown"
	}
}

func (d Direction) Valid() bool {
	return d == DirectionPayFixed || d == DirectionPayFloating
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pay_fixed", "payfixed", "fixed":
		return DirectionPayFixed, nil
	case "pay_floating", "payfloating", "floating":
		return DirectionPayFloating, nil
	default:
		return DirectionUnknown, fmt.Errorf("positions: unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Position is the canonical ledger record for one swap.
type Position struct {
	ID                 uint64        `json:"id"`
	Owner              types.Address `json:"owner"`
	Direction          Direction     `json:"direction"`
	Notional           *num.Uint     `json:"notional"`
	FixedRate          num.Decimal   `json:"fixedRate"`
	Margin             *num.Uint     `json:"margin"`
	AccumulatedPnL     int64         `json:"accumulatedPnl"`
	StartTime          time.Time     `json:"startTime"`
	MaturityTime       time.Time     `json:"maturityTime"`
	LastSettlementTime time.Time     `json:"lastSettlementTime"`
	Active             bool          `json:"active"`
	ClosedAt           time.Time     `json:"closedAt"`
}

// Clone returns a deep copy so callers never alias ledger state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.Notional = cloneUint(p.Notional)
	out.Margin = cloneUint(p.Margin)
	return &out
}

// Equity is margin plus accumulated PnL in base units.
func (p *Position) Equity() *big.Int {
	equity := cloneUint(p.Margin).BigInt()
	return equity.Add(equity, big.NewInt(p.AccumulatedPnL))
}

func (p *Position) IsMature(now time.Time) bool {
	return !now.Before(p.MaturityTime)
}

// OpenRequest describes a new position.
type OpenRequest struct {
	Direction    Direction
	Notional     *num.Uint
	FixedRate    num.Decimal
	MaturityDays uint32
	Margin       *num.Uint
}

// Totals are the ledger-wide aggregates maintained alongside positions.
type Totals struct {
	NextID        uint64    `json:"nextId"`
	OpenPositions uint64    `json:"openPositions"`
	TotalNotional *num.Uint `json:"totalNotional"`
	TotalMargin   *num.Uint `json:"totalMargin"`
}

func (t Totals) Clone() Totals {
	t.TotalNotional = cloneUint(t.TotalNotional)
	t.TotalMargin = cloneUint(t.TotalMargin)
	return t
}

// Payout is a transfer out of custody on behalf of a position.
type Payout struct {
	To     types.Address
	Amount *num.Uint
}

func cloneUint(u *num.Uint) *num.Uint {
	if u == nil {
		return num.UintZero()
	}
	return u.Clone()
}
