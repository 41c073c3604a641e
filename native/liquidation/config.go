package liquidation

import (
	"fmt"

	rserrors "rateswap/core/errors"
	"rateswap/core/num"
)

const (
	DefaultMaxLiquidationBps   = 5_000
	DefaultProtocolFeeBps      = 1_000
	DefaultLiquidationBonusBps = 500
)

// Config bounds how much margin one liquidation may seize and how the seized
// collateral is split.
type Config struct {
	MaxLiquidationBps   uint64 `toml:"max_liquidation_bps"`
	ProtocolFeeBps      uint64 `toml:"protocol_fee_bps"`
	LiquidationBonusBps uint64 `toml:"liquidation_bonus_bps"`
}

func DefaultConfig() Config {
	return Config{
		MaxLiquidationBps:   DefaultMaxLiquidationBps,
		ProtocolFeeBps:      DefaultProtocolFeeBps,
		LiquidationBonusBps: DefaultLiquidationBonusBps,
	}
}

// WithDefaults fills the seize cap when unset. Zero fee and bonus are valid.
func (c Config) WithDefaults() Config {
	if c.MaxLiquidationBps == 0 {
		c.MaxLiquidationBps = DefaultMaxLiquidationBps
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxLiquidationBps == 0 || c.MaxLiquidationBps > num.BpsDenominator {
		return fmt.Errorf("liquidation: max_liquidation_bps must be within (0, %d]", num.BpsDenominator)
	}
	if c.ProtocolFeeBps > num.BpsDenominator {
		return fmt.Errorf("liquidation: protocol_fee_bps exceeds %d", num.BpsDenominator)
	}
	if c.LiquidationBonusBps > num.BpsDenominator {
		return fmt.Errorf("liquidation: liquidation_bonus_bps exceeds %d", num.BpsDenominator)
	}
	return nil
}

// Split is the division of one seized amount.
type Split struct {
	Seized      *num.Uint `json:"seized"`
	Fee         *num.Uint `json:"fee"`
	Bonus       *num.Uint `json:"bonus"`
	Reward      *num.Uint `json:"reward"`
	ProtocolFee *num.Uint `json:"protocolFee"`
}

// SplitSeized divides seized collateral between the liquidator and the fee
// pool. The bonus is capped at the protocol fee so the reward never exceeds
// what was seized; the bound is still checked explicitly.
func (c Config) SplitSeized(seized *num.Uint) (Split, error) {
	if seized == nil {
		seized = num.UintZero()
	}
	fee, overflow := num.MulBps(seized, c.ProtocolFeeBps)
	if overflow {
		return Split{}, fmt.Errorf("liquidation: fee overflow on %s", seized)
	}
	bonusBps := c.LiquidationBonusBps
	if bonusBps > c.ProtocolFeeBps {
		bonusBps = c.ProtocolFeeBps
	}
	bonus, overflow := num.MulBps(seized, bonusBps)
	if overflow {
		return Split{}, fmt.Errorf("liquidation: bonus overflow on %s", seized)
	}
	base, underflow := num.UintZero().SubOverflow(seized, fee)
	if underflow {
		return Split{}, fmt.Errorf("%w: fee %s exceeds seized %s", rserrors.ErrRewardExceedsSeized, fee, seized)
	}
	reward, overflow := num.UintZero().AddOverflow(base, bonus)
	if overflow || reward.GT(seized) {
		return Split{}, fmt.Errorf("%w: reward %s, seized %s", rserrors.ErrRewardExceedsSeized, reward, seized)
	}
	return Split{
		Seized:      seized.Clone(),
		Fee:         fee,
		Bonus:       bonus,
		Reward:      reward,
		ProtocolFee: num.UintZero().Sub(seized, reward),
	}, nil
}

// MaxSeize is the largest amount one liquidation may take from margin.
func (c Config) MaxSeize(margin *num.Uint) *num.Uint {
	out, _ := num.MulBps(margin, c.MaxLiquidationBps)
	return out
}
