package settlement

import (
	"fmt"
	"time"

	"rateswap/core/num"
)

const (
	DefaultInterval         = 24 * time.Hour
	DefaultSettlementFeeBps = 500
	DefaultKeeperShareBps   = 5_000
	DefaultClosingFeeBps    = 10
)

// Config controls settlement cadence and fee routing. Fees are expressed in
// basis points.
type Config struct {
	Interval         time.Duration `toml:"settlement_interval"`
	SettlementFeeBps uint64        `toml:"settlement_fee_bps"`
	KeeperShareBps   uint64        `toml:"keeper_share_bps"`
	ClosingFeeBps    uint64        `toml:"closing_fee_bps"`
	// RateWindow, when positive, settles against the oracle TWAP over the
	// trailing window instead of the spot committed rate.
	RateWindow time.Duration `toml:"rate_window"`
}

func DefaultConfig() Config {
	return Config{
		Interval:         DefaultInterval,
		SettlementFeeBps: DefaultSettlementFeeBps,
		KeeperShareBps:   DefaultKeeperShareBps,
		ClosingFeeBps:    DefaultClosingFeeBps,
	}
}

// WithDefaults fills the interval when unset. Zero fees are valid and kept.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("settlement: settlement_interval must be positive")
	}
	if c.SettlementFeeBps > num.BpsDenominator {
		return fmt.Errorf("settlement: settlement_fee_bps exceeds %d", num.BpsDenominator)
	}
	if c.KeeperShareBps > num.BpsDenominator {
		return fmt.Errorf("settlement: keeper_share_bps exceeds %d", num.BpsDenominator)
	}
	if c.ClosingFeeBps > num.BpsDenominator {
		return fmt.Errorf("settlement: closing_fee_bps exceeds %d", num.BpsDenominator)
	}
	if c.RateWindow < 0 {
		return fmt.Errorf("settlement: rate_window must not be negative")
	}
	return nil
}
