package positions

import (
	"fmt"

	"rateswap/core/num"
)

const (
	DefaultInitialMarginBps     = 1_000
	DefaultMaintenanceMarginBps = 500
	DefaultMinMaturityDays      = 1
	DefaultMaxMaturityDays      = 3_650
)

var DefaultMaxAbsFixedRate = num.MustDecimal("1")

// Config captures the margin and position bounds enforced when positions are
// opened or withdrawn from.
type Config struct {
	InitialMarginBps     uint64      `toml:"initial_margin_bps"`
	MaintenanceMarginBps uint64      `toml:"maintenance_margin_bps"`
	MinMaturityDays      uint32      `toml:"min_maturity_days"`
	MaxMaturityDays      uint32      `toml:"max_maturity_days"`
	MaxAbsFixedRate      num.Decimal `toml:"max_abs_fixed_rate"`
}

func DefaultConfig() Config {
	return Config{
		InitialMarginBps:     DefaultInitialMarginBps,
		MaintenanceMarginBps: DefaultMaintenanceMarginBps,
		MinMaturityDays:      DefaultMinMaturityDays,
		MaxMaturityDays:      DefaultMaxMaturityDays,
		MaxAbsFixedRate:      DefaultMaxAbsFixedRate,
	}
}

// WithDefaults fills zero fields with defaults.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.InitialMarginBps == 0 {
		c.InitialMarginBps = def.InitialMarginBps
	}
	if c.MaintenanceMarginBps == 0 {
		c.MaintenanceMarginBps = def.MaintenanceMarginBps
	}
	if c.MinMaturityDays == 0 {
		c.MinMaturityDays = def.MinMaturityDays
	}
	if c.MaxMaturityDays == 0 {
		c.MaxMaturityDays = def.MaxMaturityDays
	}
	if c.MaxAbsFixedRate.IsZero() {
		c.MaxAbsFixedRate = def.MaxAbsFixedRate
	}
	return c
}

func (c Config) Validate() error {
	if c.InitialMarginBps == 0 || c.InitialMarginBps > num.BpsDenominator {
		return fmt.Errorf("positions: initial_margin_bps must be within (0, %d]", num.BpsDenominator)
	}
	if c.MaintenanceMarginBps == 0 || c.MaintenanceMarginBps > c.InitialMarginBps {
		return fmt.Errorf("positions: maintenance_margin_bps must be within (0, initial_margin_bps]")
	}
	if c.MinMaturityDays == 0 || c.MinMaturityDays > c.MaxMaturityDays {
		return fmt.Errorf("positions: maturity bounds invalid (%d..%d)", c.MinMaturityDays, c.MaxMaturityDays)
	}
	if !c.MaxAbsFixedRate.IsPositive() {
		return fmt.Errorf("positions: max_abs_fixed_rate must be positive")
	}
	return nil
}

// InitialMargin is the minimum collateral required to open notional.
func (c Config) InitialMargin(notional *num.Uint) *num.Uint {
	out, _ := num.MulBps(notional, c.InitialMarginBps)
	return out
}

// MaintenanceMargin is the collateral floor for an open position.
func (c Config) MaintenanceMargin(notional *num.Uint) *num.Uint {
	out, _ := num.MulBps(notional, c.MaintenanceMarginBps)
	return out
}
