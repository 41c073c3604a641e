package oracle

import (
	"fmt"
	"time"

	"rateswap/core/num"
)

const (
	DefaultMinSources      = 1
	DefaultMaxStaleness    = time.Hour
	DefaultHistoryCapacity = 128
)

var (
	DefaultBreakerMultiplier = num.MustDecimal("5")
	// DefaultMaxAbsRate discards source readings beyond +/-1000% APR.
	DefaultMaxAbsRate = num.MustDecimal("10")
)

// Config bounds the aggregation and circuit breaker.
type Config struct {
	MinSources        int           `toml:"min_sources"`
	BreakerMultiplier num.Decimal   `toml:"circuit_breaker_multiplier"`
	MaxStaleness      time.Duration `toml:"max_staleness"`
	HistoryCapacity   int           `toml:"history_capacity"`
	// BreakerAutoReset, when positive, lets a tripped breaker accept the next
	// candidate once it has been tripped for at least this long.
	BreakerAutoReset time.Duration `toml:"breaker_auto_reset"`
	MaxAbsRate       num.Decimal   `toml:"max_abs_rate"`
}

func DefaultConfig() Config {
	return Config{
		MinSources:        DefaultMinSources,
		BreakerMultiplier: DefaultBreakerMultiplier,
		MaxStaleness:      DefaultMaxStaleness,
		HistoryCapacity:   DefaultHistoryCapacity,
		MaxAbsRate:        DefaultMaxAbsRate,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MinSources <= 0 {
		c.MinSources = def.MinSources
	}
	if c.BreakerMultiplier.IsZero() {
		c.BreakerMultiplier = def.BreakerMultiplier
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = def.MaxStaleness
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = def.HistoryCapacity
	}
	if c.MaxAbsRate.IsZero() {
		c.MaxAbsRate = def.MaxAbsRate
	}
	return c
}

func (c Config) Validate() error {
	if !c.BreakerMultiplier.IsPositive() {
		return fmt.Errorf("oracle: circuit_breaker_multiplier must be positive")
	}
	if c.BreakerAutoReset < 0 {
		return fmt.Errorf("oracle: breaker_auto_reset must not be negative")
	}
	if !c.MaxAbsRate.IsPositive() {
		return fmt.Errorf("oracle: max_abs_rate must be positive")
	}
	return nil
}
