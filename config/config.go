package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"rateswap/native/liquidation"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/native/settlement"
)

const (
	DefaultCollateralSymbol   = "USDC"
	DefaultCollateralDecimals = 6
)

// DefaultRisk returns the production defaults for every engine.
func DefaultRisk() Risk {
	return Risk{
		Collateral:  Collateral{Symbol: DefaultCollateralSymbol, Decimals: DefaultCollateralDecimals},
		Positions:   positions.DefaultConfig(),
		Settlement:  settlement.DefaultConfig(),
		Liquidation: liquidation.DefaultConfig(),
		Oracle:      oracle.DefaultConfig(),
	}
}

// LoadRisk decodes the TOML risk file at path over the defaults, so omitted
// keys keep their default values. Unknown keys are rejected.
func LoadRisk(path string) (*Risk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseRisk(string(raw))
}

// ParseRisk decodes TOML risk parameters from a string.
func ParseRisk(data string) (*Risk, error) {
	cfg := DefaultRisk()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode risk: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config: unknown keys %s", strings.Join(keys, ", "))
	}
	cfg.Collateral.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Collateral.Symbol))
	cfg.Oracle = cfg.Oracle.WithDefaults()
	cfg.Settlement = cfg.Settlement.WithDefaults()
	cfg.Liquidation = cfg.Liquidation.WithDefaults()
	if err := ValidateRisk(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
