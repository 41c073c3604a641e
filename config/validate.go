package config

import (
	"fmt"
	"strings"
)

// MaxCollateralDecimals bounds the collateral precision so whole-unit
// amounts stay far below the uint256 range.
const MaxCollateralDecimals = 18

// ValidateRisk checks every section and prefixes failures with the section
// name.
func ValidateRisk(r Risk) error {
	if strings.TrimSpace(r.Collateral.Symbol) == "" {
		return fmt.Errorf("collateral: symbol required")
	}
	if r.Collateral.Decimals > MaxCollateralDecimals {
		return fmt.Errorf("collateral: decimals %d exceeds %d", r.Collateral.Decimals, MaxCollateralDecimals)
	}
	if err := r.Positions.Validate(); err != nil {
		return fmt.Errorf("[positions] %w", err)
	}
	if err := r.Settlement.Validate(); err != nil {
		return fmt.Errorf("[settlement] %w", err)
	}
	if err := r.Liquidation.Validate(); err != nil {
		return fmt.Errorf("[liquidation] %w", err)
	}
	if err := r.Oracle.Validate(); err != nil {
		return fmt.Errorf("[oracle] %w", err)
	}
	return nil
}
