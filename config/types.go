package config

import (
	"rateswap/native/common"
	"rateswap/native/liquidation"
	"rateswap/native/oracle"
	"rateswap/native/positions"
	"rateswap/native/settlement"
)

// Collateral describes the custody asset.
type Collateral struct {
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

// Pauses toggles module entry points. A paused module rejects mutations with
// ErrModulePaused; reads keep working.
type Pauses struct {
	Positions   bool `toml:"positions"`
	Settlement  bool `toml:"settlement"`
	Liquidation bool `toml:"liquidation"`
	Oracle      bool `toml:"oracle"`
}

// IsPaused implements common.PauseView.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case common.ModulePositions:
		return p.Positions
	case common.ModuleSettlement:
		return p.Settlement
	case common.ModuleLiquidation:
		return p.Liquidation
	case common.ModuleOracle:
		return p.Oracle
	default:
		return false
	}
}

// Risk bundles every parameter the ledger engines read.
type Risk struct {
	Collateral  Collateral         `toml:"collateral"`
	Positions   positions.Config   `toml:"positions"`
	Settlement  settlement.Config  `toml:"settlement"`
	Liquidation liquidation.Config `toml:"liquidation"`
	Oracle      oracle.Config      `toml:"oracle"`
	Pauses      Pauses             `toml:"pauses"`
}
