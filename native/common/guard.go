package common

import (
	rserrors "rateswap/core/errors"
)

// Module names consulted by Guard.
const (
	ModulePositions   = "positions"
	ModuleSettlement  = "settlement"
	ModuleLiquidation = "liquidation"
	ModuleOracle      = "oracle"
)

var ErrModulePaused = rserrors.ErrModulePaused

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
