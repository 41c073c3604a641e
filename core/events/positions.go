package events

import (
	"strconv"
	"time"

	"rateswap/core/num"
	"rateswap/core/types"
)

const (
	TypePositionOpened        = "position.opened"
	TypePositionMarginAdded   = "position.margin_added"
	TypePositionMarginRemoved = "position.margin_removed"
	TypePositionSettled       = "position.settled"
	TypePositionLiquidated    = "position.liquidated"
	TypePositionClosed        = "position.closed"
	TypeReserveFunded         = "reserve.funded"
)

type PositionOpened struct {
	ID           uint64
	Owner        types.Address
	Direction    string
	Notional     *num.Uint
	FixedRate    num.Decimal
	Margin       *num.Uint
	MaturityTime time.Time
}

func (PositionOpened) EventType() string { return TypePositionOpened }

func (e PositionOpened) Event() *types.Event {
	return &types.Event{
		Type: TypePositionOpened,
		Attributes: map[string]string{
			"id":        idString(e.ID),
			"owner":     addressString(e.Owner),
			"direction": e.Direction,
			"notional":  amountString(e.Notional),
			"fixedRate": e.FixedRate.String(),
			"margin":    amountString(e.Margin),
			"maturity":  timeString(e.MaturityTime),
		},
	}
}

// MarginChanged is emitted for both deposits and withdrawals; Removed selects
// the event type.
type MarginChanged struct {
	ID      uint64
	Owner   types.Address
	Amount  *num.Uint
	Margin  *num.Uint
	Removed bool
}

func (e MarginChanged) EventType() string {
	if e.Removed {
		return TypePositionMarginRemoved
	}
	return TypePositionMarginAdded
}

func (e MarginChanged) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"id":     idString(e.ID),
			"owner":  addressString(e.Owner),
			"amount": amountString(e.Amount),
			"margin": amountString(e.Margin),
		},
	}
}

type PositionSettled struct {
	ID           uint64
	Keeper       types.Address
	FloatingRate num.Decimal
	Accrual      num.Decimal
	Net          int64
	KeeperReward *num.Uint
	ProtocolFee  *num.Uint
	PnL          int64
	SettledAt    time.Time
}

func (PositionSettled) EventType() string { return TypePositionSettled }

func (e PositionSettled) Event() *types.Event {
	return &types.Event{
		Type: TypePositionSettled,
		Attributes: map[string]string{
			"id":           idString(e.ID),
			"keeper":       addressString(e.Keeper),
			"floatingRate": e.FloatingRate.String(),
			"accrual":      e.Accrual.String(),
			"net":          strconv.FormatInt(e.Net, 10),
			"keeperReward": amountString(e.KeeperReward),
			"protocolFee":  amountString(e.ProtocolFee),
			"pnl":          strconv.FormatInt(e.PnL, 10),
			"settledAt":    timeString(e.SettledAt),
		},
	}
}

type PositionLiquidated struct {
	ID          uint64
	Liquidator  types.Address
	Seized      *num.Uint
	Reward      *num.Uint
	ProtocolFee *num.Uint
	Remaining   *num.Uint
	Closed      bool
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionLiquidated,
		Attributes: map[string]string{
			"id":          idString(e.ID),
			"liquidator":  addressString(e.Liquidator),
			"seized":      amountString(e.Seized),
			"reward":      amountString(e.Reward),
			"protocolFee": amountString(e.ProtocolFee),
			"remaining":   amountString(e.Remaining),
			"closed":      strconv.FormatBool(e.Closed),
		},
	}
}

type PositionClosed struct {
	ID         uint64
	Owner      types.Address
	Payout     *num.Uint
	ClosingFee *num.Uint
	PnL        int64
	ClosedAt   time.Time
}

func (PositionClosed) EventType() string { return TypePositionClosed }

func (e PositionClosed) Event() *types.Event {
	return &types.Event{
		Type: TypePositionClosed,
		Attributes: map[string]string{
			"id":         idString(e.ID),
			"owner":      addressString(e.Owner),
			"payout":     amountString(e.Payout),
			"closingFee": amountString(e.ClosingFee),
			"pnl":        strconv.FormatInt(e.PnL, 10),
			"closedAt":   timeString(e.ClosedAt),
		},
	}
}

type ReserveFunded struct {
	From   types.Address
	Amount *num.Uint
}

func (ReserveFunded) EventType() string { return TypeReserveFunded }

func (e ReserveFunded) Event() *types.Event {
	return &types.Event{
		Type: TypeReserveFunded,
		Attributes: map[string]string{
			"from":   addressString(e.From),
			"amount": amountString(e.Amount),
		},
	}
}
