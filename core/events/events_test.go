package events

import (
	"testing"
	"time"

	"rateswap/core/num"
	"rateswap/core/types"
)

func TestPositionSettledAttributes(t *testing.T) {
	evt := PositionSettled{
		ID:           7,
		Keeper:       types.BytesToAddress([]byte{0x01}),
		FloatingRate: num.MustDecimal("0.06"),
		Accrual:      num.MustDecimal("2739726.02"),
		Net:          2_602_740,
		KeeperReward: num.NewUint(68_493),
		ProtocolFee:  num.NewUint(68_493),
		PnL:          2_602_740,
		SettledAt:    time.Unix(1_700_000_000, 0),
	}
	flat := Flatten(evt)
	if flat.Type != TypePositionSettled {
		t.Fatalf("unexpected type %q", flat.Type)
	}
	if flat.Attributes["id"] != "7" || flat.Attributes["keeperReward"] != "68493" {
		t.Fatalf("unexpected attributes %v", flat.Attributes)
	}
	if flat.Attributes["settledAt"] != "1700000000" {
		t.Fatalf("unexpected timestamp %q", flat.Attributes["settledAt"])
	}
}

func TestMarginChangedType(t *testing.T) {
	if (MarginChanged{Removed: true}).EventType() != TypePositionMarginRemoved {
		t.Fatalf("expected removal type")
	}
	if (MarginChanged{}).EventType() != TypePositionMarginAdded {
		t.Fatalf("expected deposit type")
	}
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestFanoutAndFlattenFallback(t *testing.T) {
	var seen []string
	fan := Fanout{
		EmitterFunc(func(e Event) { seen = append(seen, "a:"+e.EventType()) }),
		nil,
		EmitterFunc(func(e Event) { seen = append(seen, "b:"+e.EventType()) }),
	}
	fan.Emit(bareEvent{})
	if len(seen) != 2 || seen[0] != "a:bare" || seen[1] != "b:bare" {
		t.Fatalf("unexpected fanout order %v", seen)
	}
	flat := Flatten(bareEvent{})
	if flat.Type != "bare" || len(flat.Attributes) != 0 {
		t.Fatalf("unexpected flatten result %+v", flat)
	}
}
