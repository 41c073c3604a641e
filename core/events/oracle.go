package events

import (
	"strconv"
	"strings"
	"time"

	"rateswap/core/num"
	"rateswap/core/types"
)

const (
	TypeRateCommitted         = "oracle.rate_committed"
	TypeCircuitBreakerTripped = "oracle.breaker_tripped"
)

type RateCommitted struct {
	Rate      num.Decimal
	Sources   []string
	ProofID   string
	Committed time.Time
}

func (RateCommitted) EventType() string { return TypeRateCommitted }

func (e RateCommitted) Event() *types.Event {
	return &types.Event{
		Type: TypeRateCommitted,
		Attributes: map[string]string{
			"rate":      e.Rate.String(),
			"sources":   strings.Join(e.Sources, ","),
			"proofId":   strings.TrimSpace(e.ProofID),
			"committed": timeString(e.Committed),
		},
	}
}

type CircuitBreakerTripped struct {
	LastRate  num.Decimal
	Candidate num.Decimal
	TripCount uint64
	At        time.Time
}

func (CircuitBreakerTripped) EventType() string { return TypeCircuitBreakerTripped }

func (e CircuitBreakerTripped) Event() *types.Event {
	return &types.Event{
		Type: TypeCircuitBreakerTripped,
		Attributes: map[string]string{
			"lastRate":  e.LastRate.String(),
			"candidate": e.Candidate.String(),
			"tripCount": strconv.FormatUint(e.TripCount, 10),
			"at":        timeString(e.At),
		},
	}
}
