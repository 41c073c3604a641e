package errors

import stderrors "errors"

// Kind classifies a ledger failure for callers that need to branch on the
// category rather than the exact condition.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindState
	KindAuthorization
	KindOracle
	KindSolvency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindAuthorization:
		return "authorization"
	case KindOracle:
		return "oracle"
	case KindSolvency:
		return "solvency"
	default:
		return "unknown"
	}
}

// Error is a sentinel carrying its kind. Compare with errors.Is.
type Error struct {
	kind Kind
	msg  string
}

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind reports the category of the error.
func (e *Error) Kind() Kind { return e.kind }

// KindOf walks the wrap chain and returns the kind of the first classified
// error, or KindUnknown.
func KindOf(err error) Kind {
	var target *Error
	if stderrors.As(err, &target) {
		return target.kind
	}
	return KindUnknown
}

// Is reports whether err belongs to the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrInsufficientMargin = newError(KindValidation, "rateswap: insufficient initial margin")
	ErrInvalidNotional    = newError(KindValidation, "rateswap: notional must be positive")
	ErrInvalidAmount      = newError(KindValidation, "rateswap: amount must be positive")
	ErrInvalidRate        = newError(KindValidation, "rateswap: fixed rate out of range")
	ErrInvalidMaturity    = newError(KindValidation, "rateswap: maturity out of range")
	ErrInvalidDirection   = newError(KindValidation, "rateswap: unknown direction")
	ErrPnLOverflow        = newError(KindValidation, "rateswap: pnl exceeds storage width")
	ErrSeizeTooLarge      = newError(KindValidation, "rateswap: seize amount exceeds liquidation cap")
	ErrBelowMaintenance   = newError(KindValidation, "rateswap: withdrawal would breach maintenance margin")

	ErrPositionNotFound   = newError(KindState, "rateswap: position not found")
	ErrPositionNotActive  = newError(KindState, "rateswap: position not active")
	ErrNotMature          = newError(KindState, "rateswap: position not mature")
	ErrSettlementNotReady = newError(KindState, "rateswap: settlement interval not elapsed")
	ErrNotLiquidatable    = newError(KindState, "rateswap: position is healthy")
	ErrReentrantCall      = newError(KindState, "rateswap: position locked by another operation")
	ErrModulePaused       = newError(KindState, "rateswap: module paused")

	ErrUnauthorized      = newError(KindAuthorization, "rateswap: unauthorized")
	ErrNotOwner          = newError(KindAuthorization, "rateswap: caller does not own position")
	ErrCapabilityMissing = newError(KindAuthorization, "rateswap: capability not granted")
	ErrCapabilityExpired = newError(KindAuthorization, "rateswap: capability expired")
	ErrLockNotHeld       = newError(KindAuthorization, "rateswap: position lock not held by caller")

	ErrStale                 = newError(KindOracle, "rateswap: oracle rate is stale")
	ErrCircuitBreakerTripped = newError(KindOracle, "rateswap: oracle circuit breaker tripped")
	ErrNoSources             = newError(KindOracle, "rateswap: not enough valid oracle sources")
	ErrNoRate                = newError(KindOracle, "rateswap: no oracle rate committed")

	ErrInsufficientCustody = newError(KindSolvency, "rateswap: custody reserve cannot cover outflow")
	ErrRewardExceedsSeized = newError(KindSolvency, "rateswap: liquidation reward exceeds seized collateral")
	ErrPayoutExceedsSeized = newError(KindSolvency, "rateswap: payouts exceed seized collateral")
	ErrCustodyShortfall    = newError(KindSolvency, "rateswap: active margin exceeds custody balance")
)
