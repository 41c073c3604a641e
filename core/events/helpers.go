package events

import (
	"strconv"
	"time"

	"rateswap/core/num"
	"rateswap/core/types"
)

func amountString(u *num.Uint) string {
	if u == nil {
		return "0"
	}
	return u.String()
}

func addressString(a types.Address) string {
	if types.IsZero(a) {
		return ""
	}
	return a.Hex()
}

func idString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func timeString(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return strconv.FormatInt(ts.Unix(), 10)
}
