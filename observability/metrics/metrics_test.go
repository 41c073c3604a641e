package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestLedgerMetricsObserve(t *testing.T) {
	m := Ledger()
	if Ledger() != m {
		t.Fatalf("expected singleton registry")
	}
	before := testutil.ToFloat64(m.settlements.WithLabelValues("success"))
	m.ObserveSettlement(nil, decimal.NewFromInt(5), decimal.NewFromInt(5))
	m.ObserveSettlement(errors.New("not ready"), decimal.Zero, decimal.Zero)
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("success")); got != before+1 {
		t.Fatalf("expected success counter to increase, got %v", got)
	}
	m.ObserveTotals(3, decimal.NewFromInt(30), decimal.NewFromInt(300))
	if got := testutil.ToFloat64(m.openPositions); got != 3 {
		t.Fatalf("open positions gauge = %v", got)
	}
	m.ObserveHealthScan(decimal.RequireFromString("0.95"), 1)
	if got := testutil.ToFloat64(m.minHealth); got != 0.95 {
		t.Fatalf("min health gauge = %v", got)
	}
	var nilMetrics *LedgerMetrics
	nilMetrics.RecordBreakerTrip()
}

func TestAPIMetricsObserve(t *testing.T) {
	m := API()
	m.Observe("/v1/rate", "GET", 200, 5*time.Millisecond)
	m.Observe("/v1/rate", "GET", 503, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/rate", "GET", "503")); got < 1 {
		t.Fatalf("expected error counter, got %v", got)
	}
	m.RecordThrottle("")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unspecified")); got < 1 {
		t.Fatalf("expected throttle counter, got %v", got)
	}
}
