package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// LedgerMetrics tracks settlement, liquidation and oracle activity.
type LedgerMetrics struct {
	openPositions  prometheus.Gauge
	totalMargin    prometheus.Gauge
	totalNotional  prometheus.Gauge
	settlements    *prometheus.CounterVec
	keeperRewards  prometheus.Counter
	protocolFees   *prometheus.CounterVec
	liquidations   *prometheus.CounterVec
	seized         prometheus.Counter
	batchFailures  *prometheus.CounterVec
	oracleCommits  prometheus.Counter
	oracleTrips    prometheus.Counter
	oracleRate     prometheus.Gauge
	oracleAge      prometheus.Gauge
	minHealth      prometheus.Gauge
	unhealthyCount prometheus.Gauge
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_open_positions",
				Help: "Number of active positions.",
			}),
			totalMargin: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_total_margin_base_units",
				Help: "Collateral posted across active positions.",
			}),
			totalNotional: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_total_notional_base_units",
				Help: "Notional exposure across active positions.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rateswap_settlements_total",
				Help: "Settlement attempts by outcome.",
			}, []string{"outcome"}),
			keeperRewards: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rateswap_keeper_rewards_base_units_total",
				Help: "Keeper rewards paid at settlement.",
			}),
			protocolFees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rateswap_protocol_fees_base_units_total",
				Help: "Protocol fees collected by source.",
			}, []string{"source"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rateswap_liquidations_total",
				Help: "Liquidations by result.",
			}, []string{"result"}),
			seized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rateswap_seized_collateral_base_units_total",
				Help: "Collateral seized by liquidations.",
			}),
			batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rateswap_batch_item_failures_total",
				Help: "Batch items that failed in isolation, by operation.",
			}, []string{"operation"}),
			oracleCommits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rateswap_oracle_commits_total",
				Help: "Committed floating rate updates.",
			}),
			oracleTrips: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rateswap_oracle_breaker_trips_total",
				Help: "Rate updates rejected by the circuit breaker.",
			}),
			oracleRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_oracle_rate",
				Help: "Last committed floating rate (annual fraction).",
			}),
			oracleAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_oracle_rate_age_seconds",
				Help: "Age of the committed rate at the last keeper tick.",
			}),
			minHealth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_min_health_factor",
				Help: "Lowest health factor seen in the last scan.",
			}),
			unhealthyCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rateswap_unhealthy_positions",
				Help: "Positions below a health factor of one in the last scan.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.openPositions,
			ledgerRegistry.totalMargin,
			ledgerRegistry.totalNotional,
			ledgerRegistry.settlements,
			ledgerRegistry.keeperRewards,
			ledgerRegistry.protocolFees,
			ledgerRegistry.liquidations,
			ledgerRegistry.seized,
			ledgerRegistry.batchFailures,
			ledgerRegistry.oracleCommits,
			ledgerRegistry.oracleTrips,
			ledgerRegistry.oracleRate,
			ledgerRegistry.oracleAge,
			ledgerRegistry.minHealth,
			ledgerRegistry.unhealthyCount,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveTotals(open uint64, margin, notional decimal.Decimal) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(open))
	m.totalMargin.Set(margin.InexactFloat64())
	m.totalNotional.Set(notional.InexactFloat64())
}

func (m *LedgerMetrics) ObserveSettlement(err error, keeperReward, protocolFee decimal.Decimal) {
	if m == nil {
		return
	}
	if err != nil {
		m.settlements.WithLabelValues("error").Inc()
		return
	}
	m.settlements.WithLabelValues("success").Inc()
	m.keeperRewards.Add(nonNegative(keeperReward))
	m.protocolFees.WithLabelValues("settlement").Add(nonNegative(protocolFee))
}

func (m *LedgerMetrics) ObserveLiquidation(closed bool, seized, protocolFee decimal.Decimal) {
	if m == nil {
		return
	}
	result := "partial"
	if closed {
		result = "closed"
	}
	m.liquidations.WithLabelValues(result).Inc()
	m.seized.Add(nonNegative(seized))
	m.protocolFees.WithLabelValues("liquidation").Add(nonNegative(protocolFee))
}

func (m *LedgerMetrics) ObserveClosingFee(fee decimal.Decimal) {
	if m == nil {
		return
	}
	m.protocolFees.WithLabelValues("closing").Add(nonNegative(fee))
}

func (m *LedgerMetrics) RecordBatchFailure(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.batchFailures.WithLabelValues(operation).Inc()
}

func (m *LedgerMetrics) ObserveRateCommit(rate decimal.Decimal) {
	if m == nil {
		return
	}
	m.oracleCommits.Inc()
	m.oracleRate.Set(rate.InexactFloat64())
}

func (m *LedgerMetrics) RecordBreakerTrip() {
	if m == nil {
		return
	}
	m.oracleTrips.Inc()
}

func (m *LedgerMetrics) ObserveRateAge(seconds float64) {
	if m == nil {
		return
	}
	m.oracleAge.Set(seconds)
}

func (m *LedgerMetrics) ObserveHealthScan(minHealth decimal.Decimal, unhealthy int) {
	if m == nil {
		return
	}
	m.minHealth.Set(minHealth.InexactFloat64())
	m.unhealthyCount.Set(float64(unhealthy))
}

func nonNegative(d decimal.Decimal) float64 {
	if d.IsNegative() {
		return 0
	}
	return d.InexactFloat64()
}
