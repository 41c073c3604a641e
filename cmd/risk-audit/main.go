package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"rateswap/config"
)

type auditReport struct {
	Collateral struct {
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	} `json:"collateral"`
	Positions struct {
		InitialMarginBps     uint64 `json:"initialMarginBps"`
		MaintenanceMarginBps uint64 `json:"maintenanceMarginBps"`
		MaxLeverage          string `json:"maxLeverage"`
		MinMaturityDays      uint32 `json:"minMaturityDays"`
		MaxMaturityDays      uint32 `json:"maxMaturityDays"`
		MaxAbsFixedRate      string `json:"maxAbsFixedRate"`
	} `json:"positions"`
	Settlement struct {
		Interval         string `json:"interval"`
		SettlementFeeBps uint64 `json:"settlementFeeBps"`
		KeeperShareBps   uint64 `json:"keeperShareBps"`
		ClosingFeeBps    uint64 `json:"closingFeeBps"`
		RateWindow       string `json:"rateWindow,omitempty"`
	} `json:"settlement"`
	Liquidation struct {
		MaxLiquidationBps   uint64 `json:"maxLiquidationBps"`
		ProtocolFeeBps      uint64 `json:"protocolFeeBps"`
		LiquidationBonusBps uint64 `json:"liquidationBonusBps"`
	} `json:"liquidation"`
	Oracle struct {
		MinSources        int    `json:"minSources"`
		BreakerMultiplier string `json:"circuitBreakerMultiplier"`
		MaxStaleness      string `json:"maxStaleness"`
		BreakerAutoReset  string `json:"breakerAutoReset,omitempty"`
		HistoryCapacity   int    `json:"historyCapacity"`
		MaxAbsRate        string `json:"maxAbsRate"`
	} `json:"oracle"`
	Paused []string `json:"paused"`
}

func main() {
	riskPath := flag.String("risk", "", "Path to the TOML risk parameter file; empty audits the defaults")
	flag.Parse()

	risk := config.DefaultRisk()
	if *riskPath != "" {
		loaded, err := config.LoadRisk(*riskPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load risk parameters: %v\n", err)
			os.Exit(1)
		}
		risk = *loaded
	}
	if err := writeReport(os.Stdout, risk); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
}

func buildReport(risk config.Risk) auditReport {
	var report auditReport
	report.Collateral.Symbol = risk.Collateral.Symbol
	report.Collateral.Decimals = risk.Collateral.Decimals

	p := risk.Positions
	report.Positions.InitialMarginBps = p.InitialMarginBps
	report.Positions.MaintenanceMarginBps = p.MaintenanceMarginBps
	if p.InitialMarginBps > 0 {
		report.Positions.MaxLeverage = fmt.Sprintf("%.2fx", 10_000/float64(p.InitialMarginBps))
	}
	report.Positions.MinMaturityDays = p.MinMaturityDays
	report.Positions.MaxMaturityDays = p.MaxMaturityDays
	report.Positions.MaxAbsFixedRate = p.MaxAbsFixedRate.String()

	s := risk.Settlement
	report.Settlement.Interval = s.Interval.String()
	report.Settlement.SettlementFeeBps = s.SettlementFeeBps
	report.Settlement.KeeperShareBps = s.KeeperShareBps
	report.Settlement.ClosingFeeBps = s.ClosingFeeBps
	if s.RateWindow > 0 {
		report.Settlement.RateWindow = s.RateWindow.String()
	}

	report.Liquidation.MaxLiquidationBps = risk.Liquidation.MaxLiquidationBps
	report.Liquidation.ProtocolFeeBps = risk.Liquidation.ProtocolFeeBps
	report.Liquidation.LiquidationBonusBps = risk.Liquidation.LiquidationBonusBps

	o := risk.Oracle
	report.Oracle.MinSources = o.MinSources
	report.Oracle.BreakerMultiplier = o.BreakerMultiplier.String()
	report.Oracle.MaxStaleness = o.MaxStaleness.String()
	if o.BreakerAutoReset > 0 {
		report.Oracle.BreakerAutoReset = o.BreakerAutoReset.String()
	}
	report.Oracle.HistoryCapacity = o.HistoryCapacity
	report.Oracle.MaxAbsRate = o.MaxAbsRate.String()

	report.Paused = []string{}
	for _, module := range []struct {
		name   string
		paused bool
	}{
		{"positions", risk.Pauses.Positions},
		{"settlement", risk.Pauses.Settlement},
		{"liquidation", risk.Pauses.Liquidation},
		{"oracle", risk.Pauses.Oracle},
	} {
		if module.paused {
			report.Paused = append(report.Paused, module.name)
		}
	}
	return report
}

func writeReport(w io.Writer, risk config.Risk) error {
	output, err := json.MarshalIndent(buildReport(risk), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}
