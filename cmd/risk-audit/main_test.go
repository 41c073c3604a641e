package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"rateswap/config"
)

func TestReportDefaults(t *testing.T) {
	report := buildReport(config.DefaultRisk())
	if report.Positions.MaxLeverage != "10.00x" {
		t.Fatalf("max leverage = %q", report.Positions.MaxLeverage)
	}
	if report.Settlement.Interval != "24h0m0s" {
		t.Fatalf("interval = %q", report.Settlement.Interval)
	}
	if len(report.Paused) != 0 {
		t.Fatalf("paused = %v", report.Paused)
	}
}

func TestReportListsPausedModules(t *testing.T) {
	risk, err := config.ParseRisk("[pauses]\nliquidation = true\n")
	if err != nil {
		t.Fatalf("parse risk: %v", err)
	}
	var buf bytes.Buffer
	if err := writeReport(&buf, *risk); err != nil {
		t.Fatalf("write report: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	paused, _ := decoded["paused"].([]any)
	if len(paused) != 1 || paused[0] != "liquidation" {
		t.Fatalf("paused = %v", decoded["paused"])
	}
}
