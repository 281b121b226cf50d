package tuner

import (
	"fmt"

	"github.com/sawpanic/soakring/internal/edge"
)

// Driver thresholds: specific metrics that dominate negative edge or demand
// a targeted correction regardless of the primary zone.
const (
	adverseP95Trigger     = 3.5
	slippageP95Trigger    = 2.5
	minIntervalBlockRatio = 0.40
	concurrencyBlockRatio = 0.30
	orderAgeReliefMs      = 330
)

// applyDrivers layers driver add-ons onto the accumulator and returns how
// many triggers fired, for the multi-fail guard.
func applyDrivers(acc *accumulator, kpi *edge.KPI) int {
	triggers := 0
	label := func(driver, move string) string {
		return fmt.Sprintf("DRIVER:%s → %s", driver, move)
	}

	if kpi.AdverseBpsP95 > adverseP95Trigger {
		triggers++
		acc.add("impact_cap_ratio", -0.01, floorAt(0.08),
			label("adverse_bps_p95", "impact_cap_ratio -= 0.01"))
		acc.add("max_delta_ratio", -0.01, floorAt(0.10),
			label("adverse_bps_p95", "max_delta_ratio -= 0.01"))
	}

	if kpi.SlippageBpsP95 > slippageP95Trigger {
		triggers++
		acc.add("base_spread_bps_delta", +0.02, capAt(0.25),
			label("slippage_bps_p95", "base_spread_bps_delta += 0.02"))
		acc.add("tail_age_ms", +30, capAt(800),
			label("slippage_bps_p95", "tail_age_ms += 30"))
	}

	if ratio := kpi.BlockRatios["min_interval"]; ratio > minIntervalBlockRatio {
		triggers++
		step := 20.0
		if ratio > 0.60 {
			step = 40.0
		}
		acc.add("min_interval_ms", step, capAt(200),
			label("block:min_interval", fmt.Sprintf("min_interval_ms += %.0f", step)))
	}

	if ratio := kpi.BlockRatios["concurrency"]; ratio > concurrencyBlockRatio {
		triggers++
		step := -30.0
		if ratio > 0.45 {
			step = -60.0
		}
		acc.add("replace_rate_per_min", step, floorAt(30),
			label("block:concurrency", fmt.Sprintf("replace_rate_per_min -= %.0f", -step)))
	}

	// Age-relief: calm risk, healthy edge, but orders growing stale.
	if kpi.RiskRatio < moderateRisk && kpi.NetBps >= goodNetBps && kpi.OrderAgeMsP95 > orderAgeReliefMs {
		triggers++
		acc.add("min_interval_ms", -10, floorAt(50),
			label("order_age_p95", "min_interval_ms -= 10"))
		acc.add("replace_rate_per_min", +30, capAt(300),
			label("order_age_p95", "replace_rate_per_min += 30"))
	}

	return triggers
}
