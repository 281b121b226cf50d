package tuner

import (
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/soakring/internal/edge"
)

// Soft-caps escalate when the primary zone keeps failing to reduce risk.
// Each cap fires at most once per hysteresis window.
const (
	softcapHysteresisIters = 8

	softcapSpreadBoost = "SOFTCAP_SPREAD_BOOST"
	softcapCalmDown    = "SOFTCAP_CALM_DOWN"
	softcapUltraImpact = "SOFTCAP_ULTRA_IMPACT_CAP"
	softcapHybrid      = "SOFTCAP_HYBRID"
)

// applySoftCaps inspects the stuck-risk and high-risk streaks and layers the
// matching escalation onto the accumulator. Returns the names of soft-caps
// that fired.
func (t *Tuner) applySoftCaps(acc *accumulator, iter int, kpi *edge.KPI) []string {
	var fired []string

	// Hybrid dominates: all three measures at once under sustained extreme
	// risk.
	if t.highRiskStreak >= 2 && t.canFire(softcapHybrid, iter) {
		t.spreadBoost(acc)
		t.calmDown(acc, kpi)
		t.ultraImpactCap(acc)
		t.markFired(softcapHybrid, iter)
		t.markFired(softcapSpreadBoost, iter)
		t.markFired(softcapCalmDown, iter)
		t.markFired(softcapUltraImpact, iter)
		fired = append(fired, softcapHybrid)
		log.Warn().Int("iter", iter).Float64("risk_ratio", kpi.RiskRatio).Msg("soft-cap hybrid engaged")
		return fired
	}

	if t.riskStuck >= 2 && t.canFire(softcapSpreadBoost, iter) {
		t.spreadBoost(acc)
		t.markFired(softcapSpreadBoost, iter)
		fired = append(fired, softcapSpreadBoost)
	}
	if t.riskStuck >= 3 && t.canFire(softcapCalmDown, iter) {
		t.calmDown(acc, kpi)
		t.markFired(softcapCalmDown, iter)
		fired = append(fired, softcapCalmDown)
	}
	if t.riskStuck >= 4 && t.canFire(softcapUltraImpact, iter) {
		t.ultraImpactCap(acc)
		t.markFired(softcapUltraImpact, iter)
		fired = append(fired, softcapUltraImpact)
	}
	return fired
}

func (t *Tuner) spreadBoost(acc *accumulator) {
	acc.add("base_spread_bps_delta", +0.05, capAt(0.25),
		"SOFTCAP:spread_boost → base_spread_bps_delta += 0.05")
}

// calmDown scales the replace rate to 80% of its current value.
func (t *Tuner) calmDown(acc *accumulator, kpi *edge.KPI) {
	current, ok := acc.current["replace_rate_per_min"]
	if !ok {
		return
	}
	acc.override("replace_rate_per_min", current*0.80,
		"SOFTCAP:calm_down → replace_rate_per_min *= 0.80")
}

func (t *Tuner) ultraImpactCap(acc *accumulator) {
	acc.override("impact_cap_ratio", 0.06,
		"SOFTCAP:ultra_conservative → impact_cap_ratio = 0.06")
}

func (t *Tuner) canFire(name string, iter int) bool {
	last, ok := t.softcapFired[name]
	return !ok || iter-last >= t.hysteresis
}

func (t *Tuner) markFired(name string, iter int) {
	t.softcapFired[name] = iter
}
