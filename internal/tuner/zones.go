package tuner

import (
	"fmt"

	"github.com/sawpanic/soakring/internal/edge"
)

// Zone thresholds. The upper band wins ties: risk_ratio == 0.60 is
// AGGRESSIVE, matching the behavior the strategy team relies on.
const (
	aggressiveRisk = 0.60
	moderateRisk   = 0.40
	calmRisk       = 0.35
	goodNetBps     = 3.0
)

type zone struct {
	name     string
	cutsRisk bool
}

var (
	zoneAggressive = zone{name: "AGGRESSIVE", cutsRisk: true}
	zoneModerate   = zone{name: "MODERATE", cutsRisk: true}
	zoneNormalize  = zone{name: "NORMALIZE"}
	zoneStable     = zone{name: "STABLE"}
	// zoneWatch covers KPI vectors no table row claims (calm risk but weak
	// edge): hold primary deltas and let drivers speak.
	zoneWatch = zone{name: "WATCH"}
)

func classify(kpi *edge.KPI) zone {
	r, n := kpi.RiskRatio, kpi.NetBps
	switch {
	case r >= aggressiveRisk:
		return zoneAggressive
	case r >= moderateRisk:
		return zoneModerate
	case r < calmRisk && n >= goodNetBps:
		return zoneNormalize
	case r >= calmRisk && n >= goodNetBps:
		return zoneStable
	default:
		return zoneWatch
	}
}

func applyZone(acc *accumulator, z zone, kpi *edge.KPI) {
	label := func(format string, args ...any) string {
		return fmt.Sprintf("ZONE:%s → %s", z.name, fmt.Sprintf(format, args...))
	}
	switch z.name {
	case zoneAggressive.name:
		acc.add("min_interval_ms", +5, capAt(80), label("min_interval_ms += 5"))
		acc.add("impact_cap_ratio", -0.01, floorAt(0.08), label("impact_cap_ratio -= 0.01"))
		acc.add("tail_age_ms", +30, capAt(800), label("tail_age_ms += 30"))
	case zoneModerate.name:
		acc.add("min_interval_ms", +5, capAt(75), label("min_interval_ms += 5"))
		acc.add("impact_cap_ratio", -0.005, floorAt(0.09), label("impact_cap_ratio -= 0.005"))
	case zoneNormalize.name:
		acc.add("min_interval_ms", -3, floorAt(50), label("min_interval_ms -= 3"))
		acc.add("impact_cap_ratio", +0.005, capAt(0.10), label("impact_cap_ratio += 0.005"))
	case zoneStable.name, zoneWatch.name:
		// hold
	}
}
