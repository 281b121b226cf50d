package tuner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/params"
)

func baseline() map[string]float64 {
	return map[string]float64{
		"min_interval_ms":       70,
		"impact_cap_ratio":      0.10,
		"tail_age_ms":           300,
		"base_spread_bps_delta": 0.02,
		"max_delta_ratio":       0.15,
		"replace_rate_per_min":  150,
	}
}

func kpiWith(risk, net float64) *edge.KPI {
	return &edge.KPI{
		NetBps:      net,
		RiskRatio:   risk,
		BlockRatios: map[string]float64{},
	}
}

func findChange(t *testing.T, d Delta, param string) Change {
	t.Helper()
	for _, c := range d.Changes {
		if c.Param == param {
			return c
		}
	}
	t.Fatalf("delta has no change for %q: %+v", param, d.Changes)
	return Change{}
}

func hasChange(d Delta, param string) bool {
	for _, c := range d.Changes {
		if c.Param == param {
			return true
		}
	}
	return false
}

func TestClassifyZones(t *testing.T) {
	cases := []struct {
		risk, net float64
		want      string
	}{
		{0.60, 1.0, "AGGRESSIVE"}, // tie goes to the upper band
		{0.75, 5.0, "AGGRESSIVE"},
		{0.40, 1.0, "MODERATE"},
		{0.59, 4.0, "MODERATE"},
		{0.20, 3.5, "NORMALIZE"},
		{0.349, 3.0, "NORMALIZE"},
		{0.35, 3.0, "STABLE"},
		{0.39, 4.0, "STABLE"},
		{0.17, -1.5, "WATCH"},
		{0.36, 1.0, "WATCH"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(kpiWith(tc.risk, tc.net)).name,
			"risk=%.3f net=%.2f", tc.risk, tc.net)
	}
}

func TestAggressiveZoneDeltas(t *testing.T) {
	tn := New(params.Default())
	d := tn.Propose(1, kpiWith(0.68, 1.0), baseline())

	require.Equal(t, "AGGRESSIVE", d.Zone)
	assert.Equal(t, 75.0, findChange(t, d, "min_interval_ms").Target)
	assert.InDelta(t, 0.09, findChange(t, d, "impact_cap_ratio").Target, 1e-9)
	assert.Equal(t, 330.0, findChange(t, d, "tail_age_ms").Target)
}

func TestAggressiveZoneRespectsRuleCap(t *testing.T) {
	tn := New(params.Default())
	current := baseline()
	current["min_interval_ms"] = 78

	d := tn.Propose(1, kpiWith(0.68, 1.0), current)
	ch := findChange(t, d, "min_interval_ms")
	assert.Equal(t, 80.0, ch.Target)
	assert.Contains(t, ch.Rationale, "CAPPED at 80")
}

func TestCapPinnedIntentStillLogged(t *testing.T) {
	tn := New(params.Default())
	current := baseline()
	current["min_interval_ms"] = 80 // already at the AGGRESSIVE cap

	d := tn.Propose(1, kpiWith(0.68, 1.0), current)
	assert.False(t, hasChange(d, "min_interval_ms"), "no-op change is not emitted")
	joined := strings.Join(d.Rationale, "\n")
	assert.Contains(t, joined, "min_interval_ms += 5")
	assert.Contains(t, joined, "CAPPED at 80")
}

func TestNormalizeZoneReclaimsEdge(t *testing.T) {
	tn := New(params.Default())
	d := tn.Propose(1, kpiWith(0.20, 3.5), baseline())

	require.Equal(t, "NORMALIZE", d.Zone)
	// Raw target; the registry snaps to the 5 ms grid at apply time.
	assert.Equal(t, 67.0, findChange(t, d, "min_interval_ms").Target)
	// impact_cap_ratio at 0.10 is already the NORMALIZE cap: no change.
	assert.False(t, hasChange(d, "impact_cap_ratio"))
}

func TestStableZoneHolds(t *testing.T) {
	tn := New(params.Default())
	d := tn.Propose(1, kpiWith(0.37, 3.5), baseline())
	require.Equal(t, "STABLE", d.Zone)
	assert.True(t, d.IsEmpty())
}

func TestAdverseDriver(t *testing.T) {
	tn := New(params.Default())
	kpi := kpiWith(0.37, 3.5)
	kpi.AdverseBpsP95 = 4.0

	d := tn.Propose(1, kpi, baseline())
	assert.InDelta(t, 0.09, findChange(t, d, "impact_cap_ratio").Target, 1e-9)
	assert.InDelta(t, 0.14, findChange(t, d, "max_delta_ratio").Target, 1e-9)
	assert.Contains(t, findChange(t, d, "impact_cap_ratio").Rationale, "DRIVER:adverse_bps_p95")
}

func TestSlippageDriver(t *testing.T) {
	tn := New(params.Default())
	kpi := kpiWith(0.37, 3.5)
	kpi.SlippageBpsP95 = 3.0

	d := tn.Propose(1, kpi, baseline())
	assert.InDelta(t, 0.04, findChange(t, d, "base_spread_bps_delta").Target, 1e-9)
	assert.Equal(t, 330.0, findChange(t, d, "tail_age_ms").Target)
}

func TestBlockRatioDrivers(t *testing.T) {
	tn := New(params.Default())
	kpi := kpiWith(0.37, 3.5)
	kpi.BlockRatios["min_interval"] = 0.65 // above the 0.60 knee -> +40
	kpi.BlockRatios["concurrency"] = 0.35  // below the 0.45 knee -> -30

	d := tn.Propose(1, kpi, baseline())
	assert.Equal(t, 110.0, findChange(t, d, "min_interval_ms").Target)
	assert.Equal(t, 120.0, findChange(t, d, "replace_rate_per_min").Target)
}

func TestAgeReliefDriver(t *testing.T) {
	tn := New(params.Default())
	kpi := kpiWith(0.30, 3.5) // NORMALIZE zone, min_interval -3 as well
	kpi.OrderAgeMsP95 = 400

	d := tn.Propose(1, kpi, baseline())
	// Zone -3 plus age-relief -10 accumulate.
	assert.Equal(t, 57.0, findChange(t, d, "min_interval_ms").Target)
	assert.Equal(t, 180.0, findChange(t, d, "replace_rate_per_min").Target)
}

func TestMultiFailGuardKeepsConservativeSubset(t *testing.T) {
	tn := New(params.Default())
	kpi := kpiWith(0.30, 3.5)
	kpi.AdverseBpsP95 = 4.0
	kpi.SlippageBpsP95 = 3.0
	kpi.BlockRatios["min_interval"] = 0.50
	kpi.OrderAgeMsP95 = 400 // 4th trigger: age relief would loosen

	d := tn.Propose(1, kpi, baseline())
	assert.True(t, hasChange(d, "min_interval_ms"))
	assert.True(t, hasChange(d, "base_spread_bps_delta"))
	assert.False(t, hasChange(d, "replace_rate_per_min"), "loosening delta dropped")
	assert.False(t, hasChange(d, "impact_cap_ratio"), "non-conservative delta dropped")
	ch := findChange(t, d, "min_interval_ms")
	assert.Greater(t, ch.Target, ch.From)
}

func TestFallbackFiresOnceAfterTwoNegatives(t *testing.T) {
	tn := New(params.Default())

	d1 := tn.Propose(1, kpiWith(0.17, -1.5), baseline())
	assert.NotContains(t, d1.Notes, "FALLBACK_CONSERVATIVE")

	d2 := tn.Propose(2, kpiWith(0.20, -0.8), baseline())
	assert.Contains(t, d2.Notes, "FALLBACK_CONSERVATIVE")
	assert.Equal(t, 80.0, findChange(t, d2, "min_interval_ms").Target)
	assert.Equal(t, 120.0, findChange(t, d2, "replace_rate_per_min").Target)

	d3 := tn.Propose(3, kpiWith(0.22, -0.2), baseline())
	assert.NotContains(t, d3.Notes, "FALLBACK_CONSERVATIVE", "fallback is one-shot per run")
}

func TestSoftCapEscalation(t *testing.T) {
	tn := New(params.Default())

	// Risk keeps climbing in risk-cutting zones: stuck counter grows.
	tn.Propose(1, kpiWith(0.45, 1.0), baseline())
	tn.Propose(2, kpiWith(0.47, 1.0), baseline())
	d3 := tn.Propose(3, kpiWith(0.49, 1.0), baseline())
	assert.Contains(t, d3.Notes, softcapSpreadBoost)
	assert.InDelta(t, 0.07, findChange(t, d3, "base_spread_bps_delta").Target, 1e-9)

	d4 := tn.Propose(4, kpiWith(0.51, 1.0), baseline())
	assert.Contains(t, d4.Notes, softcapCalmDown)
	assert.NotContains(t, d4.Notes, softcapSpreadBoost, "one-shot within hysteresis window")
	assert.Equal(t, 120.0, findChange(t, d4, "replace_rate_per_min").Target)

	d5 := tn.Propose(5, kpiWith(0.53, 1.0), baseline())
	assert.Contains(t, d5.Notes, softcapUltraImpact)
	assert.InDelta(t, 0.06, findChange(t, d5, "impact_cap_ratio").Target, 1e-9)
}

func TestHybridSoftCapAtSustainedExtremeRisk(t *testing.T) {
	tn := New(params.Default())
	tn.Propose(1, kpiWith(0.72, 0.5), baseline())
	d2 := tn.Propose(2, kpiWith(0.74, 0.5), baseline())

	assert.Contains(t, d2.Notes, softcapHybrid)
	assert.InDelta(t, 0.06, findChange(t, d2, "impact_cap_ratio").Target, 1e-9)
	assert.Equal(t, 120.0, findChange(t, d2, "replace_rate_per_min").Target)
	assert.True(t, hasChange(d2, "base_spread_bps_delta"))
}

func TestSignatureStableAcrossIdenticalProposals(t *testing.T) {
	a := New(params.Default()).Propose(1, kpiWith(0.68, 1.0), baseline())
	b := New(params.Default()).Propose(1, kpiWith(0.68, 1.0), baseline())
	assert.Equal(t, a.Signature(), b.Signature())
	assert.NotEmpty(t, a.Signature())
}
