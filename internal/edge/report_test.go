package edge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullReport = `{
  "totals": {
    "net_bps": -1.5,
    "component_breakdown": {
      "gross_bps": 4.0, "fees_eff_bps": -1.2, "slippage_bps": -2.8,
      "adverse_bps": -1.1, "inventory_bps": -0.4, "net_bps": -1.5
    },
    "block_reasons": {
      "min_interval": {"count": 120, "ratio": 0.45},
      "concurrency": {"count": 20, "ratio": 0.08},
      "risk": {"count": 44, "ratio": 17.0},
      "throttle": {"count": 3, "ratio": 0.01}
    },
    "adverse_bps_p95": 3.8,
    "slippage_bps_p95": 2.9,
    "order_age_ms_p95": 310,
    "ws_lag_ms_p95": 140,
    "maker_count": 85,
    "taker_count": 15
  },
  "runtime": {"utc": "2025-11-03T00:00:00Z", "version": "v1.4.2"}
}`

func TestParseNormalizesRiskRatio(t *testing.T) {
	kpi, err := Parse([]byte(fullReport))
	require.NoError(t, err)
	// 17.0 is percentage-shaped; normalized to 0.17.
	assert.InDelta(t, 0.17, kpi.RiskRatio, 1e-9)
	assert.InDelta(t, 0.45, kpi.BlockRatios["min_interval"], 1e-9)
}

func TestParseMakerTakerFromCounts(t *testing.T) {
	kpi, err := Parse([]byte(fullReport))
	require.NoError(t, err)
	assert.InDelta(t, 0.85, kpi.MakerTakerRatio, 1e-9)
	assert.InDelta(t, 85.0, kpi.MakerSharePct, 1e-9)
}

func TestParseMakerTakerFallbackToStoredRatio(t *testing.T) {
	kpi, err := Parse([]byte(`{
	  "totals": {
	    "net_bps": 3.0,
	    "block_reasons": {"risk": {"count": 0, "ratio": 0.1}},
	    "maker_taker_ratio": 0.9
	  },
	  "runtime": {"utc": "", "version": ""}
	}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, kpi.MakerTakerRatio, 1e-9)
}

func TestParseComputesNegEdgeDrivers(t *testing.T) {
	kpi, err := Parse([]byte(fullReport))
	require.NoError(t, err)
	// slippage (-2.8) then fees (-1.2): top-2 by absolute contribution.
	assert.Equal(t, []string{"slippage_bps", "fees_eff_bps"}, kpi.NegEdgeDrivers)
}

func TestParseKeepsReportedDrivers(t *testing.T) {
	kpi, err := Parse([]byte(`{
	  "totals": {
	    "net_bps": -0.5,
	    "neg_edge_drivers": ["adverse_bps", "slippage_bps", "fees_eff_bps"],
	    "block_reasons": {"risk": {"count": 1, "ratio": 0.2}}
	  },
	  "runtime": {"utc": "", "version": ""}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"adverse_bps", "slippage_bps"}, kpi.NegEdgeDrivers)
}

func TestParsePositiveNetHasNoDrivers(t *testing.T) {
	kpi, err := Parse([]byte(`{
	  "totals": {
	    "net_bps": 3.2,
	    "block_reasons": {"risk": {"count": 0, "ratio": 0.1}}
	  },
	  "runtime": {"utc": "", "version": ""}
	}`))
	require.NoError(t, err)
	assert.Empty(t, kpi.NegEdgeDrivers)
}

func TestParseMissingRequiredKeys(t *testing.T) {
	cases := []string{
		`{}`,
		`{"totals": {}}`,
		`{"totals": {"net_bps": 1.0}}`,
		`{"totals": {"net_bps": 1.0, "block_reasons": {"throttle": {"count": 1, "ratio": 0.1}}}}`,
		`not json`,
	}
	for _, raw := range cases {
		_, err := Parse([]byte(raw))
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrMalformedEdgeReport), raw)
	}
}
