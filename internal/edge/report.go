package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

// ErrMalformedEdgeReport marks a report missing required keys. Recoverable:
// the orchestrator records the iteration's KPIs as missing and continues.
var ErrMalformedEdgeReport = errors.New("malformed edge report")

// ComponentBreakdown decomposes net_bps into its signed contributors.
// fees_eff_bps and inventory_bps are non-positive by construction.
type ComponentBreakdown struct {
	GrossBps     float64 `json:"gross_bps"`
	FeesEffBps   float64 `json:"fees_eff_bps"`
	SlippageBps  float64 `json:"slippage_bps"`
	AdverseBps   float64 `json:"adverse_bps"`
	InventoryBps float64 `json:"inventory_bps"`
	NetBps       float64 `json:"net_bps"`
}

// BlockReason is one entry of totals.block_reasons.
type BlockReason struct {
	Count int64   `json:"count"`
	Ratio float64 `json:"ratio"`
}

// Totals is the per-iteration diagnostics block emitted by the strategy.
type Totals struct {
	NetBps             *float64               `json:"net_bps"`
	ComponentBreakdown *ComponentBreakdown    `json:"component_breakdown"`
	NegEdgeDrivers     []string               `json:"neg_edge_drivers"`
	BlockReasons       map[string]BlockReason `json:"block_reasons"`
	AdverseBpsP95      float64                `json:"adverse_bps_p95"`
	SlippageBpsP95     float64                `json:"slippage_bps_p95"`
	OrderAgeMsP95      float64                `json:"order_age_ms_p95"`
	WsLagMsP95         float64                `json:"ws_lag_ms_p95"`
	MakerCount         *int64                 `json:"maker_count"`
	TakerCount         *int64                 `json:"taker_count"`
	MakerTakerRatio    *float64               `json:"maker_taker_ratio"`
}

// Runtime identifies the strategy build that produced the report.
type Runtime struct {
	UTC     string `json:"utc"`
	Version string `json:"version"`
}

// Report is the raw EDGE_REPORT document.
type Report struct {
	Totals  *Totals `json:"totals"`
	Runtime Runtime `json:"runtime"`
}

// KPI is the normalized per-iteration KPI vector consumed by the tuner,
// guards and analyzer.
type KPI struct {
	NetBps          float64            `json:"net_bps"`
	RiskRatio       float64            `json:"risk_ratio"`
	MakerTakerRatio float64            `json:"maker_taker_ratio"`
	MakerSharePct   float64            `json:"maker_share_pct"`
	AdverseBpsP95   float64            `json:"adverse_bps_p95"`
	SlippageBpsP95  float64            `json:"slippage_bps_p95"`
	OrderAgeMsP95   float64            `json:"order_age_ms_p95"`
	WsLagMsP95      float64            `json:"ws_lag_ms_p95"`
	BlockRatios     map[string]float64 `json:"block_ratios"`
	NegEdgeDrivers  []string           `json:"neg_edge_drivers,omitempty"`
	Breakdown       ComponentBreakdown `json:"breakdown"`
	UTC             string             `json:"utc"`
	Version         string             `json:"version"`
}

// ReadFile parses and normalizes an EDGE_REPORT.json from disk.
func ReadFile(path string) (*KPI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edge report %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw report bytes into a normalized KPI vector. Missing
// required keys yield ErrMalformedEdgeReport naming the key.
func Parse(data []byte) (*KPI, error) {
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEdgeReport, err)
	}
	if rep.Totals == nil {
		return nil, fmt.Errorf("%w: missing totals", ErrMalformedEdgeReport)
	}
	t := rep.Totals
	if t.NetBps == nil {
		return nil, fmt.Errorf("%w: missing totals.net_bps", ErrMalformedEdgeReport)
	}
	if t.BlockReasons == nil {
		return nil, fmt.Errorf("%w: missing totals.block_reasons", ErrMalformedEdgeReport)
	}
	riskBlock, ok := t.BlockReasons["risk"]
	if !ok {
		return nil, fmt.Errorf("%w: missing totals.block_reasons.risk", ErrMalformedEdgeReport)
	}

	kpi := &KPI{
		NetBps:         *t.NetBps,
		RiskRatio:      normalizeRatio(riskBlock.Ratio),
		AdverseBpsP95:  t.AdverseBpsP95,
		SlippageBpsP95: t.SlippageBpsP95,
		OrderAgeMsP95:  t.OrderAgeMsP95,
		WsLagMsP95:     t.WsLagMsP95,
		BlockRatios:    make(map[string]float64, len(t.BlockReasons)),
		UTC:            rep.Runtime.UTC,
		Version:        rep.Runtime.Version,
	}
	for reason, block := range t.BlockReasons {
		kpi.BlockRatios[reason] = normalizeRatio(block.Ratio)
	}
	if t.ComponentBreakdown != nil {
		kpi.Breakdown = *t.ComponentBreakdown
	}

	kpi.MakerTakerRatio, kpi.MakerSharePct = makerTaker(t)
	kpi.NegEdgeDrivers = negEdgeDrivers(t)
	return kpi, nil
}

// normalizeRatio maps percentage-shaped inputs (>1) onto [0,1].
func normalizeRatio(r float64) float64 {
	if r > 1 {
		r = r / 100
	}
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// makerTaker prefers fills-based counts; a stored ratio is only a fallback
// when counts are absent from the report.
func makerTaker(t *Totals) (ratio, sharePct float64) {
	if t.MakerCount != nil && t.TakerCount != nil {
		total := *t.MakerCount + *t.TakerCount
		if total <= 0 {
			return 0, 0
		}
		r := float64(*t.MakerCount) / float64(total)
		return r, r * 100
	}
	if t.MakerTakerRatio != nil {
		r := normalizeRatio(*t.MakerTakerRatio)
		return r, r * 100
	}
	return 0, 0
}

// negEdgeDrivers surfaces the top-2 negative contributors when net_bps < 0.
// The report's own ordering wins when present; otherwise the breakdown is
// ranked by absolute contribution descending.
func negEdgeDrivers(t *Totals) []string {
	if *t.NetBps >= 0 {
		return nil
	}
	if len(t.NegEdgeDrivers) > 0 {
		if len(t.NegEdgeDrivers) > 2 {
			return t.NegEdgeDrivers[:2]
		}
		return t.NegEdgeDrivers
	}
	if t.ComponentBreakdown == nil {
		return nil
	}
	type contrib struct {
		name  string
		value float64
	}
	candidates := []contrib{
		{"fees_eff_bps", t.ComponentBreakdown.FeesEffBps},
		{"slippage_bps", t.ComponentBreakdown.SlippageBps},
		{"adverse_bps", t.ComponentBreakdown.AdverseBps},
		{"inventory_bps", t.ComponentBreakdown.InventoryBps},
	}
	var negative []contrib
	for _, c := range candidates {
		if c.value < 0 {
			negative = append(negative, c)
		}
	}
	sort.SliceStable(negative, func(i, j int) bool {
		return math.Abs(negative[i].value) > math.Abs(negative[j].value)
	})
	out := make([]string, 0, 2)
	for _, c := range negative {
		out = append(out, c.name)
		if len(out) == 2 {
			break
		}
	}
	return out
}
