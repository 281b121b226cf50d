package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/soakring/internal/config"
)

// Strategy is the external market-making engine, reduced to the one contract
// the soak loop relies on: invoke once, get back the iteration's EDGE_REPORT
// bytes. The engine reads the persisted runtime_overrides.json on its own.
type Strategy interface {
	RunOnce(ctx context.Context, resolved config.Resolved) ([]byte, error)
}

// MockStrategy scripts a deterministic KPI trajectory for smoke and
// convergence runs. The default script is the steady-safe convergence path:
// risk spikes while edge recovers, then both settle inside the gates.
type MockStrategy struct {
	Script []MockIteration
	call   int
}

// MockIteration is one scripted EDGE_REPORT worth of KPIs.
type MockIteration struct {
	RiskRatio      float64
	NetBps         float64
	AdverseP95     float64
	SlippageP95    float64
	OrderAgeP95    float64
	WsLagP95       float64
	MakerCount     int64
	TakerCount     int64
	MinIntervalBlk float64
	ConcurrencyBlk float64
}

// NewMockStrategy returns the default convergence script. Past the end of
// the script the last entry repeats.
func NewMockStrategy() *MockStrategy {
	return &MockStrategy{Script: []MockIteration{
		{RiskRatio: 0.17, NetBps: -1.50, AdverseP95: 3.8, SlippageP95: 2.9, OrderAgeP95: 340, WsLagP95: 150, MakerCount: 82, TakerCount: 18},
		{RiskRatio: 0.33, NetBps: -0.80, AdverseP95: 3.6, SlippageP95: 2.6, OrderAgeP95: 330, WsLagP95: 145, MakerCount: 84, TakerCount: 16},
		{RiskRatio: 0.68, NetBps: 3.00, AdverseP95: 3.2, SlippageP95: 2.2, OrderAgeP95: 320, WsLagP95: 140, MakerCount: 86, TakerCount: 14},
		{RiskRatio: 0.56, NetBps: 3.10, AdverseP95: 3.0, SlippageP95: 2.0, OrderAgeP95: 315, WsLagP95: 135, MakerCount: 87, TakerCount: 13},
		{RiskRatio: 0.47, NetBps: 3.20, AdverseP95: 2.8, SlippageP95: 1.9, OrderAgeP95: 310, WsLagP95: 130, MakerCount: 88, TakerCount: 12},
		{RiskRatio: 0.39, NetBps: 3.30, AdverseP95: 2.6, SlippageP95: 1.8, OrderAgeP95: 305, WsLagP95: 125, MakerCount: 89, TakerCount: 11},
	}}
}

// RunOnce renders the next scripted iteration as EDGE_REPORT JSON.
func (m *MockStrategy) RunOnce(ctx context.Context, _ config.Resolved) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	idx := m.call
	if idx >= len(m.Script) {
		idx = len(m.Script) - 1
	}
	m.call++
	it := m.Script[idx]

	report := fmt.Sprintf(`{
  "totals": {
    "net_bps": %.4f,
    "component_breakdown": {
      "gross_bps": %.4f, "fees_eff_bps": -1.1, "slippage_bps": %.4f,
      "adverse_bps": %.4f, "inventory_bps": -0.3, "net_bps": %.4f
    },
    "block_reasons": {
      "min_interval": {"count": 100, "ratio": %.4f},
      "concurrency": {"count": 40, "ratio": %.4f},
      "risk": {"count": 50, "ratio": %.4f},
      "throttle": {"count": 5, "ratio": 0.01}
    },
    "adverse_bps_p95": %.2f,
    "slippage_bps_p95": %.2f,
    "order_age_ms_p95": %.1f,
    "ws_lag_ms_p95": %.1f,
    "maker_count": %d,
    "taker_count": %d
  },
  "runtime": {"utc": "%s", "version": "mock"}
}`,
		it.NetBps, it.NetBps+2.5, -it.SlippageP95/2, -it.AdverseP95/2, it.NetBps,
		it.MinIntervalBlk, it.ConcurrencyBlk, it.RiskRatio,
		it.AdverseP95, it.SlippageP95, it.OrderAgeP95, it.WsLagP95,
		it.MakerCount, it.TakerCount,
		time.Now().UTC().Format(time.RFC3339))
	return []byte(report), nil
}
