// Package analyzer turns a run's iteration summaries into the post-soak
// snapshot, verdict, and human reports that gate a release.
package analyzer

import (
	"errors"
	"math"
	"sort"

	"github.com/sawpanic/soakring/internal/edge"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

// DefaultLastN is the snapshot window when none is given.
const DefaultLastN = 8

// KPI names used as snapshot keys.
const (
	KPIMakerTaker = "maker_taker_ratio"
	KPINetBps     = "net_bps"
	KPIP95Latency = "p95_latency_ms"
	KPIRiskRatio  = "risk_ratio"
)

// Stats is the four-number aggregate for one KPI over the window.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Snapshot is the POST_SOAK_SNAPSHOT.json payload.
type Snapshot struct {
	RunID            string           `json:"run_id"`
	Mode             string           `json:"mode"`
	LastN            int              `json:"last_n"`
	WindowIterations []int            `json:"window_iterations"`
	KPIs             map[string]Stats `json:"kpis"`
	Verdict          string           `json:"verdict"`
	FreezeReady      bool             `json:"freeze_ready"`
	PassCountLastN   int              `json:"pass_count_last_n"`
	KPIGoalsMet      map[string]bool  `json:"kpi_goals_met"`
	SoftWarnings     []string         `json:"soft_warnings,omitempty"`
	SignatureStuck   bool             `json:"signature_stuck"`
	FullApplyRatio   float64          `json:"full_apply_ratio"`
	GeneratedUTC     string           `json:"generated_utc"`
	Version          string           `json:"version"`
}

// window is the analyzed slice of a run: the last-N summaries that carry
// KPIs, with their per-iteration series extracted.
type window struct {
	summaries []orchestrator.IterSummary
	kpis      []*edge.KPI
}

func buildWindow(summaries []orchestrator.IterSummary, lastN int) (*window, error) {
	if lastN <= 0 {
		lastN = DefaultLastN
	}
	var w window
	for _, s := range summaries {
		if s.KPIsMissing || s.KPIs == nil {
			continue
		}
		w.summaries = append(w.summaries, s)
		w.kpis = append(w.kpis, s.KPIs)
	}
	if len(w.kpis) == 0 {
		return nil, errors.New("no iterations with KPIs to analyze")
	}
	if len(w.kpis) > lastN {
		w.summaries = w.summaries[len(w.summaries)-lastN:]
		w.kpis = w.kpis[len(w.kpis)-lastN:]
	}
	return &w, nil
}

func (w *window) iterations() []int {
	out := make([]int, len(w.summaries))
	for i, s := range w.summaries {
		out[i] = s.Iteration
	}
	return out
}

func (w *window) series(kpi string) []float64 {
	out := make([]float64, len(w.kpis))
	for i, k := range w.kpis {
		out[i] = kpiValue(k, kpi)
	}
	return out
}

func kpiValue(k *edge.KPI, name string) float64 {
	switch name {
	case KPIMakerTaker:
		return k.MakerTakerRatio
	case KPINetBps:
		return k.NetBps
	case KPIP95Latency:
		return k.OrderAgeMsP95
	case KPIRiskRatio:
		return k.RiskRatio
	}
	return math.NaN()
}

func aggregate(values []float64) Stats {
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, v := range values {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		sum += v
	}
	s.Mean = sum / float64(len(values))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		s.Median = sorted[mid]
	} else {
		s.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return s
}
