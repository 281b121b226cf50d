// Package exporter publishes soak KPIs outward: a Prometheus text
// exposition file for scrape-less consumers and an optional Redis
// publication for live dashboards.
package exporter

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/sawpanic/soakring/internal/analyzer"
	"github.com/sawpanic/soakring/internal/atomicio"
	"github.com/sawpanic/soakring/internal/guards"
	"github.com/sawpanic/soakring/internal/metrics"
	"github.com/sawpanic/soakring/internal/orchestrator"
)

// MetricsFile is the exposition artifact name.
const MetricsFile = "POST_SOAK_METRICS.prom"

// PopulateFromRun replays a finished run into a fresh metrics registry so
// the exposition reflects the run's end state: last-iteration KPI gauges,
// windowed quantiles from the snapshot, and counter totals.
func PopulateFromRun(soak *metrics.Soak, symbol string, summaries []orchestrator.IterSummary, snap *analyzer.Snapshot) {
	for _, s := range summaries {
		if s.KPIsMissing || s.KPIs == nil {
			soak.IterationsFailed.Inc()
			soak.IterationsTotal.Inc()
			continue
		}
		soak.ObserveIteration(symbol, s.KPIs.NetBps, s.KPIs.RiskRatio, s.KPIs.MakerTakerRatio)
		soak.ObserveQuantile("order_age_ms", "0.95", s.KPIs.OrderAgeMsP95)
		soak.ObserveQuantile("ws_lag_ms", "0.95", s.KPIs.WsLagMsP95)
		soak.ObserveQuantile("adverse_bps", "0.95", s.KPIs.AdverseBpsP95)
		soak.ObserveQuantile("slippage_bps", "0.95", s.KPIs.SlippageBpsP95)

		if s.ProposedDelta != nil {
			soak.DeltasProposedTotal.Add(float64(len(s.ProposedDelta.Changes)))
		}
		soak.DeltasAppliedTotal.Add(float64(len(s.AppliedDelta)))
		if s.SkipReason != "" {
			soak.DeltasSkippedTotal.WithLabelValues(s.SkipReason).Inc()
		}
	}
	if len(summaries) > 0 {
		last := summaries[len(summaries)-1]
		for _, subsystem := range guards.FreezableSubsystems {
			soak.SetFreeze(subsystem, contains(last.GuardState.FrozenSubsystems, subsystem))
		}
	}
	if snap != nil {
		soak.ObserveQuantile("order_age_ms", "median", snap.KPIs[analyzer.KPIP95Latency].Median)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RenderText gathers the registry into the Prometheus text exposition
// format with families sorted by name for byte-stable output.
func RenderText(soak *metrics.Soak) ([]byte, error) {
	families, err := soak.Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		sortMetrics(mf)
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// sortMetrics orders a family's series by their label tuples; Gather does
// not guarantee series order within a family.
func sortMetrics(mf *dto.MetricFamily) {
	sort.Slice(mf.Metric, func(i, j int) bool {
		return labelKey(mf.Metric[i]) < labelKey(mf.Metric[j])
	})
}

func labelKey(m *dto.Metric) string {
	var b bytes.Buffer
	for _, lp := range m.GetLabel() {
		b.WriteString(lp.GetName())
		b.WriteByte('=')
		b.WriteString(lp.GetValue())
		b.WriteByte(',')
	}
	return b.String()
}

// WriteTextFile renders the registry and writes POST_SOAK_METRICS.prom.
func WriteTextFile(dir string, soak *metrics.Soak) error {
	data, err := RenderText(soak)
	if err != nil {
		return err
	}
	return atomicio.WriteFileAtomic(filepath.Join(dir, MetricsFile), data)
}
