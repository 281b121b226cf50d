// Package metrics holds the process-local Prometheus registry for soak KPIs.
// The orchestrator updates it per iteration, the monitor server exposes it,
// and the exporter gathers it when rendering the text exposition file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Soak bundles the soak-run gauges and counters.
type Soak struct {
	Registry *prometheus.Registry

	NetBps          *prometheus.GaugeVec
	RiskRatio       *prometheus.GaugeVec
	MakerTakerRatio *prometheus.GaugeVec
	P95             *prometheus.GaugeVec // pre-aggregated percentiles by metric/quantile
	PartialFreeze   *prometheus.GaugeVec // 0/1 per subsystem

	IterationsTotal     prometheus.Counter
	IterationsFailed    prometheus.Counter
	DeltasProposedTotal prometheus.Counter
	DeltasAppliedTotal  prometheus.Counter
	DeltasSkippedTotal  *prometheus.CounterVec
}

// NewSoak creates the registry and registers every metric on it.
func NewSoak(env, exchange, window string) *Soak {
	constLabels := prometheus.Labels{"env": env, "exchange": exchange, "window": window}
	reg := prometheus.NewRegistry()

	s := &Soak{
		Registry: reg,
		NetBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "soak_net_bps",
			Help:        "Net edge in basis points for the latest iteration",
			ConstLabels: constLabels,
		}, []string{"symbol"}),
		RiskRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "soak_risk_ratio",
			Help:        "Fraction of order attempts blocked by the risk subsystem (0..1)",
			ConstLabels: constLabels,
		}, []string{"symbol"}),
		MakerTakerRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "soak_maker_taker_ratio",
			Help:        "Maker fills over total fills for the latest iteration",
			ConstLabels: constLabels,
		}, []string{"symbol"}),
		P95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "soak_latency_quantile",
			Help:        "Pre-aggregated latency quantiles by metric",
			ConstLabels: constLabels,
		}, []string{"metric", "quantile"}),
		PartialFreeze: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "soak_partial_freeze_active",
			Help:        "1 while the subsystem is frozen for tuning, else 0",
			ConstLabels: constLabels,
		}, []string{"subsystem"}),
		IterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soak_iterations_total",
			Help:        "Iterations completed, including failed ones",
			ConstLabels: constLabels,
		}),
		IterationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soak_iterations_failed_total",
			Help:        "Iterations whose KPIs are missing (strategy or parse failure)",
			ConstLabels: constLabels,
		}),
		DeltasProposedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soak_deltas_proposed_total",
			Help:        "Parameter changes proposed by the auto-tuner",
			ConstLabels: constLabels,
		}),
		DeltasAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "soak_deltas_applied_total",
			Help:        "Parameter changes applied to the overrides store",
			ConstLabels: constLabels,
		}),
		DeltasSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "soak_deltas_skipped_total",
			Help:        "Iterations that applied nothing, by skip reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}

	reg.MustRegister(
		s.NetBps, s.RiskRatio, s.MakerTakerRatio, s.P95, s.PartialFreeze,
		s.IterationsTotal, s.IterationsFailed,
		s.DeltasProposedTotal, s.DeltasAppliedTotal, s.DeltasSkippedTotal,
	)
	return s
}

// ObserveIteration records the latest iteration's KPI gauges.
func (s *Soak) ObserveIteration(symbol string, netBps, riskRatio, makerTaker float64) {
	s.NetBps.WithLabelValues(symbol).Set(netBps)
	s.RiskRatio.WithLabelValues(symbol).Set(riskRatio)
	s.MakerTakerRatio.WithLabelValues(symbol).Set(makerTaker)
	s.IterationsTotal.Inc()
}

// ObserveQuantile records one pre-aggregated latency quantile.
func (s *Soak) ObserveQuantile(metric, quantile string, value float64) {
	s.P95.WithLabelValues(metric, quantile).Set(value)
}

// SetFreeze flips a subsystem's freeze gauge.
func (s *Soak) SetFreeze(subsystem string, frozen bool) {
	v := 0.0
	if frozen {
		v = 1.0
	}
	s.PartialFreeze.WithLabelValues(subsystem).Set(v)
}
