// Package metrics exports the autopilot's counters and telemetry gauges to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvopt/kv-optkit/kvopt"
)

const namespace = "kvopt"

// Metrics holds every collector. The zero value is not usable; build one
// with New.
type Metrics struct {
	TokensEvicted     prometheus.Counter
	TokensQuantized   prometheus.Counter
	ReuseHits         prometheus.Counter
	ReuseMisses       prometheus.Counter
	AutopilotApplies  prometheus.Counter
	AutopilotRollback prometheus.Counter
	Actions           *prometheus.CounterVec

	HBMUsedGB      prometheus.Gauge
	DDRUsedGB      prometheus.Gauge
	P95LatencyMs   prometheus.Gauge
	HBMUtilization prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests that only read values want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		TokensEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_evicted_total",
			Help:      "Tokens removed from HBM by eviction or offload.",
		}),
		TokensQuantized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_quantized_total",
			Help:      "Tokens converted to a lower bitwidth.",
		}),
		ReuseHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reuse_hits_total",
			Help:      "Reuse cache lookups that found a live entry.",
		}),
		ReuseMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reuse_misses_total",
			Help:      "Reuse cache lookups that found nothing.",
		}),
		AutopilotApplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autopilot_applies_total",
			Help:      "Plans that reached the applied state.",
		}),
		AutopilotRollback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autopilot_rollbacks_total",
			Help:      "Plans that were rolled back.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autopilot_actions_total",
			Help:      "Executed plan actions grouped by kind and outcome.",
		}, []string{"action", "outcome"}),
		HBMUsedGB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hbm_used_gb",
			Help:      "HBM occupied by KV cache.",
		}),
		DDRUsedGB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ddr_used_gb",
			Help:      "DDR occupied by offloaded KV cache.",
		}),
		P95LatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "p95_latency_ms",
			Help:      "Observed p95 request latency.",
		}),
		HBMUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hbm_utilization",
			Help:      "HBM used divided by HBM capacity.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TokensEvicted, m.TokensQuantized, m.ReuseHits, m.ReuseMisses,
		m.AutopilotApplies, m.AutopilotRollback, m.Actions,
		m.HBMUsedGB, m.DDRUsedGB, m.P95LatencyMs, m.HBMUtilization,
	}
}

// ObserveSnapshot updates the telemetry gauges.
func (m *Metrics) ObserveSnapshot(snap *kvopt.TelemetrySnapshot) {
	m.HBMUsedGB.Set(snap.HBMUsedGB)
	m.DDRUsedGB.Set(snap.DDRUsedGB)
	m.P95LatencyMs.Set(snap.P95LatencyMs)
	m.HBMUtilization.Set(snap.HBMUtilization())
}

// ObserveAction counts one executed action. Only successful moves add to
// the token counters.
func (m *Metrics) ObserveAction(res kvopt.ExecutionResult, outcome string) {
	m.Actions.WithLabelValues(string(res.Action), outcome).Inc()
	if outcome != OutcomeApplied || res.TokensMoved <= 0 {
		return
	}
	switch res.Action {
	case kvopt.ActionEvict, kvopt.ActionOffload:
		m.TokensEvicted.Add(float64(res.TokensMoved))
	case kvopt.ActionQuantize:
		m.TokensQuantized.Add(float64(res.TokensMoved))
	}
}

// Action outcomes used as label values.
const (
	OutcomeApplied  = "applied"
	OutcomeFailed   = "failed"
	OutcomeReverted = "reverted"
)

// ReuseHit implements plugins.ReuseObserver.
func (m *Metrics) ReuseHit() { m.ReuseHits.Inc() }

// ReuseMiss implements plugins.ReuseObserver.
func (m *Metrics) ReuseMiss() { m.ReuseMisses.Inc() }
