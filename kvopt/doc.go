// Package kvopt holds the data model shared by the KV-OptKit autopilot: memory tiers,
// telemetry snapshots, recommendations, advisor reports, the error taxonomy and the
// configuration tree.
//
// # Architecture
//
// The core lives in sub-packages:
//   - kvopt/plugins/: Action Plugin Registry and the built-in plugins (kivi, lmcache, age_decay)
//   - kvopt/policy/: Recommendation Generator, Guardrail Evaluator and the Policy Engine façade
//   - kvopt/autopilot/: Plan Manager state machine and the monitoring loop
//   - kvopt/adapter/: simulated inference-engine adapter
//   - kvopt/metrics/: Prometheus counters for the metrics boundary
//   - kvopt/trace/: plan transition and guardrail verdict trace
//
// Data flows adapter -> TelemetrySnapshot -> policy.Engine -> AdvisorReport / autopilot.Plan
// -> plugins.Registry -> adapter, and the next snapshot closes the loop.
package kvopt
