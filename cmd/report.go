package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/autopilot"
	"github.com/kvopt/kv-optkit/kvopt/trace"
)

func printReport(w io.Writer, report kvopt.AdvisorReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}
	_, err = fmt.Fprintf(w, "=== Advisor Report ===\n%s\n", data)
	return err
}

func printPlans(w io.Writer, plans []autopilot.Plan) error {
	var b strings.Builder
	b.WriteString("=== Plan History ===\n")
	if len(plans) == 0 {
		b.WriteString("no plans\n")
	}
	for _, p := range plans {
		fmt.Fprintf(&b, "%s  %-11s target=%.2f applied=%d failed=%d reverted=%d unrecoverable=%d saved=%.2fGB acc_delta=%.3f%%\n",
			p.ID, p.Status, p.TargetUtil,
			p.Count(autopilot.ActionApplied), p.Count(autopilot.ActionFailed),
			p.Count(autopilot.ActionReverted), p.Count(autopilot.ActionUnrecoverable),
			p.ObservedHBMSavedGB, p.ObservedAccuracyDeltaPct)
		for _, n := range p.Notes {
			fmt.Fprintf(&b, "    - %s\n", n)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func printSummary(w io.Writer, s *trace.Summary) error {
	var b strings.Builder
	b.WriteString("=== Trace Summary ===\n")
	fmt.Fprintf(&b, "plans: %d %s\n", s.Plans, formatCounts(s.FinalStatus))
	fmt.Fprintf(&b, "verdicts: approved=%d shadowed=%d rejected=%d\n", s.Approved, s.Shadowed, s.Rejected)
	fmt.Fprintf(&b, "actions: %s tokens=%d freed=%.2fGB\n", formatCounts(s.ActionOutcomes), s.TokensMoved, s.FreedGB)
	fmt.Fprintf(&b, "shadow deviation: mean=%.3f%% max=%.3f%%\n", s.MeanDeviation, s.MaxDeviation)
	_, err := io.WriteString(w, b.String())
	return err
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// printMetrics writes the final value of every counter and gauge.
func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	var b strings.Builder
	b.WriteString("=== Metrics ===\n")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			value := m.GetCounter().GetValue()
			if m.GetGauge() != nil {
				value = m.GetGauge().GetValue()
			}
			fmt.Fprintf(&b, "%s %g\n", name, value)
		}
	}
	_, err = io.WriteString(w, b.String())
	return err
}
