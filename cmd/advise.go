package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvopt/kv-optkit/kvopt"
)

// adviseCmd analyses one telemetry snapshot and prints the recommendations.
var adviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "Print one advisory report for a seeded workload",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := runAdvise(cmd.Context(), cmd.OutOrStdout(), cfg, loadWorkload(cfg), seed); err != nil {
			logrus.Fatalf("advise failed: %v", err)
		}
	},
}

func runAdvise(ctx context.Context, w io.Writer, cfg *kvopt.Config, wl Workload, seed int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := buildStack(ctx, cfg, wl, seed)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(context.Background()); err != nil {
			logrus.Warnf("shutting down plugins: %v", err)
		}
	}()

	snap, err := s.sim.Telemetry(ctx)
	if err != nil {
		return fmt.Errorf("reading telemetry: %w", err)
	}
	s.metrics.ObserveSnapshot(snap)
	report := s.engine.Analyze(snap)
	logrus.Infof("advisor: utilization %.3f, %d recommendations", report.HBMUtilization, len(report.Recommendations))
	return printReport(w, report)
}
