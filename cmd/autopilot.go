package cmd

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/autopilot"
	"github.com/kvopt/kv-optkit/kvopt/trace"
)

var (
	ticks        int           // Monitoring loop iterations
	tickInterval time.Duration // Overrides autopilot.tick_interval when set
	traceLevel   string        // Plan trace verbosity
	decodeTokens int           // Tokens appended to every sequence per tick
)

// autopilotCmd runs the monitoring loop with autopilot enabled.
var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run the autopilot loop over a seeded workload",
	Run: func(cmd *cobra.Command, args []string) {
		if !trace.IsValidLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}
		cfg := loadConfig()
		cfg.Autopilot.Enabled = true
		if tickInterval > 0 {
			cfg.Autopilot.TickInterval = tickInterval
		}
		opts := autopilotOptions{ticks: ticks, traceLevel: trace.Level(traceLevel), decodeTokens: decodeTokens}
		if err := runAutopilot(cmd.Context(), cmd.OutOrStdout(), cfg, loadWorkload(cfg), seed, opts); err != nil {
			logrus.Fatalf("autopilot failed: %v", err)
		}
	},
}

type autopilotOptions struct {
	ticks        int
	traceLevel   trace.Level
	decodeTokens int
}

func runAutopilot(ctx context.Context, w io.Writer, cfg *kvopt.Config, wl Workload, seed int64, opts autopilotOptions) error {
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

	pt := trace.NewPlanTrace(opts.traceLevel)
	mgr := autopilot.NewManager(cfg, s.engine, s.plugins, s.sim, s.sim)
	mgr.SetMetrics(s.metrics)
	mgr.SetTrace(pt)
	loop := autopilot.NewLoop(mgr, cfg.Autopilot)

	if opts.decodeTokens > 0 {
		loop.SetAfterTick(func(context.Context) { decode(s, opts.decodeTokens) })
	}
	if err := loop.Run(ctx, opts.ticks); err != nil {
		return err
	}

	if report, ok := loop.Latest(); ok {
		if err := printReport(w, report); err != nil {
			return err
		}
	}
	if err := printPlans(w, mgr.History()); err != nil {
		return err
	}
	if err := printSummary(w, trace.Summarize(pt)); err != nil {
		return err
	}
	return printMetrics(w, s.registry)
}

// decode grows every live sequence, standing in for generated tokens.
func decode(s *stack, n int) {
	snap, err := s.sim.Telemetry(context.Background())
	if err != nil {
		return
	}
	for _, seq := range snap.Sequences() {
		if err := s.sim.Touch(seq.ID, n); err != nil {
			logrus.Debugf("decode %s: %v", seq.ID, err)
		}
	}
}

func init() {
	autopilotCmd.Flags().IntVar(&ticks, "ticks", 10, "Number of monitoring loop iterations (0 runs until interrupted)")
	autopilotCmd.Flags().DurationVar(&tickInterval, "interval", 0, "Override autopilot.tick_interval")
	autopilotCmd.Flags().StringVar(&traceLevel, "trace-level", string(trace.LevelDecisions), "Plan trace verbosity (none, plans, decisions)")
	autopilotCmd.Flags().IntVar(&decodeTokens, "decode-tokens", 0, "Tokens appended to every sequence after each tick")
}
