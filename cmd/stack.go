package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/adapter"
	"github.com/kvopt/kv-optkit/kvopt/metrics"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
	"github.com/kvopt/kv-optkit/kvopt/policy"
)

// stack is everything one command needs: started plugins, a seeded
// simulated engine and the policy engine over them.
type stack struct {
	cfg      *kvopt.Config
	rng      *kvopt.PartitionedRNG
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	plugins  *plugins.Registry
	engine   *policy.Engine
	sim      *adapter.Sim
}

// buildStack wires the components for cfg and seeds the workload. Call
// close when done.
func buildStack(ctx context.Context, cfg *kvopt.Config, w Workload, seed int64) (*stack, error) {
	s := &stack{cfg: cfg, rng: kvopt.NewPartitionedRNG(seed), registry: prometheus.NewRegistry()}
	var err error
	if s.metrics, err = metrics.New(s.registry); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if s.plugins, err = plugins.Build(cfg, s.metrics); err != nil {
		return nil, fmt.Errorf("building plugins: %w", err)
	}
	if err := s.plugins.Startup(ctx); err != nil {
		return nil, err
	}
	if s.engine, err = policy.NewEngine(cfg, s.plugins, s.rng); err != nil {
		_ = s.plugins.Shutdown(ctx)
		return nil, err
	}

	s.sim = adapter.NewSim(cfg, s.rng)
	if caches := s.plugins.ReuseCaches(); len(caches) > 0 {
		s.sim.SetReuseCache(caches[0])
	}
	specs := GenerateSequences(w, s.rng.ForSubsystem(kvopt.SubsystemWorkload))
	if err := SeedSim(ctx, s.sim, specs, time.Now()); err != nil {
		_ = s.plugins.Shutdown(ctx)
		return nil, fmt.Errorf("seeding workload: %w", err)
	}
	return s, nil
}

func (s *stack) close(ctx context.Context) error {
	return s.plugins.Shutdown(ctx)
}
