package autopilot

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/adapter"
	"github.com/kvopt/kv-optkit/kvopt/metrics"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
	"github.com/kvopt/kv-optkit/kvopt/policy"
	"github.com/kvopt/kv-optkit/kvopt/trace"
)

// tokensPerGB is how many default-sized tokens fill one GB.
const tokensPerGB = 2048

// spillYAML makes evictions revertible through an in-memory lmcache.
const spillYAML = `
plugins:
  lmcache:
    backend: "memory://"
  age_decay:
    spill_to: lmcache
`

type harness struct {
	cfg *kvopt.Config
	sim *adapter.Sim
	reg *plugins.Registry
	mx  *metrics.Metrics
	pt  *trace.PlanTrace
	mgr *Manager
}

type harnessOptions struct {
	yaml   string
	shadow float64
	extra  []plugins.Plugin
	wrap   func(*adapter.Sim) Adapter
	seqsGB []float64
}

// newHarness builds a sim holding four 18 GB sequences (90% of 80 GB)
// unless opts.seqsGB says otherwise.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	cfg, err := kvopt.ParseConfig([]byte(opts.yaml))
	require.NoError(t, err)
	// fast transfers and fixed shadowing keep runs deterministic
	cfg.Budgets.OffloadBWGbps = 1e6
	cfg.Guardrails.ABShadowFraction = opts.shadow
	cfg.Autopilot.TickInterval = time.Millisecond

	mx, err := metrics.New(nil)
	require.NoError(t, err)
	reg, err := plugins.Build(cfg, mx)
	require.NoError(t, err)
	for _, p := range opts.extra {
		require.NoError(t, reg.Register(p))
	}
	ctx := context.Background()
	require.NoError(t, reg.Startup(ctx))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	rng := kvopt.NewPartitionedRNG(7)
	engine, err := policy.NewEngine(cfg, reg, rng)
	require.NoError(t, err)

	sim := adapter.NewSim(cfg, rng)
	sizes := opts.seqsGB
	if sizes == nil {
		sizes = []float64{18, 18, 18, 18}
	}
	for i, gb := range sizes {
		require.NoError(t, sim.Submit(ctx, fmt.Sprintf("seq-%02d", i), int(gb*tokensPerGB)))
	}

	var ad Adapter = sim
	if opts.wrap != nil {
		ad = opts.wrap(sim)
	}
	pt := trace.NewPlanTrace(trace.LevelDecisions)
	mgr := NewManager(cfg, engine, reg, ad, sim)
	mgr.SetMetrics(mx)
	mgr.SetTrace(pt)
	return &harness{cfg: cfg, sim: sim, reg: reg, mx: mx, pt: pt, mgr: mgr}
}

func (h *harness) hbmUsed(t *testing.T) float64 {
	t.Helper()
	snap, err := h.sim.Telemetry(context.Background())
	require.NoError(t, err)
	return snap.HBMUsedGB
}

// failingProvider is an eviction provider whose every call fails.
type failingProvider struct {
	name     string
	priority int
}

func (f *failingProvider) Descriptor() kvopt.PluginDescriptor {
	return kvopt.PluginDescriptor{Name: f.name, Type: kvopt.PluginEviction, Enabled: true, Priority: f.priority}
}
func (f *failingProvider) OnStartup(context.Context) error  { return nil }
func (f *failingProvider) OnShutdown(context.Context) error { return nil }
func (f *failingProvider) Profile() plugins.ActionProfile {
	return plugins.ActionProfile{BytesPerToken: 512 * 1024, SavingsFraction: 1, Confidence: 0.9, AccuracyImpactPct: 0.1}
}
func (f *failingProvider) Accepts(kvopt.SequenceInfo, int) bool { return true }
func (f *failingProvider) Perform(context.Context, plugins.Executor, kvopt.Recommendation) (plugins.Outcome, error) {
	return plugins.Outcome{}, fmt.Errorf("%s is broken", f.name)
}
func (f *failingProvider) Revert(context.Context, plugins.Executor, kvopt.Recommendation) (plugins.Outcome, error) {
	return plugins.Outcome{}, fmt.Errorf("%s is broken", f.name)
}

// cancellingAdapter cancels a context after a number of executed moves.
type cancellingAdapter struct {
	*adapter.Sim
	after  int
	n      int
	cancel context.CancelFunc
}

func (c *cancellingAdapter) Execute(ctx context.Context, a kvopt.Action) (kvopt.ExecutionResult, error) {
	res, err := c.Sim.Execute(ctx, a)
	c.n++
	if c.n == c.after && c.cancel != nil {
		c.cancel()
	}
	return res, err
}

// slowAdapter delays every executed move.
type slowAdapter struct {
	*adapter.Sim
	delay time.Duration
}

func (s *slowAdapter) Execute(ctx context.Context, a kvopt.Action) (kvopt.ExecutionResult, error) {
	time.Sleep(s.delay)
	return s.Sim.Execute(ctx, a)
}

// lateProvider is an eviction provider that ignores its context and reports
// a move only after delay. It never touches the sim, so its moves are
// visible through the counters alone.
type lateProvider struct {
	delay      time.Duration
	failRevert bool

	started  atomic.Int32
	reverted atomic.Int32
	failed   atomic.Int32
}

func (l *lateProvider) Descriptor() kvopt.PluginDescriptor {
	return kvopt.PluginDescriptor{Name: "late", Type: kvopt.PluginEviction, Enabled: true, Priority: 100}
}
func (l *lateProvider) OnStartup(context.Context) error  { return nil }
func (l *lateProvider) OnShutdown(context.Context) error { return nil }
func (l *lateProvider) Profile() plugins.ActionProfile {
	return plugins.ActionProfile{BytesPerToken: 512 * 1024, SavingsFraction: 1, Confidence: 0.9, AccuracyImpactPct: 0.1}
}
func (l *lateProvider) Accepts(kvopt.SequenceInfo, int) bool { return true }
func (l *lateProvider) Perform(_ context.Context, _ plugins.Executor, rec kvopt.Recommendation) (plugins.Outcome, error) {
	l.started.Add(1)
	time.Sleep(l.delay)
	return plugins.Outcome{Result: kvopt.ExecutionResult{Action: rec.Action, SequenceID: rec.SequenceID, TokensMoved: rec.Tokens}}, nil
}
func (l *lateProvider) Revert(context.Context, plugins.Executor, kvopt.Recommendation) (plugins.Outcome, error) {
	if l.failRevert {
		l.failed.Add(1)
		return plugins.Outcome{}, fmt.Errorf("late cannot revert")
	}
	l.reverted.Add(1)
	return plugins.Outcome{}, nil
}

// orphanCount reports how many late moves of a plan could not be undone.
func orphanCount(m *Manager, planID string) int {
	m.orphanMu.Lock()
	defer m.orphanMu.Unlock()
	return len(m.orphans[planID])
}
