package autopilot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/adapter"
	"github.com/kvopt/kv-optkit/kvopt/metrics"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
	"github.com/kvopt/kv-optkit/kvopt/trace"
)

func TestCreatePlan_SecondCallConflicts(t *testing.T) {
	// GIVEN a created plan
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	first, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, first.Actions)

	// WHEN creating another before the first terminates
	_, err = h.mgr.CreatePlan(ctx, 0, 0)

	// THEN it fails with a ConflictError naming the active plan
	require.ErrorIs(t, err, kvopt.ErrConflict)
	var conflict *kvopt.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.ActivePlanID)
	assert.Equal(t, string(StatusCreated), conflict.Status)
	assert.Len(t, h.mgr.History(), 1)
}

func TestOperations_WithoutActivePlanConflict(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	for name, op := range map[string]func(context.Context) (Plan, error){
		"run_shadow":   h.mgr.RunShadow,
		"apply":        h.mgr.Apply,
		"monitor_tick": h.mgr.MonitorTick,
		"rollback":     h.mgr.Rollback,
	} {
		_, err := op(ctx)
		assert.ErrorIs(t, err, kvopt.ErrConflict, name)
	}
}

func TestPlan_Lifecycle_CommitsAfterStabilityWindow(t *testing.T) {
	// GIVEN 72 of 80 GB used against the default 85% target
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	before := h.hbmUsed(t)

	// WHEN a plan is created and applied
	plan, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	plan, err = h.mgr.Apply(ctx)
	require.NoError(t, err)

	// THEN the plan is monitoring and memory was freed
	assert.Equal(t, StatusMonitoring, plan.Status)
	assert.Equal(t, len(plan.Actions), plan.Count(ActionApplied))
	assert.False(t, plan.AppliedAt.IsZero())
	assert.Greater(t, plan.ObservedHBMSavedGB, 0.0)
	assert.InDelta(t, before-h.hbmUsed(t), plan.ObservedHBMSavedGB, 1e-9)
	assert.LessOrEqual(t, h.hbmUsed(t)/80, h.cfg.Budgets.HBMUtilTarget)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.mx.AutopilotApplies))
	assert.Greater(t, testutil.ToFloat64(h.mx.TokensEvicted), 0.0)

	// WHEN the stability window passes with healthy ticks
	for i := 0; i < h.cfg.Autopilot.StabilityTicks-1; i++ {
		plan, err = h.mgr.MonitorTick(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusMonitoring, plan.Status)
	}
	plan, err = h.mgr.MonitorTick(ctx)
	require.NoError(t, err)

	// THEN the plan commits and no plan is active
	assert.Equal(t, StatusCommitted, plan.Status)
	assert.False(t, plan.FinishedAt.IsZero())
	_, active := h.mgr.Active()
	assert.False(t, active)

	var path []string
	for _, tr := range h.pt.Transitions() {
		path = append(path, tr.To)
	}
	assert.Equal(t, []string{"created", "shadow", "applying", "applied", "monitoring", "committed"}, path)
}

func TestRollback_RestoresHBMUsage(t *testing.T) {
	// GIVEN evictions spilled to lmcache and quantization, both revertible
	h := newHarness(t, harnessOptions{yaml: spillYAML + `
  kivi:
    bitwidth: 4
policy:
  eviction: [age_decay, quantize]
`})
	ctx := context.Background()
	before := h.hbmUsed(t)

	plan, err := h.mgr.CreatePlan(ctx, 0.5, 0)
	require.NoError(t, err)
	kinds := map[kvopt.ActionKind]bool{}
	for _, a := range plan.Actions {
		kinds[a.Recommendation.Action] = true
	}
	require.True(t, kinds[kvopt.ActionEvict] && kinds[kvopt.ActionQuantize], "actions: %+v", plan.Actions)
	_, err = h.mgr.Apply(ctx)
	require.NoError(t, err)
	require.Less(t, h.hbmUsed(t), before)

	// WHEN rolled back
	plan, err = h.mgr.Rollback(ctx)

	// THEN every action is reverted and HBM usage is back where it started
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, plan.Status)
	assert.Equal(t, len(plan.Actions), plan.Count(ActionReverted))
	assert.InDelta(t, before, h.hbmUsed(t), 1e-6)
	assert.InDelta(t, 0.0, plan.ObservedHBMSavedGB, 1e-6)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.mx.AutopilotRollback))
	assert.Zero(t, h.mgr.AccuracyState().RollingDeltaPct)
}

func TestRollback_EvictionWithoutCopyIsUnrecoverable(t *testing.T) {
	// GIVEN plain eviction with no spill cache
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	applied, err := h.mgr.Apply(ctx)
	require.NoError(t, err)

	// WHEN rolled back
	plan, err := h.mgr.Rollback(ctx)

	// THEN the plan still terminates, listing the sequences that could not be restored
	require.ErrorIs(t, err, kvopt.ErrUnrecoverable)
	assert.ErrorIs(t, err, plugins.ErrNoInverse)
	var unrec *kvopt.UnrecoverableRollback
	require.True(t, errors.As(err, &unrec))
	assert.Equal(t, plan.ID, unrec.PlanID)
	assert.Equal(t, StatusRolledBack, plan.Status)
	seq := applied.Actions[0].Recommendation.SequenceID
	assert.Contains(t, unrec.Sequences, seq)
	assert.Equal(t, []string{seq}, plan.UnrecoverableSequences())
	assert.Contains(t, strings.Join(plan.Notes, "\n"), "unrecoverable: "+seq)
	_, active := h.mgr.Active()
	assert.False(t, active)
}

func TestMonitorTick_RegressionRollsBack(t *testing.T) {
	// GIVEN an applied plan
	h := newHarness(t, harnessOptions{yaml: spillYAML})
	ctx := context.Background()
	before := h.hbmUsed(t)
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	_, err = h.mgr.Apply(ctx)
	require.NoError(t, err)

	// WHEN serving accuracy regresses past the budget
	h.sim.InjectRegression(2)
	plan, err := h.mgr.MonitorTick(ctx)

	// THEN the tick reports a guardrail violation and the plan is rolled back
	require.ErrorIs(t, err, kvopt.ErrGuardrail)
	var violation *kvopt.GuardrailViolation
	require.True(t, errors.As(err, &violation))
	assert.Greater(t, violation.ObservedPct, violation.BudgetPct)
	assert.Equal(t, StatusRolledBack, plan.Status)
	assert.InDelta(t, before, h.hbmUsed(t), 1e-6)
}

func TestMonitorTick_RegressionWithoutAutoRollback(t *testing.T) {
	h := newHarness(t, harnessOptions{yaml: `
guardrails:
  rollback_on_acc_delta: false
`})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	_, err = h.mgr.Apply(ctx)
	require.NoError(t, err)
	h.sim.InjectRegression(2)

	plan, err := h.mgr.MonitorTick(ctx)

	require.NoError(t, err)
	assert.Equal(t, StatusMonitoring, plan.Status)
	assert.Zero(t, plan.HealthyTicks)
	assert.Contains(t, strings.Join(plan.Notes, "\n"), "rollback disabled")
}

func TestApply_ShadowRegressionIsGuardrailViolation(t *testing.T) {
	// GIVEN a plan whose actions are all shadowed
	h := newHarness(t, harnessOptions{yaml: spillYAML, shadow: 1})
	ctx := context.Background()
	before := h.hbmUsed(t)
	plan, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	for _, a := range plan.Actions {
		require.True(t, a.Shadow)
	}

	// WHEN accuracy regresses while the shadow actions run
	h.sim.InjectRegression(1)
	plan, err = h.mgr.Apply(ctx)

	// THEN apply refuses to go forward and the shadow actions are rolled back
	require.ErrorIs(t, err, kvopt.ErrGuardrail)
	assert.Equal(t, StatusRolledBack, plan.Status)
	assert.InDelta(t, before, h.hbmUsed(t), 1e-6)
	assert.Zero(t, testutil.ToFloat64(h.mx.AutopilotApplies))
}

func TestApply_HandlerFailureFallsBackToNextProvider(t *testing.T) {
	// GIVEN a broken eviction provider ranked above age_decay
	h := newHarness(t, harnessOptions{extra: []plugins.Plugin{&failingProvider{name: "broken", priority: 100}}})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)

	// WHEN applying
	plan, err := h.mgr.Apply(ctx)

	// THEN the next-priority provider performs the action
	require.NoError(t, err)
	require.NotEmpty(t, plan.Actions)
	for _, a := range plan.Actions {
		assert.Equal(t, ActionApplied, a.State)
		assert.Equal(t, kvopt.KindAgeDecay, a.Provider)
	}
}

func TestApply_AllHandlersFail_ActionSkipped(t *testing.T) {
	// GIVEN an adapter that refuses every eviction
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.sim.FailAction(kvopt.ActionEvict, errors.New("device busy"))
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)

	// WHEN applying
	plan, err := h.mgr.Apply(ctx)

	// THEN the plan carries on with the action marked failed
	require.NoError(t, err)
	assert.Equal(t, StatusMonitoring, plan.Status)
	assert.Equal(t, len(plan.Actions), plan.Count(ActionFailed))
	assert.Contains(t, plan.Actions[0].Error, "device busy")
	assert.Contains(t, strings.Join(plan.Notes, "\n"), "skipped")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.mx.Actions.WithLabelValues("evict", metrics.OutcomeFailed)))
}

func TestApply_CancelledBetweenActions(t *testing.T) {
	// GIVEN a plan of three evictions and an adapter that cancels after the first
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wrapped *cancellingAdapter
	h := newHarness(t, harnessOptions{yaml: spillYAML, wrap: func(s *adapter.Sim) Adapter {
		wrapped = &cancellingAdapter{Sim: s, after: 1, cancel: cancel}
		return wrapped
	}})
	before := h.hbmUsed(t)
	plan, err := h.mgr.CreatePlan(context.Background(), 0.35, 0)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 3)

	// WHEN applying
	plan, err = h.mgr.Apply(ctx)

	// THEN the plan stops in applying with only the first action done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusApplying, plan.Status)
	assert.Equal(t, 1, plan.Count(ActionApplied))
	assert.Equal(t, 2, plan.Count(ActionPending))
	assert.Contains(t, strings.Join(plan.Notes, "\n"), "apply cancelled after 1 of 3 actions")

	// WHEN rolled back afterwards
	plan, err = h.mgr.Rollback(context.Background())

	// THEN exactly the applied action is reverted
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, plan.Status)
	assert.Equal(t, 1, plan.Count(ActionReverted))
	assert.InDelta(t, before, h.hbmUsed(t), 1e-6)
}

func TestAbort_BeforeApply(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	require.Greater(t, h.mgr.AccuracyState().RollingDeltaPct, 0.0)

	plan, err := h.mgr.Abort(ctx, "operator request")

	require.NoError(t, err)
	assert.Equal(t, StatusAborted, plan.Status)
	assert.Zero(t, h.mgr.AccuracyState().RollingDeltaPct)
	_, active := h.mgr.Active()
	assert.False(t, active)

	// aborting twice has nothing to abort
	_, err = h.mgr.Abort(ctx, "again")
	assert.ErrorIs(t, err, kvopt.ErrConflict)
}

func TestCreatePlan_RecordsVerdicts(t *testing.T) {
	h := newHarness(t, harnessOptions{yaml: `
slo:
  max_accuracy_delta_pct: 0.01
`})
	plan, err := h.mgr.CreatePlan(context.Background(), 0, 0)
	require.NoError(t, err)

	// the 0.01% budget is smaller than any eviction's impact
	assert.Empty(t, plan.Actions)
	assert.NotEmpty(t, plan.Rejected)
	verdicts := h.pt.Verdicts()
	require.Len(t, verdicts, len(plan.Rejected))
	assert.Equal(t, trace.VerdictRejected, verdicts[0].Verdict)
	assert.Equal(t, plan.ID, verdicts[0].PlanID)
}

func TestApply_ResumesCancelledShadowPhase(t *testing.T) {
	// GIVEN three shadowed evictions and an adapter that cancels after the first
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, harnessOptions{yaml: spillYAML, shadow: 1, wrap: func(s *adapter.Sim) Adapter {
		return &cancellingAdapter{Sim: s, after: 1, cancel: cancel}
	}})
	plan, err := h.mgr.CreatePlan(context.Background(), 0.35, 0)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 3)
	for _, a := range plan.Actions {
		require.True(t, a.Shadow)
	}

	// WHEN the shadow phase is cancelled part-way
	plan, err = h.mgr.Apply(ctx)

	// THEN the plan rests in shadow with two shadow actions unmeasured
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusShadow, plan.Status)
	assert.Equal(t, 1, plan.Count(ActionApplied))
	assert.Equal(t, 2, plan.Count(ActionPending))

	// WHEN apply is retried
	plan, err = h.mgr.Apply(context.Background())

	// THEN the remaining shadow actions run and are measured before going forward
	require.NoError(t, err)
	assert.Equal(t, StatusMonitoring, plan.Status)
	assert.Zero(t, plan.Count(ActionPending))
	assert.Equal(t, 3, plan.Count(ActionApplied))
	assert.Greater(t, plan.ObservedAccuracyDeltaPct, 0.0)
}

func TestRunShadow_NothingPendingConflicts(t *testing.T) {
	h := newHarness(t, harnessOptions{shadow: 1})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	_, err = h.mgr.RunShadow(ctx)
	require.NoError(t, err)

	_, err = h.mgr.RunShadow(ctx)

	assert.ErrorIs(t, err, kvopt.ErrConflict)
}

func TestApply_LateHandlerResultIsReverted(t *testing.T) {
	// GIVEN a top-ranked provider that finishes well after the call timeout
	late := &lateProvider{delay: 80 * time.Millisecond}
	h := newHarness(t, harnessOptions{
		yaml:  spillYAML + "autopilot:\n  call_timeout: 20ms\n",
		extra: []plugins.Plugin{late},
	})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)

	// WHEN applying
	plan, err := h.mgr.Apply(ctx)

	// THEN the fallback provider owns every action
	require.NoError(t, err)
	require.NotEmpty(t, plan.Actions)
	for _, a := range plan.Actions {
		assert.Equal(t, ActionApplied, a.State)
		assert.Equal(t, kvopt.KindAgeDecay, a.Provider)
	}
	// AND every move the late provider finished is undone once it lands
	require.Eventually(t, func() bool {
		return late.reverted.Load() == late.started.Load()
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, len(plan.Actions), late.started.Load())
	assert.Zero(t, orphanCount(h.mgr, plan.ID))
}

func TestRollback_IrreversibleLateResultIsUnrecoverable(t *testing.T) {
	// GIVEN a late provider whose moves cannot be reverted
	late := &lateProvider{delay: 80 * time.Millisecond, failRevert: true}
	h := newHarness(t, harnessOptions{
		yaml:  spillYAML + "autopilot:\n  call_timeout: 20ms\n",
		extra: []plugins.Plugin{late},
	})
	ctx := context.Background()
	_, err := h.mgr.CreatePlan(ctx, 0, 0)
	require.NoError(t, err)
	applied, err := h.mgr.Apply(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return orphanCount(h.mgr, applied.ID) == len(applied.Actions)
	}, 2*time.Second, 5*time.Millisecond)

	// WHEN the plan is rolled back
	plan, err := h.mgr.Rollback(ctx)

	// THEN the fallback moves are reverted but the late moves are reported
	require.ErrorIs(t, err, kvopt.ErrUnrecoverable)
	var unrec *kvopt.UnrecoverableRollback
	require.True(t, errors.As(err, &unrec))
	assert.Contains(t, unrec.Sequences, applied.Actions[0].Recommendation.SequenceID)
	assert.Equal(t, StatusRolledBack, plan.Status)
	assert.Equal(t, len(plan.Actions), plan.Count(ActionReverted))
	assert.Zero(t, orphanCount(h.mgr, plan.ID))
}
