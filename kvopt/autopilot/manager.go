package autopilot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/metrics"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
	"github.com/kvopt/kv-optkit/kvopt/policy"
	"github.com/kvopt/kv-optkit/kvopt/trace"
)

// Adapter is the inference-engine boundary the manager drives.
type Adapter interface {
	plugins.Executor
	Telemetry(ctx context.Context) (*kvopt.TelemetrySnapshot, error)
}

// AccuracyProbe reports the current serving accuracy regression in percent.
type AccuracyProbe interface {
	AccuracyDelta(ctx context.Context) (float64, error)
}

// Manager is the Plan Manager. All transitions are serialized by one mutex,
// so only one is ever in flight.
type Manager struct {
	mu       sync.Mutex
	cfg      *kvopt.Config
	engine   *policy.Engine
	registry *plugins.Registry
	adapter  Adapter
	probe    AccuracyProbe
	metrics  *metrics.Metrics
	trace    *trace.PlanTrace
	arena    *Arena
	state    policy.AccuracyState
	clock    func() time.Time
	newID    func() string

	// late moves whose compensating revert failed, by plan id
	orphanMu sync.Mutex
	orphans  map[string][]orphan
}

// orphan is a move that finished after its handler's deadline and could not
// be undone.
type orphan struct {
	action kvopt.ActionKind
	seqID  string
	err    error
}

// NewManager wires a manager. probe may be nil, in which case only shadow
// measurements feed the guardrail.
func NewManager(cfg *kvopt.Config, engine *policy.Engine, registry *plugins.Registry, adapter Adapter, probe AccuracyProbe) *Manager {
	return &Manager{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		adapter:  adapter,
		probe:    probe,
		arena:    NewArena(),
		clock:    time.Now,
		newID:    uuid.NewString,
		orphans:  make(map[string][]orphan),
	}
}

// SetMetrics attaches Prometheus collectors.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// SetTrace attaches a decision trace.
func (m *Manager) SetTrace(pt *trace.PlanTrace) { m.trace = pt }

// SetClock replaces the wall clock.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// Engine returns the policy engine the manager plans with.
func (m *Manager) Engine() *policy.Engine { return m.engine }

// Arena returns the plan store.
func (m *Manager) Arena() *Arena { return m.arena }

// Active returns the non-terminal plan, if any.
func (m *Manager) Active() (Plan, bool) { return m.arena.Active() }

// Get returns the latest version of a plan.
func (m *Manager) Get(id string) (Plan, bool) { return m.arena.Get(id) }

// History returns every plan in creation order.
func (m *Manager) History() []Plan { return m.arena.History() }

// AccuracyState returns the accumulated accuracy budget consumption.
func (m *Manager) AccuracyState() policy.AccuracyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CreatePlan asks the Policy Engine for up to maxActions actions against
// targetUtil (0 uses the configured target) and stores them as a new plan.
// It fails with *kvopt.ConflictError while another plan is active.
func (m *Manager) CreatePlan(ctx context.Context, targetUtil float64, maxActions int) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPlanLocked(ctx, targetUtil, maxActions)
}

func (m *Manager) createPlanLocked(ctx context.Context, targetUtil float64, maxActions int) (Plan, error) {
	if active, ok := m.arena.Active(); ok {
		return Plan{}, &kvopt.ConflictError{ActivePlanID: active.ID, Status: string(active.Status), Op: "create_plan"}
	}

	snap, err := m.telemetry(ctx)
	if err != nil {
		return Plan{}, err
	}
	baseline, err := m.accuracy(ctx)
	if err != nil {
		return Plan{}, err
	}
	if maxActions <= 0 {
		maxActions = m.cfg.Autopilot.MaxActions
	}

	decision, next := m.engine.Propose(snap, targetUtil, maxActions, m.state)
	plan := Plan{
		ID:                  m.newID(),
		Status:              StatusCreated,
		TargetUtil:          targetUtil,
		Rejected:            decision.Rejected,
		Notes:               decision.Notes,
		CreatedAt:           m.clock(),
		BaselineHBMGB:       snap.HBMUsedGB,
		BaselineAccuracyPct: baseline,
		TotalTokens:         snap.TotalTokens(),
		stateBefore:         m.state,
	}
	for _, r := range decision.Shadowed {
		plan.Actions = append(plan.Actions, PlannedAction{Recommendation: r, Shadow: true, State: ActionPending})
	}
	for _, r := range decision.Approved {
		plan.Actions = append(plan.Actions, PlannedAction{Recommendation: r, State: ActionPending})
	}
	m.state = next

	stored := m.arena.put(plan)
	m.recordVerdicts(stored, decision)
	m.trace.RecordTransition(trace.TransitionRecord{PlanID: stored.ID, To: string(StatusCreated), At: stored.CreatedAt})
	logrus.Infof("autopilot: plan %s created with %d actions (%d shadowed, %d rejected)",
		stored.ID, len(stored.Actions), len(decision.Shadowed), len(decision.Rejected))
	return stored, nil
}

// RunShadow applies only the shadow-marked actions, measures their accuracy
// proxy and moves the plan to shadow. Action classes whose deviation exceeds
// the budget are disabled in the guardrail.
func (m *Manager) RunShadow(ctx context.Context) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, err := m.activeIn("run_shadow", StatusCreated, StatusShadow)
	if err != nil {
		return Plan{}, err
	}
	if plan.Status == StatusShadow && !plan.shadowPending() {
		return Plan{}, &kvopt.ConflictError{ActivePlanID: plan.ID, Status: string(plan.Status), Op: "run_shadow"}
	}
	return m.runShadowLocked(ctx, plan)
}

func (m *Manager) runShadowLocked(ctx context.Context, plan Plan) (Plan, error) {
	plan = plan.clone()
	var results []policy.ShadowResult
	for i := range plan.Actions {
		if !plan.Actions[i].Shadow {
			continue
		}
		if a := plan.Actions[i]; a.State == ActionApplied {
			// run before a cancelled shadow phase
			results = append(results, policy.ShadowResult{Recommendation: a.Recommendation, DeviationPct: a.DeviationPct})
			continue
		}
		if plan.Actions[i].State != ActionPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			// Nothing is left half-applied: record what ran so Rollback can undo it.
			plan.Notes = append(plan.Notes, fmt.Sprintf("shadow cancelled: %v", err))
			return m.transition(plan, StatusShadow, "shadow cancelled"), err
		}
		if err := m.execute(ctx, &plan, i); err != nil {
			if ctx.Err() != nil {
				plan.Notes = append(plan.Notes, fmt.Sprintf("shadow cancelled: %v", err))
				return m.transition(plan, StatusShadow, "shadow cancelled"), err
			}
			continue
		}
		a := plan.Actions[i]
		results = append(results, policy.ShadowResult{Recommendation: a.Recommendation, DeviationPct: a.DeviationPct})
	}

	proxy := policy.ShadowDeviation(results, plan.TotalTokens)
	observed, err := m.accuracy(ctx)
	if err != nil {
		return m.transition(plan, StatusShadow, "accuracy probe failed"), err
	}
	plan.ObservedAccuracyDeltaPct = max(proxy, observed-plan.BaselineAccuracyPct)
	for _, kind := range m.engine.Evaluator().ObserveShadow(results, plan.TotalTokens) {
		plan.Notes = append(plan.Notes, fmt.Sprintf("%s disabled after shadow deviation above budget", kind))
	}
	note := fmt.Sprintf("%d shadow actions, deviation %.3f%%", len(results), plan.ObservedAccuracyDeltaPct)
	return m.transition(plan, StatusShadow, note), nil
}

// Apply executes the approved actions. Called on a created plan, or on one
// whose shadow phase was cancelled, it runs the pending shadow actions first. When the shadow deviation exceeds the budget the plan
// is rolled back and a *kvopt.GuardrailViolation is returned.
//
// Cancellation is honoured between actions: the plan is left in applying
// with a note, and a later Rollback reverts exactly what was applied.
// Actions whose handlers all fail are marked failed and skipped.
func (m *Manager) Apply(ctx context.Context) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ctx)
}

// applyLocked finishes an interrupted shadow phase before the budget check,
// so every shadow action is measured before anything else is applied.
func (m *Manager) applyLocked(ctx context.Context) (Plan, error) {
	plan, err := m.activeIn("apply", StatusCreated, StatusShadow)
	if err != nil {
		return Plan{}, err
	}
	if plan.Status == StatusCreated || plan.shadowPending() {
		if plan, err = m.runShadowLocked(ctx, plan); err != nil {
			return plan, err
		}
	}

	budget := m.cfg.SLO.MaxAccuracyDeltaPct
	if plan.ObservedAccuracyDeltaPct > budget {
		violation := &kvopt.GuardrailViolation{
			ObservedPct: plan.ObservedAccuracyDeltaPct,
			BudgetPct:   budget,
			Reason:      "shadow deviation",
		}
		plan, rbErr := m.rollbackLocked(ctx, plan, violation.Error())
		return plan, withRollback(violation, rbErr)
	}

	plan = m.transition(plan.clone(), StatusApplying, "")
	pending := 0
	for _, a := range plan.Actions {
		if !a.Shadow && a.State == ActionPending {
			pending++
		}
	}
	done := 0
	for i := range plan.Actions {
		a := plan.Actions[i]
		if a.Shadow || a.State != ActionPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return m.partial(plan, done, pending, err)
		}
		if err := m.execute(ctx, &plan, i); err != nil && ctx.Err() != nil {
			return m.partial(plan, done, pending, err)
		}
		done++
	}

	snap, err := m.telemetry(ctx)
	if err == nil {
		plan.ObservedHBMSavedGB = plan.BaselineHBMGB - snap.HBMUsedGB
	}
	plan.AppliedAt = m.clock()
	m.noteOrphans(&plan)
	if n := plan.Count(ActionFailed); n > 0 {
		plan.Notes = append(plan.Notes, fmt.Sprintf("%d actions failed and were skipped", n))
	}
	plan = m.transition(plan, StatusApplied, fmt.Sprintf("%d actions applied", plan.Count(ActionApplied)))
	if m.metrics != nil {
		m.metrics.AutopilotApplies.Inc()
	}
	return m.transition(plan.clone(), StatusMonitoring, ""), nil
}

// partial stores a cancelled apply. The plan stays in applying.
func (m *Manager) partial(plan Plan, done, pending int, cause error) (Plan, error) {
	plan = plan.clone()
	plan.Notes = append(plan.Notes, fmt.Sprintf("apply cancelled after %d of %d actions: %v", done, pending, cause))
	stored := m.arena.put(plan)
	logrus.Warnf("autopilot: plan %s apply cancelled after %d of %d actions", plan.ID, done, pending)
	return stored, cause
}

// MonitorTick re-samples telemetry and accuracy. A regression above budget
// rolls the plan back (when rollback_on_acc_delta is set) and returns a
// *kvopt.GuardrailViolation; otherwise the plan commits after
// autopilot.stability_ticks healthy ticks.
func (m *Manager) MonitorTick(ctx context.Context) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitorTickLocked(ctx)
}

func (m *Manager) monitorTickLocked(ctx context.Context) (Plan, error) {
	plan, err := m.activeIn("monitor_tick", StatusMonitoring)
	if err != nil {
		return Plan{}, err
	}
	plan = plan.clone()

	snap, err := m.telemetry(ctx)
	if err != nil {
		return plan, err
	}
	acc, err := m.accuracy(ctx)
	if err != nil {
		return plan, err
	}
	plan.ObservedHBMSavedGB = plan.BaselineHBMGB - snap.HBMUsedGB
	delta := acc - plan.BaselineAccuracyPct
	plan.ObservedAccuracyDeltaPct = delta

	budget := m.cfg.SLO.MaxAccuracyDeltaPct
	if delta > budget {
		if m.cfg.Guardrails.RollbackOnAccDelta {
			violation := &kvopt.GuardrailViolation{ObservedPct: delta, BudgetPct: budget, Reason: "serving accuracy regression"}
			plan, rbErr := m.rollbackLocked(ctx, plan, violation.Error())
			return plan, withRollback(violation, rbErr)
		}
		plan.HealthyTicks = 0
		plan.Notes = append(plan.Notes, fmt.Sprintf("accuracy delta %.3f%% above budget; rollback disabled", delta))
		return m.transition(plan, StatusMonitoring, "unhealthy tick"), nil
	}

	plan.HealthyTicks++
	if plan.HealthyTicks >= m.cfg.Autopilot.StabilityTicks {
		plan.FinishedAt = m.clock()
		m.noteOrphans(&plan)
		if m.probe != nil {
			m.state.RollingDeltaPct = max(acc, 0)
		}
		return m.transition(plan, StatusCommitted, fmt.Sprintf("stable for %d ticks", plan.HealthyTicks)), nil
	}
	return m.transition(plan, StatusMonitoring, ""), nil
}

// Rollback reverts every applied action in reverse order. Inverses that are
// impossible are reported in a *kvopt.UnrecoverableRollback, but the plan is
// marked rolled_back regardless.
func (m *Manager) Rollback(ctx context.Context) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, err := m.activeIn("rollback", StatusCreated, StatusShadow, StatusApplying, StatusApplied, StatusMonitoring)
	if err != nil {
		return Plan{}, err
	}
	return m.rollbackLocked(ctx, plan, "rollback requested")
}

// Abort cancels a plan before apply. Shadow actions already run are reverted.
func (m *Manager) Abort(ctx context.Context, reason string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortLocked(ctx, reason)
}

func (m *Manager) abortLocked(ctx context.Context, reason string) (Plan, error) {
	plan, err := m.activeIn("abort", StatusCreated, StatusShadow)
	if err != nil {
		return Plan{}, err
	}
	plan = plan.clone()
	revertErr := m.revertAll(ctx, &plan)
	plan.FinishedAt = m.clock()
	m.state = plan.stateBefore
	plan.Notes = append(plan.Notes, "aborted: "+reason)
	plan = m.transition(plan, StatusAborted, reason)
	return plan, revertErr
}

// Advance moves the lifecycle one step: with no active plan it creates one
// (when report has recommendations) and applies it; otherwise it applies a
// created or shadowed plan, rolls back an apply that was cancelled part-way,
// or runs a monitor tick. The step is chosen and taken under one lock, so an
// external call in flight is never mistaken for a stuck one. It returns
// false when there was nothing to do.
func (m *Manager) Advance(ctx context.Context, report kvopt.AdvisorReport) (Plan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.arena.Active()
	if !ok {
		if len(report.Recommendations) == 0 {
			return Plan{}, false, nil
		}
		plan, err := m.createPlanLocked(ctx, 0, 0)
		if err != nil {
			return plan, true, err
		}
		if len(plan.Actions) == 0 {
			plan, err = m.abortLocked(ctx, "guardrail left nothing to apply")
			return plan, true, err
		}
		plan, err = m.applyLocked(ctx)
		return plan, true, err
	}

	var err error
	switch plan.Status {
	case StatusCreated, StatusShadow:
		plan, err = m.applyLocked(ctx)
	case StatusApplying:
		plan, err = m.rollbackLocked(ctx, plan, "apply was cancelled part-way")
	case StatusMonitoring:
		plan, err = m.monitorTickLocked(ctx)
	default:
		err = fmt.Errorf("plan %s stuck in %s", plan.ID, plan.Status)
	}
	return plan, true, err
}

func (m *Manager) rollbackLocked(ctx context.Context, plan Plan, reason string) (Plan, error) {
	plan = plan.clone()
	err := m.revertAll(ctx, &plan)
	if snap, terr := m.telemetry(context.WithoutCancel(ctx)); terr == nil {
		plan.ObservedHBMSavedGB = plan.BaselineHBMGB - snap.HBMUsedGB
	}
	plan.FinishedAt = m.clock()
	m.state = plan.stateBefore
	plan.Notes = append(plan.Notes, "rolled back: "+reason)
	if m.metrics != nil {
		m.metrics.AutopilotRollback.Inc()
	}
	return m.transition(plan, StatusRolledBack, reason), err
}

// revertAll undoes applied actions last-first. It runs detached from ctx
// cancellation so cleanup always completes; each call is still bounded by
// the registry timeout.
func (m *Manager) revertAll(ctx context.Context, plan *Plan) error {
	ctx = context.WithoutCancel(ctx)
	var errs *multierror.Error
	for i := len(plan.Actions) - 1; i >= 0; i-- {
		a := &plan.Actions[i]
		if a.State != ActionApplied {
			continue
		}
		if err := m.revert(ctx, plan.ID, a); err != nil {
			a.State = ActionUnrecoverable
			a.Error = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", a.Recommendation.Action, a.Recommendation.SequenceID, err))
			logrus.Warnf("autopilot: plan %s cannot revert %s of %s: %v", plan.ID, a.Recommendation.Action, a.Recommendation.SequenceID, err)
			continue
		}
		a.State = ActionReverted
	}
	seqs := plan.UnrecoverableSequences()
	for _, o := range m.takeOrphans(plan.ID) {
		seqs = append(seqs, o.seqID)
		errs = multierror.Append(errs, fmt.Errorf("%s %s finished after its deadline: %w", o.action, o.seqID, o.err))
	}
	if errs.ErrorOrNil() == nil {
		return nil
	}
	plan.Notes = append(plan.Notes, "unrecoverable: "+strings.Join(seqs, ", "))
	return &kvopt.UnrecoverableRollback{PlanID: plan.ID, Sequences: seqs, Err: errs.ErrorOrNil()}
}

func (m *Manager) revert(ctx context.Context, planID string, a *PlannedAction) error {
	if a.TokensMoved == 0 {
		return nil
	}
	p, ok := m.registry.Get(a.Provider)
	if !ok {
		return fmt.Errorf("provider %s is no longer registered", a.Provider)
	}
	provider, ok := p.(plugins.ActionProvider)
	if !ok {
		return fmt.Errorf("plugin %s cannot revert actions", a.Provider)
	}
	rec := a.Recommendation
	rec.Tokens = a.TokensMoved
	var out plugins.Outcome
	err := m.registry.Call(ctx, func(c context.Context) error {
		var err error
		out, err = provider.Revert(c, m.adapter, rec)
		return err
	})
	if err != nil {
		return err
	}
	m.observe(planID, a, out.Result, metrics.OutcomeReverted, 0)
	return nil
}

// Attempt states for one provider call inside execute.
const (
	attemptRunning int32 = iota
	attemptDone
	attemptFailed
	attemptAbandoned
)

type attempt struct {
	provider plugins.ActionProvider
	state    atomic.Int32
	out      plugins.Outcome
}

// execute performs plan.Actions[i] through the registry and records the
// outcome on it. Handler failures mark the action failed. A provider call
// the registry gave up on may still finish its move later; that move is
// reverted when it lands, and recorded as an orphan if it cannot be.
func (m *Manager) execute(ctx context.Context, plan *Plan, i int) error {
	a := &plan.Actions[i]
	rec := a.Recommendation
	var (
		mu       sync.Mutex
		closed   bool
		attempts = make(map[string]*attempt)
	)
	provider, err := m.registry.Dispatch(ctx, rec.Action, func(c context.Context, p plugins.ActionProvider) error {
		name := p.Descriptor().Name
		at := &attempt{provider: p}
		mu.Lock()
		if closed {
			mu.Unlock()
			return context.DeadlineExceeded
		}
		attempts[name] = at
		mu.Unlock()

		o, err := p.Perform(c, m.adapter, rec)
		if err != nil {
			at.state.CompareAndSwap(attemptRunning, attemptFailed)
			return err
		}
		at.out = o
		if !at.state.CompareAndSwap(attemptRunning, attemptDone) {
			m.compensate(plan.ID, name, p, rec, o)
			return context.DeadlineExceeded
		}
		return nil
	})

	mu.Lock()
	closed = true
	var win *attempt
	late := make(map[string]*attempt)
	for name, at := range attempts {
		if err == nil && name == provider {
			win = at
			continue
		}
		if !at.state.CompareAndSwap(attemptRunning, attemptAbandoned) && at.state.Load() == attemptDone {
			late[name] = at
		}
	}
	mu.Unlock()
	for name, at := range late {
		m.compensate(plan.ID, name, at.provider, rec, at.out)
	}

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		a.State = ActionFailed
		a.Error = err.Error()
		plan.Notes = append(plan.Notes, fmt.Sprintf("%s %s skipped: %v", rec.Action, rec.SequenceID, err))
		m.observe(plan.ID, a, kvopt.ExecutionResult{Action: rec.Action, SequenceID: rec.SequenceID}, metrics.OutcomeFailed, 0)
		return err
	}

	out := win.out
	a.State = ActionApplied
	a.Provider = provider
	a.TokensMoved = out.Result.TokensMoved
	a.FreedGB = out.Result.FreedGB
	a.DeviationPct = out.DeviationPct
	if out.Result.Note != "" {
		plan.Notes = append(plan.Notes, fmt.Sprintf("%s %s: %s", rec.Action, rec.SequenceID, out.Result.Note))
	}
	m.observe(plan.ID, a, out.Result, metrics.OutcomeApplied, out.DeviationPct)
	return nil
}

// compensate reverts a move whose result arrived after the registry stopped
// waiting for it.
func (m *Manager) compensate(planID, provider string, p plugins.ActionProvider, rec kvopt.Recommendation, out plugins.Outcome) {
	if out.Result.TokensMoved == 0 {
		return
	}
	rec.Tokens = out.Result.TokensMoved
	err := m.registry.Call(context.Background(), func(c context.Context) error {
		_, err := p.Revert(c, m.adapter, rec)
		return err
	})
	if err == nil {
		logrus.Warnf("autopilot: plan %s reverted late %s of %s by %s", planID, rec.Action, rec.SequenceID, provider)
		return
	}
	logrus.Warnf("autopilot: plan %s cannot revert late %s of %s by %s: %v", planID, rec.Action, rec.SequenceID, provider, err)
	m.orphanMu.Lock()
	m.orphans[planID] = append(m.orphans[planID], orphan{action: rec.Action, seqID: rec.SequenceID, err: err})
	m.orphanMu.Unlock()
}

func (m *Manager) takeOrphans(planID string) []orphan {
	m.orphanMu.Lock()
	defer m.orphanMu.Unlock()
	out := m.orphans[planID]
	delete(m.orphans, planID)
	return out
}

// noteOrphans records late moves on a plan that is not being rolled back.
func (m *Manager) noteOrphans(plan *Plan) {
	for _, o := range m.takeOrphans(plan.ID) {
		plan.Notes = append(plan.Notes, fmt.Sprintf("unrecoverable: late %s of %s: %v", o.action, o.seqID, o.err))
	}
}

func (m *Manager) observe(planID string, a *PlannedAction, res kvopt.ExecutionResult, outcome string, dev float64) {
	if m.metrics != nil {
		m.metrics.ObserveAction(res, outcome)
	}
	m.trace.RecordAction(trace.ActionRecord{
		PlanID:       planID,
		SequenceID:   a.Recommendation.SequenceID,
		Action:       res.Action,
		Provider:     a.Provider,
		Outcome:      outcome,
		TokensMoved:  res.TokensMoved,
		FreedGB:      res.FreedGB,
		DeviationPct: dev,
		At:           m.clock(),
	})
	logrus.Debugf("autopilot: plan %s %s %s %s (%d tokens)", planID, outcome, res.Action, a.Recommendation.SequenceID, res.TokensMoved)
}

// transition stores plan in status to and records it.
func (m *Manager) transition(plan Plan, to Status, note string) Plan {
	from := plan.Status
	if from != to && !canTransition(from, to) {
		panic(fmt.Sprintf("autopilot: illegal transition %s -> %s", from, to))
	}
	plan.Status = to
	stored := m.arena.put(plan)
	if from != to {
		m.trace.RecordTransition(trace.TransitionRecord{PlanID: plan.ID, From: string(from), To: string(to), Note: note, At: m.clock()})
		logrus.Infof("autopilot: plan %s %s -> %s %s", plan.ID, from, to, note)
	}
	return stored
}

// activeIn returns the active plan if it is in one of the given statuses.
func (m *Manager) activeIn(op string, allowed ...Status) (Plan, error) {
	plan, ok := m.arena.Active()
	if !ok {
		return Plan{}, &kvopt.ConflictError{Status: "idle", Op: op}
	}
	for _, s := range allowed {
		if plan.Status == s {
			return plan, nil
		}
	}
	return Plan{}, &kvopt.ConflictError{ActivePlanID: plan.ID, Status: string(plan.Status), Op: op}
}

func (m *Manager) telemetry(ctx context.Context) (*kvopt.TelemetrySnapshot, error) {
	snap, err := m.adapter.Telemetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading telemetry: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ObserveSnapshot(snap)
	}
	return snap, nil
}

func (m *Manager) accuracy(ctx context.Context) (float64, error) {
	if m.probe == nil {
		return 0, nil
	}
	v, err := m.probe.AccuracyDelta(ctx)
	if err != nil {
		return 0, fmt.Errorf("probing accuracy: %w", err)
	}
	return v, nil
}

func (m *Manager) recordVerdicts(plan Plan, d policy.Decision) {
	at := plan.CreatedAt
	add := func(recs []kvopt.Recommendation, v trace.Verdict) {
		for _, r := range recs {
			m.trace.RecordVerdict(trace.VerdictRecord{
				PlanID: plan.ID, SequenceID: r.SequenceID, Action: r.Action, Tokens: r.Tokens, Verdict: v, At: at,
			})
		}
	}
	add(d.Approved, trace.VerdictApproved)
	add(d.Shadowed, trace.VerdictShadowed)
	add(d.Rejected, trace.VerdictRejected)
}

// withRollback joins a guardrail violation with any rollback failure.
func withRollback(violation *kvopt.GuardrailViolation, rollbackErr error) error {
	if rollbackErr == nil {
		return violation
	}
	return multierror.Append(violation, rollbackErr)
}
