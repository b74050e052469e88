package autopilot

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
)

// Loop is the monitoring loop: every tick it refreshes the advisory report
// and, when autopilot is enabled, advances the active plan by one step or
// starts a new one.
type Loop struct {
	mgr      *Manager
	interval time.Duration
	enabled  bool

	latest    atomic.Pointer[kvopt.AdvisorReport]
	ticks     atomic.Int64
	afterTick func(context.Context)
}

// NewLoop builds a loop over mgr using the autopilot settings of cfg.
func NewLoop(mgr *Manager, cfg kvopt.AutopilotSettings) *Loop {
	return &Loop{mgr: mgr, interval: cfg.TickInterval, enabled: cfg.Enabled}
}

// Latest returns the report of the most recent tick.
func (l *Loop) Latest() (kvopt.AdvisorReport, bool) {
	r := l.latest.Load()
	if r == nil {
		return kvopt.AdvisorReport{}, false
	}
	return *r, true
}

// SetAfterTick installs fn to run after every tick of Run, before the wait
// for the next one. It must be called before Run.
func (l *Loop) SetAfterTick(fn func(context.Context)) { l.afterTick = fn }

// Ticks returns how many ticks have completed.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

// Run ticks until ctx is done or maxTicks ticks have run (0 means no limit).
// Between ticks it waits on a timer rather than polling.
func (l *Loop) Run(ctx context.Context, maxTicks int) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for n := 0; maxTicks == 0 || n < maxTicks; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.Tick(ctx); err != nil {
			return err
		}
		if l.afterTick != nil {
			l.afterTick(ctx)
		}
		if maxTicks != 0 && n+1 == maxTicks {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Tick runs one iteration. Conflicts, guardrail violations and
// unrecoverable rollbacks are outcomes of the plan, not loop failures: they
// are logged and the loop carries on.
func (l *Loop) Tick(ctx context.Context) error {
	defer l.ticks.Add(1)
	snap, err := l.mgr.telemetry(ctx)
	if err != nil {
		return err
	}
	report := l.mgr.Engine().Analyze(snap)
	l.latest.Store(&report)
	if !l.enabled {
		return nil
	}

	err = l.step(ctx, report)
	if ctx.Err() != nil {
		return nil
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kvopt.ErrConflict), errors.Is(err, kvopt.ErrGuardrail), errors.Is(err, kvopt.ErrUnrecoverable):
		logrus.Warnf("autopilot: %v", err)
		return nil
	default:
		return err
	}
}

func (l *Loop) step(ctx context.Context, report kvopt.AdvisorReport) error {
	_, _, err := l.mgr.Advance(ctx, report)
	return err
}
