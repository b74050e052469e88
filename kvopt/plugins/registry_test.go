package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvopt/kv-optkit/kvopt"
)

// stubProvider is a configurable eviction provider.
type stubProvider struct {
	base
	log       *[]string
	mu        *sync.Mutex
	failStart error
	perform   func(ctx context.Context) error
	starts    int
	stops     int
}

func newStub(name string, priority int, log *[]string, mu *sync.Mutex) *stubProvider {
	return &stubProvider{
		base: base{desc: kvopt.PluginDescriptor{Name: name, Type: kvopt.PluginEviction, Enabled: true, Priority: priority}},
		log:  log,
		mu:   mu,
	}
}

func (s *stubProvider) record(event string) {
	s.mu.Lock()
	*s.log = append(*s.log, event)
	s.mu.Unlock()
}

func (s *stubProvider) OnStartup(ctx context.Context) error {
	return s.start(ctx, func(context.Context) error {
		s.starts++
		s.record("start " + s.desc.Name)
		return s.failStart
	})
}

func (s *stubProvider) OnShutdown(ctx context.Context) error {
	return s.stop(ctx, func(context.Context) error {
		s.stops++
		s.record("stop " + s.desc.Name)
		return nil
	})
}

func (s *stubProvider) Profile() ActionProfile               { return ActionProfile{SavingsFraction: 1} }
func (s *stubProvider) Accepts(kvopt.SequenceInfo, int) bool { return true }
func (s *stubProvider) Revert(context.Context, Executor, kvopt.Recommendation) (Outcome, error) {
	return Outcome{}, nil
}
func (s *stubProvider) Perform(ctx context.Context, _ Executor, _ kvopt.Recommendation) (Outcome, error) {
	s.record("perform " + s.desc.Name)
	if s.perform != nil {
		return Outcome{}, s.perform(ctx)
	}
	return Outcome{}, nil
}

func dispatchPerform(ctx context.Context, p ActionProvider) error {
	_, err := p.Perform(ctx, nil, kvopt.Recommendation{Action: kvopt.ActionEvict})
	return err
}

func TestRegistry_Register_RejectsDuplicates(t *testing.T) {
	var log []string
	var mu sync.Mutex
	r := NewRegistry(0)
	require.NoError(t, r.Register(newStub("a", 0, &log, &mu)))
	assert.Error(t, r.Register(newStub("a", 5, &log, &mu)))
}

func TestRegistry_Providers_EnabledByPriorityThenName(t *testing.T) {
	// GIVEN four eviction providers, one disabled
	var log []string
	var mu sync.Mutex
	r := NewRegistry(0)
	for _, s := range []*stubProvider{newStub("c", 1, &log, &mu), newStub("b", 5, &log, &mu), newStub("a", 1, &log, &mu), newStub("d", 9, &log, &mu)} {
		require.NoError(t, r.Register(s))
	}
	require.NoError(t, r.SetEnabled("d", false))

	// WHEN resolving the eviction capability
	var names []string
	for _, p := range r.Providers(kvopt.PluginEviction) {
		names = append(names, p.Descriptor().Name)
	}

	// THEN only enabled providers come back, priority descending, name as tie-break
	assert.Equal(t, []string{"b", "a", "c"}, names)
	assert.Empty(t, r.Providers(kvopt.PluginQuantization))
	desc, ok := r.Descriptor("d")
	require.True(t, ok)
	assert.False(t, desc.Enabled)
	assert.Error(t, r.SetEnabled("missing", true))
}

func TestRegistry_Startup_FailureReleasesStartedPlugins(t *testing.T) {
	// GIVEN three plugins where the second one to start fails
	var log []string
	var mu sync.Mutex
	r := NewRegistry(0)
	hi := newStub("hi", 3, &log, &mu)
	mid := newStub("mid", 2, &log, &mu)
	mid.failStart = errors.New("backend down")
	lo := newStub("lo", 1, &log, &mu)
	for _, s := range []*stubProvider{lo, mid, hi} {
		require.NoError(t, r.Register(s))
	}

	// WHEN starting the registry
	err := r.Startup(context.Background())

	// THEN the failing plugin and those before it are released, later ones never start
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, []string{"start hi", "start mid", "stop mid", "stop hi"}, log)
	assert.Zero(t, lo.starts)
}

func TestRegistry_LifecycleRunsOnce(t *testing.T) {
	var log []string
	var mu sync.Mutex
	r := NewRegistry(0)
	a := newStub("a", 2, &log, &mu)
	b := newStub("b", 1, &log, &mu)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	ctx := context.Background()

	require.NoError(t, r.Startup(ctx))
	require.NoError(t, a.OnStartup(ctx))
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, 1, a.starts)
	assert.Equal(t, 1, a.stops)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestRegistry_Dispatch_FallsBackOnce(t *testing.T) {
	tests := []struct {
		name        string
		primary     func(context.Context) error
		secondary   func(context.Context) error
		wantHandler string
		wantTimeout bool
		wantErr     bool
	}{
		{
			name:        "primary succeeds",
			wantHandler: "primary",
		},
		{
			name:        "primary fails",
			primary:     func(context.Context) error { return errors.New("boom") },
			wantHandler: "secondary",
		},
		{
			name: "primary times out",
			primary: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			wantHandler: "secondary",
		},
		{
			name:      "both fail",
			primary:   func(context.Context) error { return errors.New("boom") },
			secondary: func(context.Context) error { return errors.New("bang") },
			wantErr:   true,
		},
		{
			name:    "secondary hangs",
			primary: func(context.Context) error { return errors.New("boom") },
			secondary: func(context.Context) error {
				time.Sleep(time.Second)
				return nil
			},
			wantErr:     true,
			wantTimeout: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN three providers of one capability
			var log []string
			var mu sync.Mutex
			r := NewRegistry(50 * time.Millisecond)
			p := newStub("primary", 3, &log, &mu)
			p.perform = tc.primary
			s := newStub("secondary", 2, &log, &mu)
			s.perform = tc.secondary
			third := newStub("third", 1, &log, &mu)
			for _, st := range []*stubProvider{p, s, third} {
				require.NoError(t, r.Register(st))
			}

			// WHEN dispatching an evict
			handler, err := r.Dispatch(context.Background(), kvopt.ActionEvict, dispatchPerform)

			// THEN at most two providers are tried
			if tc.wantErr {
				var hf *kvopt.HandlerFailure
				require.ErrorAs(t, err, &hf)
				assert.Equal(t, 2, hf.Attempts)
				assert.Equal(t, "secondary", hf.Plugin)
				assert.Equal(t, tc.wantTimeout, hf.TimedOut)
				assert.ErrorIs(t, err, kvopt.ErrHandler)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.wantHandler, handler)
			}
			mu.Lock()
			assert.NotContains(t, log, "perform third")
			mu.Unlock()
		})
	}
}

func TestRegistry_Dispatch_NoProvider(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Dispatch(context.Background(), kvopt.ActionQuantize, dispatchPerform)
	var hf *kvopt.HandlerFailure
	require.ErrorAs(t, err, &hf)
	assert.Zero(t, hf.Attempts)
}

func TestRegistry_Dispatch_CallerCancelled(t *testing.T) {
	var log []string
	var mu sync.Mutex
	r := NewRegistry(0)
	require.NoError(t, r.Register(newStub("a", 0, &log, &mu)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Dispatch(ctx, kvopt.ActionEvict, dispatchPerform)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log)
}
