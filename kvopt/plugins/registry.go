package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
)

// maxHandlerAttempts bounds how many providers Dispatch tries for one call:
// the primary and one next-priority fallback.
const maxHandlerAttempts = 2

// DefaultCallTimeout applies when a Registry is built without a timeout.
const DefaultCallTimeout = 2 * time.Second

type entry struct {
	plugin  Plugin
	desc    kvopt.PluginDescriptor // registry-owned copy; only Enabled changes
	started bool
}

// Registry holds plugins keyed by name and resolves providers by capability.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	callTimeout time.Duration
}

// NewRegistry creates an empty registry. A non-positive timeout selects
// DefaultCallTimeout.
func NewRegistry(callTimeout time.Duration) *Registry {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Registry{entries: make(map[string]*entry), callTimeout: callTimeout}
}

// Register adds a plugin. Names must be unique and the type must be known.
func (r *Registry) Register(p Plugin) error {
	desc := p.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if !kvopt.IsValidPluginType(desc.Type) {
		return fmt.Errorf("plugin %s: unknown type %q", desc.Name, desc.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[desc.Name]; dup {
		return fmt.Errorf("plugin %s already registered", desc.Name)
	}
	r.entries[desc.Name] = &entry{plugin: p, desc: desc}
	logrus.Debugf("registered plugin %s (type=%s, priority=%d, enabled=%v)", desc.Name, desc.Type, desc.Priority, desc.Enabled)
	return nil
}

// Get returns a plugin by name regardless of its enabled flag.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Descriptor returns the registry's current view of a plugin.
func (r *Registry) Descriptor(name string) (kvopt.PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return kvopt.PluginDescriptor{}, false
	}
	return e.desc, true
}

// Descriptors lists every plugin, priority descending.
func (r *Registry) Descriptors() []kvopt.PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kvopt.PluginDescriptor, 0, len(r.entries))
	for _, e := range r.sortedLocked("") {
		out = append(out, e.desc)
	}
	return out
}

// SetEnabled flips a plugin's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("plugin %s not registered", name)
	}
	e.desc.Enabled = enabled
	return nil
}

// sortedLocked returns entries of the given type ("" for all) ordered by
// descending priority, then name.
func (r *Registry) sortedLocked(t kvopt.PluginType) []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if t == "" || e.desc.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].desc.Priority != out[j].desc.Priority {
			return out[i].desc.Priority > out[j].desc.Priority
		}
		return out[i].desc.Name < out[j].desc.Name
	})
	return out
}

// ByType returns enabled plugins of a capability family, priority descending.
func (r *Registry) ByType(t kvopt.PluginType) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Plugin
	for _, e := range r.sortedLocked(t) {
		if e.desc.Enabled {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Providers returns enabled action providers of a capability family,
// priority descending.
func (r *Registry) Providers(t kvopt.PluginType) []ActionProvider {
	var out []ActionProvider
	for _, p := range r.ByType(t) {
		if ap, ok := p.(ActionProvider); ok {
			out = append(out, ap)
		}
	}
	return out
}

// Quantizers returns enabled quantization plugins.
func (r *Registry) Quantizers() []Quantizer {
	var out []Quantizer
	for _, p := range r.ByType(kvopt.PluginQuantization) {
		if q, ok := p.(Quantizer); ok {
			out = append(out, q)
		}
	}
	return out
}

// ReuseCaches returns enabled reuse cache plugins.
func (r *Registry) ReuseCaches() []ReuseCache {
	var out []ReuseCache
	for _, p := range r.ByType(kvopt.PluginKVCache) {
		if c, ok := p.(ReuseCache); ok {
			out = append(out, c)
		}
	}
	return out
}

// Startup starts every registered plugin in priority order. If one fails,
// the plugins already started and the failing one are shut down before the
// error is returned.
func (r *Registry) Startup(ctx context.Context) (err error) {
	r.mu.Lock()
	ordered := r.sortedLocked("")
	r.mu.Unlock()

	var started []*entry
	for _, e := range ordered {
		if serr := e.plugin.OnStartup(ctx); serr != nil {
			err = fmt.Errorf("starting plugin %s: %w", e.desc.Name, serr)
			cleanup := multierror.Append(nil, err)
			if stopErr := e.plugin.OnShutdown(ctx); stopErr != nil {
				cleanup = multierror.Append(cleanup, fmt.Errorf("releasing plugin %s: %w", e.desc.Name, stopErr))
			}
			if stopErr := r.shutdownEntries(ctx, started); stopErr != nil {
				cleanup = multierror.Append(cleanup, stopErr)
			}
			return cleanup.ErrorOrNil()
		}
		r.mu.Lock()
		e.started = true
		r.mu.Unlock()
		started = append(started, e)
		logrus.Debugf("plugin %s started", e.desc.Name)
	}
	return nil
}

// Shutdown releases every started plugin in reverse start order and reports
// all failures together.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	var started []*entry
	for _, e := range r.sortedLocked("") {
		if e.started {
			started = append(started, e)
		}
	}
	r.mu.Unlock()
	return r.shutdownEntries(ctx, started)
}

func (r *Registry) shutdownEntries(ctx context.Context, started []*entry) error {
	var errs *multierror.Error
	for i := len(started) - 1; i >= 0; i-- {
		e := started[i]
		if err := e.plugin.OnShutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stopping plugin %s: %w", e.desc.Name, err))
		}
		r.mu.Lock()
		e.started = false
		r.mu.Unlock()
	}
	return errs.ErrorOrNil()
}

// Call runs fn against one provider under the per-call timeout. A call that
// outlives the timeout is reported as context.DeadlineExceeded even if fn
// ignores its context. When the caller cancels, fn sees the cancelled
// context and Call still waits for its result, so a move that completed is
// never reported as lost.
func (r *Registry) Call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	timer := time.NewTimer(r.callTimeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

// Dispatch resolves the providers for a capability and runs fn on the first
// one. A failure or timeout moves on to the next-priority provider; at most
// maxHandlerAttempts providers are tried. It returns the name of the
// provider that succeeded, or a *kvopt.HandlerFailure.
func (r *Registry) Dispatch(ctx context.Context, kind kvopt.ActionKind, fn func(context.Context, ActionProvider) error) (string, error) {
	capability, err := kvopt.CapabilityFor(kind)
	if err != nil {
		return "", &kvopt.HandlerFailure{Action: kind, Err: err}
	}
	providers := r.Providers(capability)
	if len(providers) == 0 {
		return "", &kvopt.HandlerFailure{Action: kind, Err: fmt.Errorf("no enabled %s provider", capability)}
	}

	var failure *kvopt.HandlerFailure
	for i, p := range providers {
		if i >= maxHandlerAttempts {
			break
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		name := p.Descriptor().Name
		callErr := r.Call(ctx, func(c context.Context) error { return fn(c, p) })
		if callErr == nil {
			return name, nil
		}
		if ctx.Err() != nil {
			// The caller cancelled; that is not the handler's fault.
			return "", ctx.Err()
		}
		failure = &kvopt.HandlerFailure{
			Plugin:   name,
			Action:   kind,
			Attempts: i + 1,
			TimedOut: errors.Is(callErr, context.DeadlineExceeded),
			Err:      callErr,
		}
		logrus.Warnf("plugin %s failed on %s: %v", name, kind, callErr)
	}
	return "", failure
}
