package autopilot

import "sync"

// Arena stores every version of every plan, indexed by plan id. At most one
// plan is active (non-terminal) at a time.
type Arena struct {
	mu       sync.RWMutex
	versions map[string][]Plan
	order    []string
	active   string
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{versions: make(map[string][]Plan)}
}

// put stores p as the next version of its plan and returns the stored copy.
func (a *Arena) put(p Plan) Plan {
	a.mu.Lock()
	defer a.mu.Unlock()
	history, ok := a.versions[p.ID]
	if !ok {
		a.order = append(a.order, p.ID)
	}
	p = p.clone()
	p.Version = len(history) + 1
	a.versions[p.ID] = append(history, p)
	if p.Status.Terminal() {
		if a.active == p.ID {
			a.active = ""
		}
	} else {
		a.active = p.ID
	}
	return p.clone()
}

// Get returns the latest version of a plan.
func (a *Arena) Get(id string) (Plan, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	history := a.versions[id]
	if len(history) == 0 {
		return Plan{}, false
	}
	return history[len(history)-1].clone(), true
}

// Versions returns every stored version of a plan, oldest first.
func (a *Arena) Versions(id string) []Plan {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Plan, 0, len(a.versions[id]))
	for _, p := range a.versions[id] {
		out = append(out, p.clone())
	}
	return out
}

// Active returns the latest version of the non-terminal plan, if any.
func (a *Arena) Active() (Plan, bool) {
	a.mu.RLock()
	id := a.active
	a.mu.RUnlock()
	if id == "" {
		return Plan{}, false
	}
	return a.Get(id)
}

// History returns the latest version of every plan in creation order.
func (a *Arena) History() []Plan {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Plan, 0, len(a.order))
	for _, id := range a.order {
		h := a.versions[id]
		out = append(out, h[len(h)-1].clone())
	}
	return out
}
