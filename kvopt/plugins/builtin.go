package plugins

import (
	"fmt"
	"sort"

	"github.com/kvopt/kv-optkit/kvopt"
)

// Build constructs a registry holding every plugin in cfg.Plugins. Reuse
// caches are built first so eviction plugins can spill into them. observer
// may be nil.
func Build(cfg *kvopt.Config, observer ReuseObserver) (*Registry, error) {
	reg := NewRegistry(cfg.Autopilot.CallTimeout)

	names := make([]string, 0, len(cfg.Plugins))
	for name := range cfg.Plugins {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ki, kj := cfg.Plugins[names[i]].Kind == kvopt.KindLMCache, cfg.Plugins[names[j]].Kind == kvopt.KindLMCache
		if ki != kj {
			return ki
		}
		return names[i] < names[j]
	})

	caches := make(map[string]*LMCache)
	for _, name := range names {
		spec := cfg.Plugins[name]
		bpt := spec.BytesPerToken
		if bpt == 0 {
			bpt = cfg.Adapter.BytesPerToken
		}

		var p Plugin
		switch spec.Kind {
		case kvopt.KindLMCache:
			opts := kvopt.DefaultLMCacheOptions()
			if spec.LMCache != nil {
				opts = *spec.LMCache
			}
			c := NewLMCache(name, spec.Priority, spec.Enabled, opts, bpt, observer)
			caches[name] = c
			p = c
		case kvopt.KindKIVI:
			opts := kvopt.DefaultKIVIOptions()
			if spec.KIVI != nil {
				opts = *spec.KIVI
			}
			p = NewKIVI(name, spec.Priority, spec.Enabled, opts, bpt)
		case kvopt.KindAgeDecay:
			var spill ReuseCache
			if spec.Eviction != nil && spec.Eviction.SpillTo != "" {
				c, ok := caches[spec.Eviction.SpillTo]
				if !ok {
					return nil, fmt.Errorf("plugin %s: spill_to %q is not an lmcache plugin", name, spec.Eviction.SpillTo)
				}
				spill = c
			}
			p = NewAgeDecay(name, spec.Priority, spec.Enabled, bpt, spill)
		default:
			return nil, fmt.Errorf("plugin %s: unknown kind %q", name, spec.Kind)
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
