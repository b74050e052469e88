package plugins

import (
	"context"
	"sync"

	"github.com/kvopt/kv-optkit/kvopt"
)

// base carries the descriptor and the once-only lifecycle guards shared by
// the built-in plugins.
type base struct {
	desc kvopt.PluginDescriptor

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	stopErr   error
}

func (b *base) Descriptor() kvopt.PluginDescriptor { return b.desc }

// start runs fn on the first call only and replays its result afterwards.
func (b *base) start(ctx context.Context, fn func(context.Context) error) error {
	b.startOnce.Do(func() {
		if fn != nil {
			b.startErr = fn(ctx)
		}
	})
	return b.startErr
}

// stop runs fn on the first call only, whether or not start succeeded.
func (b *base) stop(ctx context.Context, fn func(context.Context) error) error {
	b.stopOnce.Do(func() {
		if fn != nil {
			b.stopErr = fn(ctx)
		}
	})
	return b.stopErr
}
