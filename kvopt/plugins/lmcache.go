package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
)

var errNotStarted = errors.New("plugin not started")

// LMCache is the reuse cache plugin. As an action provider it offloads a
// sequence to DDR after writing a copy of its KV to the cache; the offload
// can be reverted while that copy is live.
type LMCache struct {
	base
	opts          kvopt.LMCacheOptions
	bytesPerToken float64
	observer      ReuseObserver
	clock         func() time.Time

	mu      sync.RWMutex
	backend cacheBackend

	copies *copyKeeper
	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ ReuseCache     = (*LMCache)(nil)
	_ ActionProvider = (*LMCache)(nil)
)

// NewLMCache builds an lmcache plugin. observer may be nil.
func NewLMCache(name string, priority int, enabled bool, opts kvopt.LMCacheOptions, bytesPerToken float64, observer ReuseObserver) *LMCache {
	return &LMCache{
		base: base{desc: kvopt.PluginDescriptor{
			Name: name, Type: kvopt.PluginKVCache, Enabled: enabled, Priority: priority,
		}},
		opts:          opts,
		bytesPerToken: bytesPerToken,
		observer:      observer,
		clock:         time.Now,
		copies:        newCopyKeeper(),
	}
}

// SetClock replaces the clock of the memory backend. It must be called
// before OnStartup.
func (c *LMCache) SetClock(clock func() time.Time) { c.clock = clock }

func (c *LMCache) ttl() time.Duration { return time.Duration(c.opts.TTLSeconds) * time.Second }

func (c *LMCache) OnStartup(ctx context.Context) error {
	return c.start(ctx, func(ctx context.Context) error {
		backend, err := newCacheBackend(ctx, c.opts.Backend, int64(c.opts.MaxMemoryMB)<<20, c.clock)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.backend = backend
		c.mu.Unlock()
		logrus.Infof("lmcache %s: backend %s, ttl %v", c.desc.Name, c.opts.Backend, c.ttl())
		return nil
	})
}

func (c *LMCache) OnShutdown(ctx context.Context) error {
	return c.stop(ctx, func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.backend == nil {
			return nil
		}
		err := c.backend.close()
		c.backend = nil
		return err
	})
}

func (c *LMCache) currentBackend() (cacheBackend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backend == nil {
		return nil, fmt.Errorf("lmcache %s: %w", c.desc.Name, errNotStarted)
	}
	return c.backend, nil
}

// CheckCache returns the value stored for (seqID, tokenIDs) if it has not
// expired. Prefixes shorter than min_sequence_length are never cached.
func (c *LMCache) CheckCache(ctx context.Context, seqID string, tokenIDs []int) ([]byte, bool, error) {
	if len(tokenIDs) < c.opts.MinSequenceLength {
		return nil, false, nil
	}
	backend, err := c.currentBackend()
	if err != nil {
		return nil, false, err
	}
	v, ok, err := backend.get(ctx, cacheKey(seqID, tokenIDs))
	if err != nil {
		return nil, false, fmt.Errorf("lmcache %s get: %w", c.desc.Name, err)
	}
	if ok {
		c.hits.Add(1)
		if c.observer != nil {
			c.observer.ReuseHit()
		}
	} else {
		c.misses.Add(1)
		if c.observer != nil {
			c.observer.ReuseMiss()
		}
	}
	return v, ok, nil
}

func (c *LMCache) holds(ctx context.Context, seqID string, tokenIDs []int) (bool, error) {
	if len(tokenIDs) < c.opts.MinSequenceLength {
		return false, nil
	}
	backend, err := c.currentBackend()
	if err != nil {
		return false, err
	}
	_, ok, err := backend.get(ctx, cacheKey(seqID, tokenIDs))
	if err != nil {
		return false, fmt.Errorf("lmcache %s get: %w", c.desc.Name, err)
	}
	return ok, nil
}

// UpdateCache stores value under (seqID, tokenIDs) for the configured TTL.
func (c *LMCache) UpdateCache(ctx context.Context, seqID string, tokenIDs []int, value []byte) error {
	if len(tokenIDs) < c.opts.MinSequenceLength {
		return nil
	}
	backend, err := c.currentBackend()
	if err != nil {
		return err
	}
	if err := backend.set(ctx, cacheKey(seqID, tokenIDs), value, c.ttl()); err != nil {
		return fmt.Errorf("lmcache %s set: %w", c.desc.Name, err)
	}
	return nil
}

// Stats returns the hit and miss counts since startup.
func (c *LMCache) Stats() (hits, misses int64) { return c.hits.Load(), c.misses.Load() }

// Profile declares an offload: every byte leaves HBM, nothing is lost.
func (c *LMCache) Profile() ActionProfile {
	return ActionProfile{
		BytesPerToken:   c.bytesPerToken,
		SavingsFraction: 1,
		Confidence:      0.95,
		Reversible:      true,
	}
}

func (c *LMCache) Accepts(seq kvopt.SequenceInfo, tokens int) bool {
	return tokens > 0 && seq.LengthTokens >= c.opts.MinSequenceLength
}

// Perform offloads or reloads a sequence.
func (c *LMCache) Perform(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error) {
	switch rec.Action {
	case kvopt.ActionOffload:
		if err := c.copies.store(ctx, c, exec, rec.SequenceID); err != nil {
			return Outcome{}, err
		}
	case kvopt.ActionReload:
	default:
		return Outcome{}, fmt.Errorf("lmcache cannot perform %s", rec.Action)
	}
	res, err := exec.Execute(ctx, kvopt.ActionFor(rec))
	return Outcome{Result: res}, err
}

// Revert reloads an offloaded sequence if its cached copy is still live.
func (c *LMCache) Revert(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error) {
	ok, err := c.copies.available(ctx, c, rec.SequenceID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("offloaded copy of %s expired: %w", rec.SequenceID, ErrNoInverse)
	}
	res, err := exec.Execute(ctx, kvopt.Action{Kind: kvopt.ActionReload, SequenceID: rec.SequenceID, Tokens: rec.Tokens})
	if err == nil {
		c.copies.forget(rec.SequenceID)
	}
	return Outcome{Result: res}, err
}
