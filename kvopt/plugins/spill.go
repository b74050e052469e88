package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// copyKeeper remembers which token prefix of each sequence was written to a
// reuse cache, so the copy can be looked up again when an action is reverted.
type copyKeeper struct {
	mu   sync.Mutex
	keys map[string][]int
}

func newCopyKeeper() *copyKeeper { return &copyKeeper{keys: make(map[string][]int)} }

// store reads a sample of the sequence from the adapter and writes it to cache.
func (k *copyKeeper) store(ctx context.Context, cache ReuseCache, exec Executor, seqID string) error {
	sample, err := exec.ReadKV(ctx, seqID, kvSampleTokens)
	if err != nil {
		return fmt.Errorf("reading kv of %s: %w", seqID, err)
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encoding kv of %s: %w", seqID, err)
	}
	if err := cache.UpdateCache(ctx, seqID, sample.TokenIDs, payload); err != nil {
		return fmt.Errorf("caching kv of %s: %w", seqID, err)
	}
	k.mu.Lock()
	k.keys[seqID] = sample.TokenIDs
	k.mu.Unlock()
	return nil
}

// copyLookup checks for a stored copy without counting it as a reuse event.
type copyLookup interface {
	holds(ctx context.Context, seqID string, tokenIDs []int) (bool, error)
}

// available reports whether the stored copy of seqID is still cached. Caches
// that support it are read directly so the lookup stays out of hit/miss stats.
func (k *copyKeeper) available(ctx context.Context, cache ReuseCache, seqID string) (bool, error) {
	k.mu.Lock()
	tokens, ok := k.keys[seqID]
	k.mu.Unlock()
	if !ok {
		return false, nil
	}
	if l, ok := cache.(copyLookup); ok {
		return l.holds(ctx, seqID, tokens)
	}
	_, hit, err := cache.CheckCache(ctx, seqID, tokens)
	return hit, err
}

func (k *copyKeeper) forget(seqID string) {
	k.mu.Lock()
	delete(k.keys, seqID)
	k.mu.Unlock()
}
