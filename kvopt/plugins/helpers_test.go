package plugins

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/kvopt/kv-optkit/kvopt"
)

// fakeExec records executed actions and serves deterministic KV samples.
type fakeExec struct {
	mu      sync.Mutex
	actions []kvopt.Action
	failOn  kvopt.ActionKind
}

func (f *fakeExec) Execute(_ context.Context, a kvopt.Action) (kvopt.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.Kind == f.failOn {
		return kvopt.ExecutionResult{}, errors.New("adapter refused")
	}
	f.actions = append(f.actions, a)
	return kvopt.ExecutionResult{Action: a.Kind, SequenceID: a.SequenceID, TokensMoved: a.Tokens}, nil
}

func (f *fakeExec) ReadKV(_ context.Context, seqID string, maxTokens int) (KVSample, error) {
	ids := make([]int, maxTokens)
	for i := range ids {
		ids[i] = i + 1
	}
	return KVSample{SequenceID: seqID, TokenIDs: ids, KV: randomKV(rand.New(rand.NewSource(7)), maxTokens, 16)}, nil
}

func (f *fakeExec) kinds() []kvopt.ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kvopt.ActionKind, len(f.actions))
	for i, a := range f.actions {
		out[i] = a.Kind
	}
	return out
}

func randomKV(rng *rand.Rand, tokens, channels int) KVData {
	mk := func() KVTensor {
		t := KVTensor{Shape: []int{tokens, channels}, Data: make([]float32, tokens*channels)}
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64())
		}
		return t
	}
	return KVData{Key: mk(), Value: mk()}
}

// fakeClock is a settable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingObserver counts reuse events.
type countingObserver struct {
	mu           sync.Mutex
	hits, misses int
}

func (o *countingObserver) ReuseHit()  { o.mu.Lock(); o.hits++; o.mu.Unlock() }
func (o *countingObserver) ReuseMiss() { o.mu.Lock(); o.misses++; o.mu.Unlock() }
