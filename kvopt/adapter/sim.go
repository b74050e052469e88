// Package adapter provides the simulated inference-engine adapter: it keeps
// per-sequence KV residency across tiers, reports telemetry and performs the
// physical moves the policy engine asks for.
package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
)

const (
	// kvChannels is the flattened head dimension of sampled KV tensors.
	kvChannels = 16
	// vocabSize bounds synthetic token ids.
	vocabSize = 50257
	// baseLatencyMs is the p95 latency of an idle server.
	baseLatencyMs = 400.0
	// transferChunk is the largest single limiter reservation, in KiB.
	transferChunk = 64 * 1024
)

// pool counts tokens of one tier split by precision.
type pool struct {
	full  int
	quant int
}

func (p pool) total() int { return p.full + p.quant }

type sequence struct {
	info    kvopt.SequenceInfo
	hbm     pool
	ddr     pool
	evicted pool
	bits    int // bitwidth of quantized tokens; 16 when none are quantized
}

func (s *sequence) allTokens() int { return s.hbm.total() + s.ddr.total() + s.evicted.total() }

// Sim is an in-process stand-in for an inference engine. It is safe for
// concurrent use.
type Sim struct {
	mu            sync.Mutex
	seqs          map[string]*sequence
	hbmTotalGB    float64
	bytesPerToken float64
	keepRecent    int
	kvSeed        int64
	limiter       *rate.Limiter
	clock         func() time.Time
	regressionPct float64
	failures      map[kvopt.ActionKind]error
	reuse         plugins.ReuseCache
}

// NewSim sizes a simulated engine from cfg. Offload and reload transfers are
// throttled to budgets.offload_bw_gbps.
func NewSim(cfg *kvopt.Config, rng *kvopt.PartitionedRNG) *Sim {
	kibPerSec := cfg.Budgets.OffloadBWGbps * 1e9 / 8 / 1024
	return &Sim{
		seqs:          make(map[string]*sequence),
		hbmTotalGB:    cfg.Adapter.HBMCapacityGB,
		bytesPerToken: cfg.Adapter.BytesPerToken,
		keepRecent:    cfg.Policy.KeepRecentTokens,
		kvSeed:        rng.DeriveSeed(kvopt.SubsystemKV),
		limiter:       rate.NewLimiter(rate.Limit(kibPerSec), transferChunk),
		clock:         time.Now,
		failures:      make(map[kvopt.ActionKind]error),
	}
}

// SetClock replaces the wall clock.
func (s *Sim) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// SetReuseCache attaches a prefix cache consulted on every Submit.
func (s *Sim) SetReuseCache(c plugins.ReuseCache) {
	s.mu.Lock()
	s.reuse = c
	s.mu.Unlock()
}

// InjectRegression adds a fixed serving-accuracy regression to AccuracyDelta.
func (s *Sim) InjectRegression(pct float64) {
	s.mu.Lock()
	s.regressionPct = pct
	s.mu.Unlock()
}

// FailAction makes every Execute of kind fail with err; a nil err clears it.
func (s *Sim) FailAction(kind kvopt.ActionKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, kind)
		return
	}
	s.failures[kind] = err
}

// Submit admits a sequence with its prompt fully resident in HBM. With a
// reuse cache attached, a prompt seen before under the same id counts as a
// hit; otherwise the prompt is recorded for next time.
func (s *Sim) Submit(ctx context.Context, id string, promptTokens int) error {
	s.mu.Lock()
	if _, dup := s.seqs[id]; dup {
		s.mu.Unlock()
		return fmt.Errorf("sequence %s already active", id)
	}
	now := s.clock()
	s.seqs[id] = &sequence{
		info: kvopt.SequenceInfo{ID: id, LengthTokens: promptTokens, CreatedAt: now, LastAccessed: now},
		hbm:  pool{full: promptTokens},
		bits: 16,
	}
	reuse := s.reuse
	s.mu.Unlock()

	if reuse == nil {
		return nil
	}
	ids := tokenIDs(id, min(promptTokens, 64))
	_, hit, err := reuse.CheckCache(ctx, id, ids)
	if err != nil {
		return fmt.Errorf("prefix lookup for %s: %w", id, err)
	}
	if !hit {
		if err := reuse.UpdateCache(ctx, id, ids, []byte(id)); err != nil {
			return fmt.Errorf("prefix store for %s: %w", id, err)
		}
	}
	return nil
}

// Touch appends decoded tokens to a sequence.
func (s *Sim) Touch(id string, newTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[id]
	if !ok {
		return fmt.Errorf("unknown sequence %s", id)
	}
	seq.hbm.full += newTokens
	seq.info.LastAccessed = s.clock()
	return nil
}

// Finish releases a sequence from every tier.
func (s *Sim) Finish(id string) {
	s.mu.Lock()
	delete(s.seqs, id)
	s.mu.Unlock()
}

// Telemetry captures a snapshot.
func (s *Sim) Telemetry(_ context.Context) (*kvopt.TelemetrySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hbmBytes, ddrBytes float64
	seqs := make([]kvopt.SequenceInfo, 0, len(s.seqs))
	for _, seq := range s.seqs {
		hbmBytes += s.poolBytes(seq.hbm, seq.bits)
		ddrBytes += s.poolBytes(seq.ddr, seq.bits)
		info := seq.info
		info.LengthTokens = seq.hbm.total()
		seqs = append(seqs, info)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i].ID < seqs[j].ID })
	hbmGB := hbmBytes / kvopt.BytesPerGB
	util := 0.0
	if s.hbmTotalGB > 0 {
		util = hbmGB / s.hbmTotalGB
	}
	p95 := baseLatencyMs * (1 + 3*math.Pow(util, 4))
	return kvopt.NewTelemetrySnapshot(hbmGB, s.hbmTotalGB, ddrBytes/kvopt.BytesPerGB, p95, seqs, s.clock()), nil
}

func (s *Sim) poolBytes(p pool, bits int) float64 {
	return float64(p.full)*s.bytesPerToken + float64(p.quant)*s.bytesPerToken*float64(bits)/16
}

// AccuracyDelta estimates the serving accuracy regression, in percent, from
// what is currently quantized or evicted, plus any injected regression.
func (s *Sim) AccuracyDelta(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, impact := 0, 0.0
	for _, seq := range s.seqs {
		total += seq.allTokens()
		quant := seq.hbm.quant + seq.ddr.quant + seq.evicted.quant
		impact += plugins.BitwidthImpactPct(seq.bits) * float64(quant)
		impact += evictionImpactPct * float64(seq.evicted.total())
	}
	if total == 0 {
		return s.regressionPct, nil
	}
	return impact/float64(total) + s.regressionPct, nil
}

// evictionImpactPct is the accuracy cost of dropping tokens entirely.
const evictionImpactPct = 0.1

// Execute performs one physical move. Offload and reload wait for transfer
// bandwidth before any state changes, so a cancelled wait leaves the
// sequence untouched.
func (s *Sim) Execute(ctx context.Context, a kvopt.Action) (kvopt.ExecutionResult, error) {
	res := kvopt.ExecutionResult{Action: a.Kind, SequenceID: a.SequenceID}
	if a.Tokens < 0 {
		return res, fmt.Errorf("negative token count %d", a.Tokens)
	}
	if a.Kind == kvopt.ActionOffload && a.TargetTier != "" && a.TargetTier != kvopt.TierDDR {
		return res, fmt.Errorf("offload to %s is not simulated", a.TargetTier)
	}
	if a.Kind == kvopt.ActionQuantize && (a.Bitwidth < 1 || a.Bitwidth >= 16) {
		return res, fmt.Errorf("invalid bitwidth %d", a.Bitwidth)
	}

	transfer, err := s.transferBytes(a)
	if err != nil {
		return res, err
	}
	if err := s.throttle(ctx, transfer); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[a.SequenceID]
	if !ok {
		return res, fmt.Errorf("unknown sequence %s", a.SequenceID)
	}
	before := s.poolBytes(seq.hbm, seq.bits)

	switch a.Kind {
	case kvopt.ActionEvict:
		res.TokensMoved = s.move(&seq.hbm, &seq.evicted, a.Tokens)
	case kvopt.ActionOffload:
		res.TokensMoved = s.move(&seq.hbm, &seq.ddr, a.Tokens)
	case kvopt.ActionReload:
		n := s.restore(seq, &seq.ddr, a.Tokens)
		n += s.restore(seq, &seq.evicted, a.Tokens-n)
		res.TokensMoved = n
	case kvopt.ActionQuantize:
		if seq.hbm.quant > 0 && seq.bits != a.Bitwidth {
			res.Note = fmt.Sprintf("already quantized at %d bits", seq.bits)
			break
		}
		n := min(a.Tokens, max(0, seq.hbm.full-s.keepRecent))
		seq.hbm.full -= n
		seq.hbm.quant += n
		if n > 0 {
			seq.bits = a.Bitwidth
		}
		res.TokensMoved = n
	case kvopt.ActionDequantize:
		n := min(a.Tokens, seq.hbm.quant)
		seq.hbm.quant -= n
		seq.hbm.full += n
		if seq.hbm.quant+seq.ddr.quant+seq.evicted.quant == 0 {
			seq.bits = 16
		}
		res.TokensMoved = n
	}
	res.FreedGB = (before - s.poolBytes(seq.hbm, seq.bits)) / kvopt.BytesPerGB
	logrus.Debugf("sim: %s %s moved %d tokens, freed %.3f GB", a.Kind, a.SequenceID, res.TokensMoved, res.FreedGB)
	return res, nil
}

// transferBytes validates the action against the current state and returns
// how many bytes it would push across the HBM-DDR link.
func (s *Sim) transferBytes(a kvopt.Action) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[a.Kind]; err != nil {
		return 0, err
	}
	seq, ok := s.seqs[a.SequenceID]
	if !ok {
		return 0, fmt.Errorf("unknown sequence %s", a.SequenceID)
	}
	switch a.Kind {
	case kvopt.ActionOffload:
		return float64(min(a.Tokens, max(0, seq.hbm.total()-s.keepRecent))) * s.bytesPerToken, nil
	case kvopt.ActionReload:
		return float64(min(a.Tokens, seq.ddr.total())) * s.bytesPerToken, nil
	case kvopt.ActionEvict, kvopt.ActionQuantize, kvopt.ActionDequantize:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported action %q", a.Kind)
	}
}

// move takes up to n non-recent tokens from src, quantized ones first.
func (s *Sim) move(src, dst *pool, n int) int {
	n = min(n, max(0, src.total()-s.keepRecent))
	q := min(n, src.quant)
	src.quant -= q
	dst.quant += q
	src.full -= n - q
	dst.full += n - q
	return n
}

// restore brings up to n tokens from src back into HBM, full precision first
// so a reload undoes the most recent move.
func (s *Sim) restore(seq *sequence, src *pool, n int) int {
	if n <= 0 {
		return 0
	}
	f := min(n, src.full)
	src.full -= f
	seq.hbm.full += f
	q := min(n-f, src.quant)
	src.quant -= q
	seq.hbm.quant += q
	return f + q
}

// throttle waits until the transfer fits the offload bandwidth budget.
func (s *Sim) throttle(ctx context.Context, bytes float64) error {
	kib := int(math.Ceil(bytes / 1024))
	for kib > 0 {
		n := min(kib, transferChunk)
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return fmt.Errorf("waiting for offload bandwidth: %w", err)
		}
		kib -= n
	}
	return nil
}

// ReadKV returns a deterministic sample of up to maxTokens tokens.
func (s *Sim) ReadKV(_ context.Context, seqID string, maxTokens int) (plugins.KVSample, error) {
	s.mu.Lock()
	seq, ok := s.seqs[seqID]
	var n int
	if ok {
		n = min(maxTokens, seq.allTokens())
	}
	s.mu.Unlock()
	if !ok {
		return plugins.KVSample{}, fmt.Errorf("unknown sequence %s", seqID)
	}

	rng := rand.New(rand.NewSource(s.kvSeed ^ int64(hashID(seqID))))
	mk := func() plugins.KVTensor {
		t := plugins.KVTensor{Shape: []int{n, kvChannels}, Data: make([]float32, n*kvChannels)}
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64())
		}
		return t
	}
	key := mk()
	value := mk()
	return plugins.KVSample{
		SequenceID: seqID,
		TokenIDs:   tokenIDs(seqID, n),
		KV:         plugins.KVData{Key: key, Value: value},
	}, nil
}

// Residency reports a sequence's tokens per tier.
func (s *Sim) Residency(id string) (hbm, ddr, evicted, quantized int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, found := s.seqs[id]
	if !found {
		return 0, 0, 0, 0, false
	}
	return seq.hbm.total(), seq.ddr.total(), seq.evicted.total(), seq.hbm.quant + seq.ddr.quant + seq.evicted.quant, true
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// tokenIDs derives n stable synthetic token ids for a sequence.
func tokenIDs(seqID string, n int) []int {
	base := hashID(seqID)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = int((base + uint64(i)*7919) % vocabSize)
	}
	return ids
}
