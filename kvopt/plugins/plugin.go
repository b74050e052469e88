// Package plugins implements the Action Plugin Registry and the built-in
// capability providers: kivi (quantization), lmcache (reuse cache / offload)
// and age_decay (eviction).
package plugins

import (
	"context"
	"errors"

	"github.com/kvopt/kv-optkit/kvopt"
)

// ErrNoInverse is returned by Revert when an applied action cannot be undone,
// e.g. evicted tokens with no stored copy.
var ErrNoInverse = errors.New("action has no inverse")

// kvSampleTokens bounds how many tokens of a sequence a plugin reads when it
// needs tensor contents (accuracy proxy, spilled copies).
const kvSampleTokens = 64

// Plugin is the lifecycle shared by every capability family.
// OnStartup and OnShutdown run at most once per instance; OnShutdown must
// release whatever OnStartup acquired even if OnStartup failed half-way.
type Plugin interface {
	Descriptor() kvopt.PluginDescriptor
	OnStartup(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// KVTensor is a dense row-major float tensor. The first dimension is tokens.
type KVTensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Len returns the number of elements implied by Shape.
func (t KVTensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// KVData is the key and value cache of one layer.
type KVData struct {
	Key   KVTensor `json:"key"`
	Value KVTensor `json:"value"`
}

// KVSample is a slice of a sequence's cache read back from the adapter.
type KVSample struct {
	SequenceID string `json:"sequence_id"`
	TokenIDs   []int  `json:"token_ids"`
	Layer      int    `json:"layer"`
	KV         KVData `json:"kv"`
}

// QuantizedTensor is the group-wise quantized form of a KVTensor.
type QuantizedTensor struct {
	Shape      []int
	Bitwidth   int
	GroupSize  int
	PerChannel bool      // groups run along the token axis for each channel
	Codes      []uint8   // one code per element, unpacked
	Scales     []float32 // one per group
	Zeros      []float32 // one per group
}

// PackedBytes is the storage footprint once codes are bit-packed, including
// per-group scale and zero point.
func (q QuantizedTensor) PackedBytes() int {
	return (len(q.Codes)*q.Bitwidth+7)/8 + 8*len(q.Scales)
}

// QuantizedKV is the quantized form of KVData.
type QuantizedKV struct {
	Key      QuantizedTensor
	Value    QuantizedTensor
	Layer    int
	TokenPos int
}

// Quantizer is the quantization capability. Dequantize(Quantize(x)) must
// restore the exact shape of x with deviation bounded by the bitwidth.
type Quantizer interface {
	Plugin
	Bitwidth() int
	Quantize(kv KVData, layerIdx, tokenPos int) (QuantizedKV, error)
	Dequantize(q QuantizedKV, layerIdx, tokenPos int) (KVData, error)
}

// ReuseCache is the reuse/caching capability. A CheckCache right after an
// UpdateCache with the same key returns the stored value until the TTL expires.
type ReuseCache interface {
	Plugin
	CheckCache(ctx context.Context, seqID string, tokenIDs []int) ([]byte, bool, error)
	UpdateCache(ctx context.Context, seqID string, tokenIDs []int, value []byte) error
}

// Executor is the part of the inference-engine adapter plugins may drive.
type Executor interface {
	Execute(ctx context.Context, action kvopt.Action) (kvopt.ExecutionResult, error)
	ReadKV(ctx context.Context, seqID string, maxTokens int) (KVSample, error)
}

// ActionProfile is what a provider declares about the actions it performs.
type ActionProfile struct {
	BytesPerToken     float64 // HBM bytes per token before the action
	SavingsFraction   float64 // fraction of those bytes released
	Bitwidth          int     // quantize target; 0 otherwise
	Confidence        float64 // in [0,1]
	AccuracyImpactPct float64 // accuracy delta if applied to the whole workload
	Reversible        bool
}

// Outcome is the result of Perform or Revert.
type Outcome struct {
	Result       kvopt.ExecutionResult
	DeviationPct float64 // accuracy proxy measured while acting; 0 when lossless
	MSE          float64
}

// ActionProvider executes recommendations of one capability family.
type ActionProvider interface {
	Plugin
	Profile() ActionProfile
	Accepts(seq kvopt.SequenceInfo, tokens int) bool
	Perform(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error)
	Revert(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error)
}

// ReuseObserver receives reuse cache hit/miss events.
type ReuseObserver interface {
	ReuseHit()
	ReuseMiss()
}
