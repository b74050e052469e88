package plugins

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/kvopt/kv-optkit/kvopt"
)

// bitwidthConfidence is how much a kivi decision at a given bitwidth is
// trusted without shadowing.
var bitwidthConfidence = map[int]float64{8: 0.95, 4: 0.85, 3: 0.7, 2: 0.6}

// bitwidthImpactPct is the declared accuracy delta (percent) of quantizing
// the whole workload at a given bitwidth.
var bitwidthImpactPct = map[int]float64{8: 0.05, 4: 0.4, 3: 0.9, 2: 2.0}

// BitwidthImpactPct returns the declared accuracy impact of quantizing to
// bits. Unlisted widths interpolate as 2^(4-bits) x the 4-bit figure;
// 16 bits and above cost nothing.
func BitwidthImpactPct(bits int) float64 {
	if bits >= 16 {
		return 0
	}
	if v, ok := bitwidthImpactPct[bits]; ok {
		return v
	}
	return bitwidthImpactPct[4] * math.Pow(2, float64(4-bits))
}

// KIVI is the group-wise asymmetric quantizer. Keys are grouped per channel
// along the token axis, values per token along the channel axis.
type KIVI struct {
	base
	opts          kvopt.KIVIOptions
	bytesPerToken float64
}

var (
	_ Quantizer      = (*KIVI)(nil)
	_ ActionProvider = (*KIVI)(nil)
)

// NewKIVI builds a kivi plugin from its options.
func NewKIVI(name string, priority int, enabled bool, opts kvopt.KIVIOptions, bytesPerToken float64) *KIVI {
	return &KIVI{
		base: base{desc: kvopt.PluginDescriptor{
			Name: name, Type: kvopt.PluginQuantization, Enabled: enabled, Priority: priority,
		}},
		opts:          opts,
		bytesPerToken: bytesPerToken,
	}
}

func (k *KIVI) OnStartup(ctx context.Context) error {
	return k.start(ctx, func(context.Context) error {
		logrus.Debugf("kivi %s: %d-bit, group size %d", k.desc.Name, k.opts.Bitwidth, k.opts.GroupSize)
		return nil
	})
}

func (k *KIVI) OnShutdown(ctx context.Context) error { return k.stop(ctx, nil) }

func (k *KIVI) Bitwidth() int { return k.opts.Bitwidth }

func (k *KIVI) groupSize(layerIdx int) int {
	if gs, ok := k.opts.LayerGroupSizes[layerIdx]; ok && gs > 0 {
		return gs
	}
	return k.opts.GroupSize
}

// Quantize compresses one layer's key and value tensors. tokenPos is recorded
// so Dequantize can be matched against the same slice.
func (k *KIVI) Quantize(kv KVData, layerIdx, tokenPos int) (QuantizedKV, error) {
	gs := k.groupSize(layerIdx)
	key, err := quantizeTensor(kv.Key, k.opts.Bitwidth, gs, true)
	if err != nil {
		return QuantizedKV{}, fmt.Errorf("layer %d key: %w", layerIdx, err)
	}
	value, err := quantizeTensor(kv.Value, k.opts.Bitwidth, gs, false)
	if err != nil {
		return QuantizedKV{}, fmt.Errorf("layer %d value: %w", layerIdx, err)
	}
	return QuantizedKV{Key: key, Value: value, Layer: layerIdx, TokenPos: tokenPos}, nil
}

// Dequantize restores the tensors with their original shapes.
func (k *KIVI) Dequantize(q QuantizedKV, layerIdx, tokenPos int) (KVData, error) {
	if q.Layer != layerIdx || q.TokenPos != tokenPos {
		return KVData{}, fmt.Errorf("quantized form belongs to layer %d pos %d, not layer %d pos %d",
			q.Layer, q.TokenPos, layerIdx, tokenPos)
	}
	key, err := dequantizeTensor(q.Key)
	if err != nil {
		return KVData{}, fmt.Errorf("layer %d key: %w", layerIdx, err)
	}
	value, err := dequantizeTensor(q.Value)
	if err != nil {
		return KVData{}, fmt.Errorf("layer %d value: %w", layerIdx, err)
	}
	return KVData{Key: key, Value: value}, nil
}

// Profile declares the savings and risk of a kivi quantize action.
func (k *KIVI) Profile() ActionProfile {
	bits := k.opts.Bitwidth
	conf, ok := bitwidthConfidence[bits]
	if !ok {
		conf = 0.5
	}
	return ActionProfile{
		BytesPerToken:     k.bytesPerToken,
		SavingsFraction:   1 - float64(bits)/16,
		Bitwidth:          bits,
		Confidence:        conf,
		AccuracyImpactPct: BitwidthImpactPct(bits),
		Reversible:        true,
	}
}

func (k *KIVI) Accepts(_ kvopt.SequenceInfo, tokens int) bool {
	return tokens > 0 && tokens >= k.opts.MinTokens
}

// Perform quantizes a sample of the sequence to measure the accuracy proxy,
// then asks the adapter to quantize the tokens. A dequantize recommendation
// is passed straight through.
func (k *KIVI) Perform(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error) {
	action := kvopt.ActionFor(rec)
	if rec.Action == kvopt.ActionDequantize {
		res, err := exec.Execute(ctx, action)
		return Outcome{Result: res}, err
	}
	if rec.Action != kvopt.ActionQuantize {
		return Outcome{}, fmt.Errorf("kivi cannot perform %s", rec.Action)
	}
	if action.Bitwidth == 0 {
		action.Bitwidth = k.opts.Bitwidth
	}

	sample, err := exec.ReadKV(ctx, rec.SequenceID, kvSampleTokens)
	if err != nil {
		return Outcome{}, fmt.Errorf("reading kv of %s: %w", rec.SequenceID, err)
	}
	q, err := k.Quantize(sample.KV, sample.Layer, 0)
	if err != nil {
		return Outcome{}, err
	}
	restored, err := k.Dequantize(q, sample.Layer, 0)
	if err != nil {
		return Outcome{}, err
	}
	dev, mse := Deviation(sample.KV, restored)

	res, err := exec.Execute(ctx, action)
	if err != nil {
		return Outcome{}, err
	}
	logrus.Debugf("kivi %s: %s quantized to %d bits (deviation %.4f%%, mse %.3g)",
		k.desc.Name, rec.SequenceID, action.Bitwidth, dev, mse)
	return Outcome{Result: res, DeviationPct: dev, MSE: mse}, nil
}

// Revert dequantizes the tokens.
func (k *KIVI) Revert(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error) {
	res, err := exec.Execute(ctx, kvopt.Action{Kind: kvopt.ActionDequantize, SequenceID: rec.SequenceID, Tokens: rec.Tokens})
	return Outcome{Result: res}, err
}

// Deviation compares an original and a restored KV pair. It returns
// 100 x (1 - cosine similarity) and the mean squared error.
func Deviation(orig, restored KVData) (deviationPct, mse float64) {
	a := toFloat64(orig.Key.Data, orig.Value.Data)
	b := toFloat64(restored.Key.Data, restored.Value.Data)
	if len(a) == 0 || len(a) != len(b) {
		return 0, 0
	}
	d := floats.Distance(a, b, 2)
	mse = d * d / float64(len(a))

	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		if na == nb {
			return 0, mse
		}
		return 100, mse
	}
	cos := floats.Dot(a, b) / (na * nb)
	return math.Max(0, 100*(1-cos)), mse
}

func toFloat64(parts ...[]float32) []float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		for _, v := range p {
			out = append(out, float64(v))
		}
	}
	return out
}

// tokenChannels splits a shape into the token count and the flattened
// channel width.
func tokenChannels(shape []int) (int, int) {
	if len(shape) == 0 {
		return 0, 0
	}
	c := 1
	for _, d := range shape[1:] {
		c *= d
	}
	return shape[0], c
}

// forEachGroup yields the element indices of every quantization group in a
// fixed order shared by quantize and dequantize.
func forEachGroup(tokens, channels, gs int, perChannel bool, fn func(idx []int)) {
	idx := make([]int, 0, gs)
	if perChannel {
		for c := 0; c < channels; c++ {
			for t0 := 0; t0 < tokens; t0 += gs {
				idx = idx[:0]
				for t := t0; t < t0+gs && t < tokens; t++ {
					idx = append(idx, t*channels+c)
				}
				fn(idx)
			}
		}
		return
	}
	for t := 0; t < tokens; t++ {
		for c0 := 0; c0 < channels; c0 += gs {
			idx = idx[:0]
			for c := c0; c < c0+gs && c < channels; c++ {
				idx = append(idx, t*channels+c)
			}
			fn(idx)
		}
	}
}

func quantizeTensor(t KVTensor, bits, gs int, perChannel bool) (QuantizedTensor, error) {
	if bits < 1 || bits > 8 {
		return QuantizedTensor{}, fmt.Errorf("bitwidth %d out of range", bits)
	}
	if gs <= 0 {
		return QuantizedTensor{}, fmt.Errorf("group size %d must be positive", gs)
	}
	if len(t.Data) != t.Len() {
		return QuantizedTensor{}, fmt.Errorf("shape %v implies %d elements, got %d", t.Shape, t.Len(), len(t.Data))
	}
	q := QuantizedTensor{
		Shape:      append([]int(nil), t.Shape...),
		Bitwidth:   bits,
		GroupSize:  gs,
		PerChannel: perChannel,
		Codes:      make([]uint8, len(t.Data)),
	}
	maxCode := float64(int(1)<<bits - 1)
	tokens, channels := tokenChannels(t.Shape)
	forEachGroup(tokens, channels, gs, perChannel, func(idx []int) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := float64(t.Data[i])
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		scale := (hi - lo) / maxCode
		for _, i := range idx {
			code := 0.0
			if scale > 0 {
				code = math.Round((float64(t.Data[i]) - lo) / scale)
				code = math.Max(0, math.Min(maxCode, code))
			}
			q.Codes[i] = uint8(code)
		}
		q.Scales = append(q.Scales, float32(scale))
		q.Zeros = append(q.Zeros, float32(lo))
	})
	return q, nil
}

func dequantizeTensor(q QuantizedTensor) (KVTensor, error) {
	if q.GroupSize <= 0 {
		return KVTensor{}, fmt.Errorf("group size %d must be positive", q.GroupSize)
	}
	out := KVTensor{Shape: append([]int(nil), q.Shape...)}
	out.Data = make([]float32, out.Len())
	if len(q.Codes) != len(out.Data) {
		return KVTensor{}, fmt.Errorf("shape %v implies %d codes, got %d", q.Shape, len(out.Data), len(q.Codes))
	}
	tokens, channels := tokenChannels(q.Shape)
	g := 0
	var bad bool
	forEachGroup(tokens, channels, q.GroupSize, q.PerChannel, func(idx []int) {
		if g >= len(q.Scales) || g >= len(q.Zeros) {
			bad = true
			return
		}
		scale, zero := q.Scales[g], q.Zeros[g]
		for _, i := range idx {
			out.Data[i] = float32(q.Codes[i])*scale + zero
		}
		g++
	})
	if bad || g != len(q.Scales) {
		return KVTensor{}, fmt.Errorf("expected %d groups, have %d scales", g, len(q.Scales))
	}
	return out, nil
}
