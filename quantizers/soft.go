// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizers

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gptq/qgraph"
)

// Rectified sigmoid stretch bounds and temperature-annealing schedule of the
// soft rounding policy (AdaRound).
const (
	softZeta  = 1.1
	softGamma = -0.1

	betaStart      = 20.0
	betaEnd        = 2.0
	warmupFraction = 0.2
)

// SoftRoundingWeight quantizes a weight tensor with soft (relaxed) rounding:
// instead of rounding w/delta to the nearest integer, it takes the floor and
// adds a continuous rounding decision h(aux) in [0, 1], the rectified sigmoid
//
//	h(a) = Clip(Sigmoid(a)·(ζ-γ)+γ, 0, 1), ζ=1.1, γ=-0.1.
//
// The aux variable is initialized so h(aux) reproduces the fractional part of
// w/delta, making the initial training forward equal to the float weight (up
// to range clipping). The regularization term Σ (1-|2h(a)-1|^β) pushes every
// decision to a hard 0 or 1 as the temperature β anneals from 20 down to 2
// over training; eval mode rounds hard (h ≥ 0.5).
//
// With threshold learning enabled the threshold variable is trainable and
// exposed through QuantParamVariables.
type SoftRoundingWeight struct {
	cfg    *qgraph.WeightsQuantConfig
	weight *tensors.Tensor

	totalSteps     int
	learnThreshold bool

	threshold  *context.Variable
	aux        *context.Variable
	iterations *context.Variable
}

var _ Weight = (*SoftRoundingWeight)(nil)

// NewSoftRoundingWeight creates the quantizer for one weight tensor and
// registers its variables in ctx (callers scope ctx to the layer/weight
// first). totalSteps is the planned number of training steps, known in advance
// from the dataset dry run, and drives the β annealing; it may be zero when
// training is going to be skipped.
//
// It panics on invalid annotations, following the graph building convention.
func NewSoftRoundingWeight(ctx *context.Context, cfg *qgraph.WeightsQuantConfig, weight *tensors.Tensor,
	totalSteps int, learnThreshold bool) *SoftRoundingWeight {
	validateWeightConfig(cfg, weight.Shape())
	q := &SoftRoundingWeight{
		cfg:            cfg,
		weight:         weight,
		totalSteps:     totalSteps,
		learnThreshold: learnThreshold,
	}
	q.threshold = ctx.VariableWithValue(ThresholdVarName, thresholdTensor(weight.DType(), cfg)).
		SetTrainable(learnThreshold)
	q.aux = ctx.VariableWithValue(AuxVarName, softAuxInit(weight, cfg)).
		SetTrainable(true)
	q.iterations = ctx.VariableWithValue(IterationsVarName, int64(0)).
		SetTrainable(false)
	return q
}

// stepSizeGraph builds the per-channel (or scalar) quantization step from the
// threshold variable.
func (q *SoftRoundingWeight) stepSizeGraph(g *Graph) *Node {
	t := q.threshold.ValueGraph(g)
	if q.cfg.PerChannel {
		t = broadcastThreshold(t, q.weight.Shape(), q.cfg.ChannelAxis)
	}
	if q.cfg.PowerOfTwo {
		t = powerOfTwoCeil(t)
	}
	return quantStep(t, q.cfg.NumBits, q.cfg.Signed)
}

// softTargetsGraph builds the rounding decisions h(aux) in [0, 1].
func (q *SoftRoundingWeight) softTargetsGraph(g *Graph) *Node {
	aux := q.aux.ValueGraph(g)
	return ClipScalar(AddScalar(MulScalar(Sigmoid(aux), softZeta-softGamma), softGamma), 0, 1)
}

// QuantizedGraph implements Weight.
func (q *SoftRoundingWeight) QuantizedGraph(g *Graph, training bool) *Node {
	w := ConstCachedTensor(g, q.weight)
	delta := q.stepSizeGraph(g)
	wFloor := Floor(Div(w, delta))

	h := q.softTargetsGraph(g)
	if !training {
		// Hard rounding: commit each decision to 0 or 1.
		h = ConvertDType(GreaterOrEqual(h, ConstAs(h, 0.5)), h.DType())
	}

	minInt, maxInt := intRange(q.cfg.NumBits, q.cfg.Signed)
	return Mul(delta, ClipScalar(Add(wFloor, h), minInt, maxInt))
}

// RegularizationGraph implements Weight: Σ (1-|2h(a)-1|^β) with β annealed
// linearly from betaStart to betaEnd after a warmup fraction of the total
// steps. Each execution advances the iteration counter.
func (q *SoftRoundingWeight) RegularizationGraph(g *Graph) *Node {
	itCounter := q.iterations.ValueGraph(g)
	q.iterations.SetValueGraph(Add(itCounter, OnesLike(itCounter)))

	h := q.softTargetsGraph(g)
	step := ConvertDType(itCounter, h.DType())
	beta := q.betaGraph(step)
	return ReduceAllSum(OneMinus(Pow(Abs(SubScalar(MulScalar(h, 2), 1)), beta)))
}

// betaGraph builds the annealed temperature for the given step: betaStart
// during warmup, then decaying linearly to betaEnd at the last step.
func (q *SoftRoundingWeight) betaGraph(step *Node) *Node {
	if q.totalSteps < 1 {
		// Degenerate schedule, only reachable when training is skipped.
		return ConstAs(step, betaEnd)
	}
	tMax := float64(q.totalSteps)
	startDecay := warmupFraction * tMax
	relT := OneMinus(MulScalar(AddScalar(step, -startDecay), 1/(tMax-startDecay)))
	decayed := AddScalar(MulScalar(MaxScalar(relT, 0), betaStart-betaEnd), betaEnd)
	return Where(LessThan(step, ConstAs(step, startDecay)), ConstAs(step, betaStart), decayed)
}

// AuxVariables implements Weight.
func (q *SoftRoundingWeight) AuxVariables() []*context.Variable {
	return []*context.Variable{q.aux}
}

// QuantParamVariables implements Weight.
func (q *SoftRoundingWeight) QuantParamVariables() []*context.Variable {
	if !q.learnThreshold {
		return nil
	}
	return []*context.Variable{q.threshold}
}

// FinalWeightsConfig implements Weight, returning the threshold variable's
// final values with the annotated length.
func (q *SoftRoundingWeight) FinalWeightsConfig() (map[string]any, error) {
	value, err := q.threshold.Value()
	if err != nil {
		return nil, err
	}
	return map[string]any{qgraph.ThresholdKey: readFlatFloat64(value)}, nil
}

// softAuxInit computes the aux values for which h(aux) equals the fractional
// part of w/delta, element by element, so training starts from the float
// weights. The inverse of the rectified sigmoid is well defined here: the
// fraction lies in [0, 1) and γ < 0 < 1 < ζ keep the logit argument positive.
func softAuxInit(weight *tensors.Tensor, cfg *qgraph.WeightsQuantConfig) *tensors.Tensor {
	flat := readFlatFloat64(weight)
	steps := hostQuantSteps(cfg)

	// Row-major stride of the channel axis, to locate each element's channel.
	channelStride := 1
	channels := 1
	if cfg.PerChannel {
		dims := weight.Shape().Dimensions
		channels = dims[cfg.ChannelAxis]
		for _, dim := range dims[cfg.ChannelAxis+1:] {
			channelStride *= dim
		}
	}

	aux := make([]float64, len(flat))
	for ii, w := range flat {
		delta := steps[(ii/channelStride)%channels]
		scaled := w / delta
		rest := scaled - math.Floor(scaled)
		p := (rest - softGamma) / (softZeta - softGamma)
		aux[ii] = math.Log(p / (1 - p))
	}
	return tensorFromFloat64(weight.DType(), aux, weight.Shape().Dimensions...)
}

// hostQuantSteps computes the quantization step per threshold entry on the
// host, mirroring stepSizeGraph.
func hostQuantSteps(cfg *qgraph.WeightsQuantConfig) []float64 {
	steps := make([]float64, len(cfg.Threshold))
	scale := 1.0 / math.Exp2(float64(cfg.NumBits-boolToInt(cfg.Signed)))
	for ii, t := range cfg.Threshold {
		if cfg.PowerOfTwo {
			t = math.Exp2(math.Ceil(math.Log2(t)))
		}
		steps[ii] = t * scale
	}
	return steps
}
