// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizers

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gptq/qgraph"
)

// STEWeight quantizes a weight tensor symmetrically with a learnable
// perturbation, using straight-through gradients for the discrete rounding and
// clipping steps.
//
// The float weight is frozen; what trains is an auxiliary tensor of the same
// shape whose effect on the integer code is bounded to ±MaxLSBsChange
// quantization steps. The forward pass is therefore always an exact fixed-point
// quantization of (weight + clipped aux), while gradients reach the aux
// variable as if rounding and clipping were the identity.
type STEWeight struct {
	cfg    *qgraph.WeightsQuantConfig
	weight *tensors.Tensor

	threshold  *context.Variable
	aux        *context.Variable
	iterations *context.Variable
}

var _ Weight = (*STEWeight)(nil)

// NewSTEWeight creates the quantizer for one weight tensor and registers its
// variables in ctx (callers scope ctx to the layer/weight first). The
// threshold variable holds the annotated threshold values and is not trained
// under this policy; the aux variable starts at zero and is trainable.
//
// It panics on invalid annotations, following the graph building convention.
func NewSTEWeight(ctx *context.Context, cfg *qgraph.WeightsQuantConfig, weight *tensors.Tensor) *STEWeight {
	validateWeightConfig(cfg, weight.Shape())
	if cfg.MaxLSBsChange < 1 {
		cfg = cfg.Clone()
		cfg.MaxLSBsChange = 1
	}
	q := &STEWeight{
		cfg:    cfg,
		weight: weight,
	}
	q.threshold = ctx.VariableWithValue(ThresholdVarName, thresholdTensor(weight.DType(), cfg)).
		SetTrainable(false)
	q.aux = ctx.VariableWithValue(AuxVarName, tensors.FromShape(weight.Shape())).
		SetTrainable(true)
	q.iterations = ctx.VariableWithValue(IterationsVarName, int64(0)).
		SetTrainable(false)
	return q
}

// QuantizedGraph implements Weight. The forward computation is the same in
// training and eval mode.
func (q *STEWeight) QuantizedGraph(g *Graph, training bool) *Node {
	w := ConstCachedTensor(g, q.weight)
	t := q.threshold.ValueGraph(g)
	if q.cfg.PerChannel {
		t = broadcastThreshold(t, q.weight.Shape(), q.cfg.ChannelAxis)
	}
	if q.cfg.PowerOfTwo {
		t = powerOfTwoCeil(t)
	}
	delta := quantStep(t, q.cfg.NumBits, q.cfg.Signed)

	// The base integer code of the frozen float weight.
	base := StopGradient(Round(Div(w, delta)))

	// Perturb by the aux variable, bounded to MaxLSBsChange quantization steps,
	// and round to an integer code again.
	maxChange := MulScalar(delta, float64(q.cfg.MaxLSBsChange))
	aux := q.aux.ValueGraph(g)
	code := steRound(Add(base, Div(steClip(aux, maxChange), delta)))

	minInt, maxInt := intRange(q.cfg.NumBits, q.cfg.Signed)
	return Mul(delta, steClipScalar(code, minInt, maxInt))
}

// RegularizationGraph implements Weight. Plain straight-through rounding has
// no regularization term.
func (q *STEWeight) RegularizationGraph(g *Graph) *Node { return nil }

// AuxVariables implements Weight.
func (q *STEWeight) AuxVariables() []*context.Variable {
	return []*context.Variable{q.aux}
}

// QuantParamVariables implements Weight: the threshold is frozen under this
// policy.
func (q *STEWeight) QuantParamVariables() []*context.Variable { return nil }

// FinalWeightsConfig implements Weight, returning the threshold variable's
// final values with the annotated length.
func (q *STEWeight) FinalWeightsConfig() (map[string]any, error) {
	value, err := q.threshold.Value()
	if err != nil {
		return nil, err
	}
	return map[string]any{qgraph.ThresholdKey: readFlatFloat64(value)}, nil
}
