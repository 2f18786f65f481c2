// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizers

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gptq/qgraph"
)

// Activation fake-quantizes an activation tensor with fixed (non-trainable)
// symmetric parameters: rounding uses a straight-through gradient, range
// clipping keeps its real (masked) gradient, so back-propagation through the
// student still works.
//
// With gradual mode on, the output is the mix (1-f)·x + f·q(x) with the
// quantized fraction f annealed linearly from 0 to 1 over the planned training
// steps, so early steps train against float activations. An iteration counter
// variable drives the schedule and advances on every training-mode execution.
type Activation struct {
	cfg *qgraph.ActivationQuantConfig

	gradual    bool
	totalSteps int
	iterations *context.Variable
}

// NewActivation creates the activation quantizer, registering its iteration
// counter in ctx when gradual annealing is requested (callers scope ctx to the
// node first).
//
// It panics on invalid annotations, following the graph building convention.
func NewActivation(ctx *context.Context, cfg *qgraph.ActivationQuantConfig, gradual bool, totalSteps int) *Activation {
	if cfg == nil || !cfg.Enabled {
		Panicf("quantizers: activation quantization config is nil or disabled")
	}
	if cfg.NumBits < 2 {
		Panicf("quantizers: bit width must be at least 2, got %d", cfg.NumBits)
	}
	if !(cfg.Threshold > 0) {
		Panicf("quantizers: activation threshold must be positive, got %v", cfg.Threshold)
	}
	q := &Activation{
		cfg:        cfg,
		gradual:    gradual,
		totalSteps: totalSteps,
	}
	if gradual {
		q.iterations = ctx.VariableWithValue(IterationsVarName, int64(0)).
			SetTrainable(false)
	}
	return q
}

// QuantizeGraph builds the (fake-)quantized activation. In gradual mode and
// training, the quantized fraction follows the annealing schedule and the
// iteration counter advances; outside training the activation is fully
// quantized.
func (q *Activation) QuantizeGraph(x *Node, training bool) *Node {
	delta := q.cfg.Threshold / math.Exp2(float64(q.cfg.NumBits-boolToInt(q.cfg.Signed)))
	minInt, maxInt := intRange(q.cfg.NumBits, q.cfg.Signed)
	quantized := MulScalar(ClipScalar(steRound(DivScalar(x, delta)), minInt, maxInt), delta)
	if !q.gradual {
		return quantized
	}
	if !training {
		return quantized
	}

	itCounter := q.iterations.ValueGraph(x.Graph())
	q.iterations.SetValueGraph(Add(itCounter, OnesLike(itCounter)))

	totalSteps := q.totalSteps
	if totalSteps < 1 {
		totalSteps = 1
	}
	fraction := MinScalar(MulScalar(ConvertDType(itCounter, x.DType()), 1/float64(totalSteps)), 1)
	return Add(Mul(OneMinus(fraction), x), Mul(fraction, quantized))
}
