// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantizers implements the differentiable quantization operators used
// by the GPTQ trainer.
//
// A weight quantizer owns the trainable parameters attached to one weight
// tensor of a wrapped layer (the auxiliary perturbation, the threshold, an
// iteration counter) as context.Variables, and knows how to build the
// quantized version of that weight onto a GoMLX computation graph. Two rounding
// policies are provided: STEWeight, plain straight-through rounding with a
// bounded learnable perturbation, and SoftRoundingWeight, soft (relaxed)
// rounding with a temperature-annealed regularization that pushes every
// perturbation to a hard 0/1 decision by the end of training.
//
// Activation implements the fixed fake-quantization of activations, optionally
// annealed in gradually ("gradual activation quantization") so early training
// steps see the float activations.
//
// All quantization here is symmetric and uniform: a threshold t and a bit
// width b define the step size delta = t / 2^(b-signed), and quantized values
// are integer multiples of delta within the integer range
// [-signed·2^(b-signed), 2^(b-signed)-1].
package quantizers

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gptq/qgraph"
)

// Names of the context.Variables a weight quantizer creates in its scope.
const (
	ThresholdVarName  = "threshold"
	AuxVarName        = "aux"
	IterationsVarName = "iterations"
)

// Weight is the contract of a trainable weight quantizer. Implementations are
// bound to one weight tensor at construction and create their parameters as
// variables in the context scope they were given.
//
// Graph-building methods must be called from within a graph function executed
// by a context.Exec built on the same context, so the variables are properly
// fed and updated.
type Weight interface {
	// QuantizedGraph builds and returns the quantized weight. Training
	// selects the training-mode forward (for SoftRoundingWeight the soft
	// rounding; eval mode rounds hard).
	QuantizedGraph(g *Graph, training bool) *Node

	// RegularizationGraph builds the rounding-policy penalty term (a scalar),
	// or returns nil when the policy has none. Building it also advances the
	// quantizer's iteration counter on every execution.
	RegularizationGraph(g *Graph) *Node

	// AuxVariables returns the trainable auxiliary perturbation variables.
	AuxVariables() []*context.Variable

	// QuantParamVariables returns the trainable quantization parameter
	// variables (thresholds). Empty when the policy does not train them.
	QuantParamVariables() []*context.Variable

	// FinalWeightsConfig returns the quantization attributes changed by
	// training, to be recorded on the graph node. The "threshold" entry holds
	// the final threshold as a []float64 of the originally annotated length.
	FinalWeightsConfig() (map[string]any, error)
}

// steRound rounds x with a straight-through derivative: the forward value is
// Round(x), the backward rule passes the adjoint through unchanged.
func steRound(x *Node) *Node {
	return Add(x, StopGradient(Sub(Round(x), x)))
}

// steClip clips x to [-bound, bound] with a straight-through derivative
// (bound broadcasts, so it can be a per-channel tensor).
func steClip(x, bound *Node) *Node {
	clipped := Clip(x, Neg(bound), bound)
	return Add(x, StopGradient(Sub(clipped, x)))
}

// steClipScalar clips x to [min, max] with a straight-through derivative.
func steClipScalar(x *Node, min, max float64) *Node {
	return Add(x, StopGradient(Sub(ClipScalar(x, min, max), x)))
}

// powerOfTwoCeil snaps t up to the nearest power of two, 2^ceil(log2(t)).
// Its derivative is zero almost everywhere.
func powerOfTwoCeil(t *Node) *Node {
	return Exp(MulScalar(Ceil(DivScalar(Log(t), math.Ln2)), math.Ln2))
}

// quantStep returns the quantization step size delta = t / 2^(numBits-signed).
func quantStep(t *Node, numBits int, signed bool) *Node {
	return MulScalar(t, 1.0/math.Exp2(float64(numBits-boolToInt(signed))))
}

// intRange returns the valid integer code range for the bit width.
func intRange(numBits int, signed bool) (minInt, maxInt float64) {
	s := boolToInt(signed)
	maxInt = math.Exp2(float64(numBits-s)) - 1
	minInt = -float64(s) * math.Exp2(float64(numBits-s))
	return
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// broadcastThreshold reshapes a per-channel threshold vector so it broadcasts
// against a weight of the given shape along channelAxis.
func broadcastThreshold(t *Node, weightShape shapes.Shape, channelAxis int) *Node {
	dims := make([]int, weightShape.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[channelAxis] = weightShape.Dimensions[channelAxis]
	return Reshape(t, dims...)
}

// validateWeightConfig panics on annotation errors a quantizer cannot work
// with: disabled config, bit width below 2, non-positive or wrongly sized
// thresholds, channel axis out of range.
func validateWeightConfig(cfg *qgraph.WeightsQuantConfig, weightShape shapes.Shape) {
	if cfg == nil || !cfg.Enabled {
		Panicf("quantizers: weight quantization config is nil or disabled")
	}
	if cfg.NumBits < 2 {
		Panicf("quantizers: bit width must be at least 2, got %d", cfg.NumBits)
	}
	if cfg.PerChannel {
		if cfg.ChannelAxis < 0 || cfg.ChannelAxis >= weightShape.Rank() {
			Panicf("quantizers: channel axis %d out of range for weight shape %s",
				cfg.ChannelAxis, weightShape)
		}
		if len(cfg.Threshold) != weightShape.Dimensions[cfg.ChannelAxis] {
			Panicf("quantizers: per-channel quantization needs %d thresholds for weight shape %s (axis %d), got %d",
				weightShape.Dimensions[cfg.ChannelAxis], weightShape, cfg.ChannelAxis, len(cfg.Threshold))
		}
	} else if len(cfg.Threshold) != 1 {
		Panicf("quantizers: per-tensor quantization takes exactly one threshold, got %d", len(cfg.Threshold))
	}
	for _, t := range cfg.Threshold {
		if !(t > 0) {
			Panicf("quantizers: thresholds must be positive, got %v", cfg.Threshold)
		}
	}
}

// thresholdTensor builds the initial threshold variable value in the weight's
// dtype: a scalar for per-tensor quantization, a vector otherwise.
func thresholdTensor(dtype dtypes.DType, cfg *qgraph.WeightsQuantConfig) *tensors.Tensor {
	if cfg.PerChannel {
		return tensorFromFloat64(dtype, cfg.Threshold, len(cfg.Threshold))
	}
	return tensorFromFloat64(dtype, cfg.Threshold)
}

// tensorFromFloat64 converts host float64 values into a tensor of the given
// float dtype. Weight quantization only supports float kernels.
func tensorFromFloat64(dtype dtypes.DType, values []float64, dimensions ...int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		data := make([]float32, len(values))
		for ii, v := range values {
			data[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(data, dimensions...)
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(append([]float64(nil), values...), dimensions...)
	default:
		Panicf("quantizers: unsupported weight dtype %s, only Float32 and Float64 kernels can be quantized", dtype)
	}
	return nil
}

// readFlatFloat64 copies a float tensor's flat data into a []float64.
func readFlatFloat64(t *tensors.Tensor) []float64 {
	values := make([]float64, t.Size())
	switch t.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData(t, func(flat []float32) {
			for ii, v := range flat {
				values[ii] = float64(v)
			}
		})
	case dtypes.Float64:
		tensors.MustConstFlatData(t, func(flat []float64) {
			copy(values, flat)
		})
	default:
		Panicf("quantizers: unsupported weight dtype %s, only Float32 and Float64 kernels can be quantized", t.DType())
	}
	return values
}
