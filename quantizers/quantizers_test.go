// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizers_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gptq/qgraph"
	"github.com/gomlx/gptq/quantizers"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

func buildTestBackend() backends.Backend {
	return backends.MustNew()
}

func steConfig(numBits int, threshold ...float64) *qgraph.WeightsQuantConfig {
	return &qgraph.WeightsQuantConfig{
		Enabled:       true,
		NumBits:       numBits,
		Signed:        true,
		Threshold:     threshold,
		MaxLSBsChange: 1,
	}
}

// quantizeExec compiles an eval/training forward of the quantizer.
func quantizeExec(backend backends.Backend, ctx *context.Context, q quantizers.Weight, training bool) *context.Exec {
	return context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return q.QuantizedGraph(g, training)
	})
}

func TestSTEWeightForward(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.7, 2.9, 0.05})
	q := quantizers.NewSTEWeight(ctx.In("dense").In("kernel"), steConfig(4, 2.0), weight)

	got := quantizeExec(backend, ctx, q, true).MustExec1()
	// delta = 2/8 = 0.25; codes are [1, -7, 12->7, 0].
	require.Equal(t, []float32{0.25, -1.75, 1.75, 0}, got.Value())
}

func TestSTEWeightOutputsOnGrid(t *testing.T) {
	backend := buildTestBackend()
	weight := tensors.FromValue([]float32{0.017, -0.3, 0.77, -1.9, 2.4, -3.3, 0.5, 1.21})
	for _, numBits := range []int{2, 4, 8} {
		for _, threshold := range []float64{0.5, 1.0, 2.7} {
			t.Run(fmt.Sprintf("bits=%d/threshold=%g", numBits, threshold), func(t *testing.T) {
				ctx := context.New()
				q := quantizers.NewSTEWeight(ctx.In("kernel"), steConfig(numBits, threshold), weight)
				got := quantizeExec(backend, ctx, q, true).MustExec1()

				delta := threshold / math.Exp2(float64(numBits-1))
				for _, v := range tensors.MustCopyFlatData[float32](got) {
					code := float64(v) / delta
					require.InDelta(t, math.Round(code), code, 1e-3,
						"output %v is not a multiple of delta %v", v, delta)
					require.LessOrEqual(t, float64(v), threshold)
					require.GreaterOrEqual(t, float64(v), -threshold)
				}
			})
		}
	}
}

func TestSTEWeightAuxPerturbation(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, 0.3, 0.3, 0.3})
	q := quantizers.NewSTEWeight(ctx.In("kernel"), steConfig(4, 2.0), weight)

	// aux shifts the code by aux/delta before rounding, and is clipped to
	// one quantization step (0.25): the last entry saturates.
	aux := q.AuxVariables()[0]
	require.NoError(t, aux.SetValue(tensors.FromValue([]float32{0.2, -0.1, 0, 10})))

	got := quantizeExec(backend, ctx, q, true).MustExec1()
	// Base code round(1.2)=1; codes: round(1+0.8)=2, round(1-0.4)=1, 1, round(1+1)=2.
	require.Equal(t, []float32{0.5, 0.25, 0.25, 0.5}, got.Value())
}

func TestSTEWeightGradientIsIdentity(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.7, 1.2, 0.05})
	q := quantizers.NewSTEWeight(ctx.In("kernel"), steConfig(4, 2.0), weight)

	// d(sum(quantized))/d(aux) must be all ones: rounding and clipping are
	// straight-through, delta and 1/delta cancel.
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		loss := ReduceAllSum(q.QuantizedGraph(g, true))
		return Gradient(loss, q.AuxVariables()[0].ValueGraph(g))[0]
	})
	got := exec.MustExec1()
	require.Equal(t, []float32{1, 1, 1, 1}, got.Value())
}

func TestSTEWeightPerChannel(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([][]float32{{0.3, 0.3, 0.3}, {-0.9, -0.9, -0.9}})
	cfg := &qgraph.WeightsQuantConfig{
		Enabled:       true,
		NumBits:       4,
		Signed:        true,
		PerChannel:    true,
		ChannelAxis:   1,
		Threshold:     []float64{1, 2, 4},
		MaxLSBsChange: 1,
	}
	q := quantizers.NewSTEWeight(ctx.In("kernel"), cfg, weight)

	got := quantizeExec(backend, ctx, q, true).MustExec1()
	// deltas per column: 0.125, 0.25, 0.5.
	require.Equal(t, [][]float32{{0.25, 0.25, 0.5}, {-0.875, -1, -1}}, got.Value())
}

func TestSTEWeightPowerOfTwo(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.7})
	cfg := steConfig(4, 1.5)
	cfg.PowerOfTwo = true
	q := quantizers.NewSTEWeight(ctx.In("kernel"), cfg, weight)

	got := quantizeExec(backend, ctx, q, true).MustExec1()
	// Threshold snaps to 2, so delta is 0.25 (up to float error in the snap).
	values := tensors.MustCopyFlatData[float32](got)
	require.InDelta(t, 0.25, values[0], 1e-5)
	require.InDelta(t, -1.75, values[1], 1e-5)

	// The threshold variable itself keeps the annotated value.
	finalCfg, err := q.FinalWeightsConfig()
	require.NoError(t, err)
	require.Equal(t, []float64{1.5}, finalCfg[qgraph.ThresholdKey])
}

func TestSTEWeightRejectsBadConfigs(t *testing.T) {
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3})
	require.Panics(t, func() {
		quantizers.NewSTEWeight(ctx.In("a"), steConfig(1, 2.0), weight)
	})
	require.Panics(t, func() {
		quantizers.NewSTEWeight(ctx.In("b"), steConfig(4, -2.0), weight)
	})
	require.Panics(t, func() {
		quantizers.NewSTEWeight(ctx.In("c"), steConfig(4, 1.0, 2.0), weight)
	})
}

func TestSoftRoundingInitMatchesFloat(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.2, 0.9, -0.05})
	q := quantizers.NewSoftRoundingWeight(ctx.In("kernel"), steConfig(4, 2.0), weight, 10, false)

	// The aux initialization makes the soft forward reproduce the float
	// weights before any training.
	got := quantizeExec(backend, ctx, q, true).MustExec1()
	want := tensors.MustCopyFlatData[float32](weight)
	for ii, v := range tensors.MustCopyFlatData[float32](got) {
		require.InDelta(t, want[ii], v, 1e-4)
	}
}

func TestSoftRoundingEvalHardRounds(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.2, 0.9, -0.05})
	q := quantizers.NewSoftRoundingWeight(ctx.In("kernel"), steConfig(4, 2.0), weight, 10, false)

	got := quantizeExec(backend, ctx, q, false).MustExec1()
	// delta = 0.25; fractions [0.2, 0.2, 0.6, 0.8] commit to [0, 0, 1, 1].
	require.Equal(t, []float32{0.25, -1.25, 1, 0}, got.Value())
}

func TestSoftRoundingRegularization(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.2, 0.9, -0.05})
	q := quantizers.NewSoftRoundingWeight(ctx.In("kernel"), steConfig(4, 2.0), weight, 10, false)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return q.RegularizationGraph(g)
	})

	// All rounding decisions start fractional, so the penalty is positive,
	// and each execution advances the iteration counter.
	reg := exec.MustExec1()
	require.Greater(t, tensors.ToScalar[float32](reg), float32(0))
	reg = exec.MustExec1()
	require.Greater(t, tensors.ToScalar[float32](reg), float32(0))

	counter, err := ctx.In("kernel").GetVariable(quantizers.IterationsVarName).Value()
	require.NoError(t, err)
	require.Equal(t, int64(2), tensors.ToScalar[int64](counter))
}

func TestSoftRoundingThresholdLearning(t *testing.T) {
	ctx := context.New()
	weight := tensors.FromValue([]float32{0.3, -1.2})

	frozen := quantizers.NewSoftRoundingWeight(ctx.In("frozen"), steConfig(4, 2.0), weight, 10, false)
	require.Empty(t, frozen.QuantParamVariables())

	learned := quantizers.NewSoftRoundingWeight(ctx.In("learned"), steConfig(4, 2.0), weight, 10, true)
	require.Len(t, learned.QuantParamVariables(), 1)
	require.True(t, learned.QuantParamVariables()[0].Trainable)
}

func TestActivationFixed(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	cfg := &qgraph.ActivationQuantConfig{Enabled: true, NumBits: 4, Signed: true, Threshold: 2.0}
	q := quantizers.NewActivation(ctx.In("relu"), cfg, false, 0)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return q.QuantizeGraph(x, true)
	})
	got := exec.MustExec1([]float32{0.3, -1.7, 2.9, 0.05})
	require.Equal(t, []float32{0.25, -1.75, 1.75, 0}, got.Value())
}

func TestActivationGradualSchedule(t *testing.T) {
	backend := buildTestBackend()
	ctx := context.New()
	cfg := &qgraph.ActivationQuantConfig{Enabled: true, NumBits: 4, Signed: true, Threshold: 2.0}
	q := quantizers.NewActivation(ctx.In("relu"), cfg, true, 2)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return q.QuantizeGraph(x, true)
	})

	// Step 0: fraction 0, the input passes through unquantized.
	got := exec.MustExec1([]float32{0.3, -1.7})
	require.Equal(t, []float32{0.3, -1.7}, got.Value())

	// Step 1 of 2: the output is halfway between float and quantized.
	got = exec.MustExec1([]float32{0.3, -1.7})
	halfway := []float32{(0.3 + 0.25) / 2, (-1.7 - 1.75) / 2}
	for ii, v := range tensors.MustCopyFlatData[float32](got) {
		require.InDelta(t, halfway[ii], v, 1e-6)
	}

	// Step 2 on: fully quantized.
	got = exec.MustExec1([]float32{0.3, -1.7})
	require.Equal(t, []float32{0.25, -1.75}, got.Value())
}
