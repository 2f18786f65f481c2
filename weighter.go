// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"io"
	"math"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gptq/qgraph"
	"github.com/pkg/errors"
)

// uniformWeights is the loss-weight vector when jacobian weighting is
// disabled: every compare point weighs the same.
func uniformWeights(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1 / float64(n)
	}
	return weights
}

// jacobianLossWeights estimates how much each compare point influences the
// model output, to weigh the per-point losses accordingly.
//
// Per sample drawn from ds, it runs cfg.powerIterations random projections
// on the float graph: draw v ~ N(0,1) shaped like each (replacement) output,
// backpropagate sum(out*v) to the compare-point activations and score each
// point by the mean squared gradient entry. Scores are averaged over
// iterations, optionally normalized to sum one per sample, then averaged
// across samples. With cfg.logNorm, exact-zero averages are replaced by the
// second-smallest average before taking log10 and shifting the minimum to
// zero.
func jacobianLossWeights(backend backends.Backend, ctx *context.Context,
	graphFloat *qgraph.Graph, points []comparePoint,
	cfg *Config, ds train.Dataset) ([]float64, error) {
	replacements, err := outputReplacements(graphFloat)
	if err != nil {
		return nil, err
	}
	samples, err := gatherSamples(ds, cfg.samplesForLoss, cfg.diagnostics)
	if err != nil {
		return nil, err
	}

	if ctx.GetVariableByScopeAndName(context.RootScope, context.RNGStateVariableName) == nil {
		if err := ctx.ResetRNGState(); err != nil {
			return nil, errors.WithMessage(err, "initializing the random state for loss-weight estimation")
		}
	}
	exec, err := context.NewExec(backend, ctx.In("weighter"),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			g := inputs[0].Graph()
			outs := graphFloat.Forward(inputs, nil, nil)
			var projected *graph.Node
			for _, replacement := range replacements {
				out := outs[replacement]
				v := ctx.RandomNormal(g, out.Shape())
				term := graph.ReduceAllSum(graph.Mul(out, v))
				if projected == nil {
					projected = term
				} else {
					projected = graph.Add(projected, term)
				}
			}
			pointNodes := make([]*graph.Node, len(points))
			for i, p := range points {
				pointNodes[i] = outs[p.node]
			}
			grads := graph.Gradient(projected, pointNodes...)
			scores := make([]*graph.Node, len(grads))
			for i, grad := range grads {
				scores[i] = graph.ReduceAllMean(graph.Square(grad))
			}
			return scores
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building the loss-weight estimation graph")
	}

	n := len(points)
	sums := make([]float64, n)
	sampleScores := make([]float64, n)
	for si, sample := range samples {
		cfg.diagnostics.Infof("estimating loss weights: sample %d of %d", si+1, len(samples))
		for i := range sampleScores {
			sampleScores[i] = 0
		}
		for it := 0; it < cfg.powerIterations; it++ {
			outs, err := exec.Exec(tensorsAsArgs(sample)...)
			if err != nil {
				return nil, errors.WithMessagef(err, "loss-weight estimation failed on sample %d", si)
			}
			for i, t := range outs {
				score, err := scalarToFloat64(t)
				if err != nil {
					return nil, err
				}
				sampleScores[i] += score
			}
		}
		total := 0.0
		for i := range sampleScores {
			sampleScores[i] /= float64(cfg.powerIterations)
			total += sampleScores[i]
		}
		if cfg.normWeights && total > 0 {
			for i := range sampleScores {
				sampleScores[i] /= total
			}
		}
		for i := range sums {
			sums[i] += sampleScores[i]
		}
	}

	avg := make([]float64, n)
	for i := range avg {
		avg[i] = sums[i] / float64(len(samples))
	}
	if !cfg.logNorm {
		return avg, nil
	}
	return logNormalize(avg), nil
}

// logNormalize rescales jacobian scores to log10 space shifted so the
// smallest weight is exactly zero. Zero scores would map to -Inf, so they
// are first replaced by the second smallest score (which, with at least one
// zero present, is the smallest non-zero one).
func logNormalize(weights []float64) []float64 {
	if len(weights) >= 2 {
		sorted := make([]float64, len(weights))
		copy(sorted, weights)
		sort.Float64s(sorted)
		secondSmallest := sorted[1]
		for i, w := range weights {
			if w == 0 {
				weights[i] = secondSmallest
			}
		}
	}
	minLog := math.Inf(1)
	for i, w := range weights {
		weights[i] = math.Log10(w)
		if weights[i] < minLog {
			minLog = weights[i]
		}
	}
	for i := range weights {
		weights[i] -= minLog
	}
	return weights
}

// gatherSamples pulls batches from ds until want samples are collected,
// slicing each batch into single-sample input lists (leading dimension 1).
// A dataset exhausted early is a warning; a dataset yielding nothing is an
// error. The dataset is reset before and after.
func gatherSamples(ds train.Dataset, want int, diag Diagnostics) ([][]*tensors.Tensor, error) {
	ds.Reset()
	defer ds.Reset()
	var samples [][]*tensors.Tensor
	for len(samples) < want {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessage(err, "gathering samples for loss-weight estimation")
		}
		if len(inputs) == 0 {
			return nil, errors.Errorf("dataset %q yielded a batch with no inputs", ds.Name())
		}
		if inputs[0].Rank() == 0 {
			return nil, errors.Errorf("dataset %q yielded a scalar input, expected a leading batch dimension", ds.Name())
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		for i := 0; i < batchSize && len(samples) < want; i++ {
			sample := make([]*tensors.Tensor, len(inputs))
			for j, input := range inputs {
				sample[j], err = sliceSample(input, i)
				if err != nil {
					return nil, err
				}
			}
			samples = append(samples, sample)
		}
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("dataset %q yielded no batches, cannot estimate loss weights", ds.Name())
	}
	if len(samples) < want {
		diag.Warningf("dataset %q ran out after %d samples, wanted %d for loss-weight estimation",
			ds.Name(), len(samples), want)
	}
	return samples, nil
}

// sliceSample extracts sample i from a batched tensor, keeping a leading
// dimension of one.
func sliceSample(t *tensors.Tensor, i int) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	batchSize := dims[0]
	if i < 0 || i >= batchSize {
		return nil, errors.Errorf("sample index %d out of range for batch of %d", i, batchSize)
	}
	per := t.Shape().Size() / batchSize
	sampleDims := make([]int, len(dims))
	copy(sampleDims, dims)
	sampleDims[0] = 1
	switch t.DType() {
	case dtypes.Float32:
		flat := tensors.MustCopyFlatData[float32](t)
		return tensors.FromFlatDataAndDimensions(flat[i*per:(i+1)*per], sampleDims...), nil
	case dtypes.Float64:
		flat := tensors.MustCopyFlatData[float64](t)
		return tensors.FromFlatDataAndDimensions(flat[i*per:(i+1)*per], sampleDims...), nil
	}
	return nil, errors.Errorf("unsupported input dtype %s for loss-weight estimation", t.DType())
}

// scalarToFloat64 reads a scalar tensor of any float dtype.
func scalarToFloat64(t *tensors.Tensor) (float64, error) {
	switch t.DType() {
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t)), nil
	case dtypes.Float64:
		return tensors.ToScalar[float64](t), nil
	}
	return 0, errors.Errorf("expected a float scalar, got shape %s", t.Shape())
}

// tensorsAsArgs converts a tensor list to the variadic argument form of
// Exec.
func tensorsAsArgs(ts []*tensors.Tensor) []any {
	args := make([]any, len(ts))
	for i, t := range ts {
		args[i] = t
	}
	return args
}
