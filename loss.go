// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// LossFn computes the scalar distillation loss inside the train-step graph.
//
// studentPoints and teacherPoints are the tapped activations at the compare
// points, index-aligned. studentWeights and teacherWeights are the quantized
// and float kernels of the wrapped layers, for weight-regularization terms.
// pointsMean and pointsStd carry the per-point activation statistics
// collected upstream, and lossWeights is the (immutable) loss-weight vector.
//
// Implementations must return a scalar node on the same graph as the points.
type LossFn func(studentPoints, teacherPoints []*Node,
	studentWeights, teacherWeights []*Node,
	pointsMean, pointsStd, lossWeights []float64) *Node

// lossEpsilon guards the std normalization against zero variance.
const lossEpsilon = 1e-8

// MultiPointMSE is the default LossFn: per compare point, the mean squared
// error between student and teacher activations, normalized by the point's
// variance (std squared, plus epsilon), then summed weighted by the
// loss-weight vector. No weight-regularization term; see
// MultiPointMSEWithAlpha for one.
func MultiPointMSE(studentPoints, teacherPoints []*Node,
	studentWeights, teacherWeights []*Node,
	pointsMean, pointsStd, lossWeights []float64) *Node {
	return MultiPointMSEWithAlpha(0)(studentPoints, teacherPoints,
		studentWeights, teacherWeights, pointsMean, pointsStd, lossWeights)
}

// MultiPointMSEWithAlpha returns a LossFn like MultiPointMSE with an
// additional weight-regularization term: alpha times the mean over wrapped
// layers of the MSE between quantized and float kernels.
func MultiPointMSEWithAlpha(alpha float64) LossFn {
	return func(studentPoints, teacherPoints []*Node,
		studentWeights, teacherWeights []*Node,
		pointsMean, pointsStd, lossWeights []float64) *Node {
		g := studentPoints[0].Graph()
		dtype := studentPoints[0].DType()

		loss := ScalarZero(g, dtype)
		for i, student := range studentPoints {
			mse := ReduceAllMean(Square(Sub(student, teacherPoints[i])))
			norm := pointsStd[i]*pointsStd[i] + lossEpsilon
			loss = Add(loss, MulScalar(mse, lossWeights[i]/norm))
		}

		if alpha != 0 && len(studentWeights) > 0 {
			wReg := ScalarZero(g, dtype)
			for j, quantized := range studentWeights {
				wReg = Add(wReg, ReduceAllMean(Square(Sub(quantized, teacherWeights[j]))))
			}
			wReg = DivScalar(wReg, float64(len(studentWeights)))
			loss = Add(loss, MulScalar(wReg, alpha))
		}
		return loss
	}
}
