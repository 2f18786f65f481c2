// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"github.com/gomlx/gptq/qgraph"
	"github.com/pkg/errors"
)

// comparePoint is a tap on the float graph whose activation the student must
// reproduce: one per node with enabled weights quantization, carrying the
// node's activation statistics for loss normalization.
type comparePoint struct {
	node *qgraph.Node
	mean float64
	std  float64
}

// comparePoints returns the compare points of g in topological order. Nodes
// without collected statistics default to mean 0 and std 1, which makes the
// std normalization of the loss a no-op for them.
func comparePoints(g *qgraph.Graph) []comparePoint {
	var points []comparePoint
	for _, node := range g.Nodes() {
		if !node.IsWeightsQuantEnabled() {
			continue
		}
		point := comparePoint{node: node, mean: 0, std: 1}
		if node.Stats != nil {
			point.mean = node.Stats.Mean
			point.std = node.Stats.Std
		}
		points = append(points, point)
	}
	return points
}

func pointNames(points []comparePoint) []string {
	names := make([]string, len(points))
	for i, p := range points {
		names[i] = p.node.Name()
	}
	return names
}

// pointStats splits the collected statistics into the mean and std slices
// taken by LossFn.
func pointStats(points []comparePoint) (mean, std []float64) {
	mean = make([]float64, len(points))
	std = make([]float64, len(points))
	for i, p := range points {
		mean[i] = p.mean
		std[i] = p.std
	}
	return
}

// outputReplacements maps each graph output to the node used in its place
// when computing gradients: outputs whose op cannot participate in metric
// computation (ArgMax) are replaced by their nearest compatible predecessor.
// A replacement walk reaching a node with other than exactly one predecessor
// cannot decide a path and fails.
func outputReplacements(g *qgraph.Graph) ([]*qgraph.Node, error) {
	outputs := g.Outputs()
	replacements := make([]*qgraph.Node, 0, len(outputs))
	for _, out := range outputs {
		node := out
		for !node.Op().MetricCompatible() {
			preds := node.Inputs()
			if len(preds) != 1 {
				return nil, errors.Errorf(
					"output %q is not usable for gradient computation and its predecessor %q has %d inputs, cannot pick a replacement",
					out.Name(), node.Name(), len(preds))
			}
			node = preds[0]
		}
		replacements = append(replacements, node)
	}
	return replacements, nil
}
