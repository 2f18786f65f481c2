// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gptq/qgraph"
	"github.com/gomlx/gptq/quantizers"
	"github.com/pkg/errors"
)

// Context scope under which all per-layer variables live, one sub-scope per
// node name: /gptq/<node>/<weight-key> for the weight quantizer,
// /gptq/<node> for the promoted bias, /gptq/<node>/activation for the
// activation quantizer.
const (
	scopeGPTQ       = "gptq"
	scopeActivation = "activation"
)

// wrappedLayer is a student node whose kernel goes through a weight
// quantizer during the forward pass. Its variables are created eagerly at
// construction, before any graph is built.
type wrappedLayer struct {
	node      *qgraph.Node // node in the quantized (student) graph
	quantizer quantizers.Weight
	biasVar   *context.Variable // nil unless bias training is on and the node has a bias
}

// modelPair holds the teacher/student pairing over two independent clones of
// the annotated graph: the compare points tapped on the float side, the
// wrapped layers of the quantized side (index-aligned with the points), and
// the node index the graph updater walks after training.
type modelPair struct {
	graphFloat *qgraph.Graph
	graphQuant *qgraph.Graph

	points []comparePoint
	layers []*wrappedLayer
	byNode map[*qgraph.Node]*wrappedLayer

	// Student nodes with activation quantization, wrapped or not.
	activations map[*qgraph.Node]*quantizers.Activation
}

// newModelPair wraps every quantized layer of graphQuant, creating its
// quantizer variables under ctx, and pairs the result with the compare
// points of graphFloat. totalSteps is only used by schedules that need it
// (soft rounding, gradual activation quantization) and may be zero
// otherwise.
//
// Quantizer construction panics (through exceptions.Panicf) on invalid
// quantization configs; NewTrainer converts those into errors.
func newModelPair(ctx *context.Context, graphFloat, graphQuant *qgraph.Graph,
	cfg *Config, totalSteps int) (*modelPair, error) {
	mp := &modelPair{
		graphFloat:  graphFloat,
		graphQuant:  graphQuant,
		points:      comparePoints(graphFloat),
		byNode:      make(map[*qgraph.Node]*wrappedLayer),
		activations: make(map[*qgraph.Node]*quantizers.Activation),
	}

	for _, node := range graphQuant.Nodes() {
		if node.IsActivationQuantEnabled() {
			actCtx := ctx.In(scopeGPTQ).In(node.Name()).In(scopeActivation)
			mp.activations[node] = quantizers.NewActivation(
				actCtx, node.ActivationQuant, cfg.gradualActivation, totalSteps)
		}
		if !node.IsWeightsQuantEnabled() {
			continue
		}
		if !node.Op().HasKernel() {
			return nil, errors.Errorf(
				"node %q: weights quantization requested on op %s, which has no kernel",
				node.Name(), node.Op())
		}
		kernel := node.Weight(qgraph.KernelKey)
		if kernel == nil {
			return nil, errors.Errorf("node %q: weights quantization enabled but the %q weight is missing",
				node.Name(), qgraph.KernelKey)
		}

		layerCtx := ctx.In(scopeGPTQ).In(node.Name()).In(qgraph.KernelKey)
		layer := &wrappedLayer{node: node}
		switch cfg.rounding {
		case SoftRounding:
			layer.quantizer = quantizers.NewSoftRoundingWeight(
				layerCtx, node.WeightsQuant, kernel, totalSteps, cfg.thresholdLearning)
		default:
			layer.quantizer = quantizers.NewSTEWeight(layerCtx, node.WeightsQuant, kernel)
		}
		if cfg.trainBias {
			if bias := node.Weight(qgraph.BiasKey); bias != nil {
				layer.biasVar = ctx.In(scopeGPTQ).In(node.Name()).
					VariableWithValue(qgraph.BiasKey, bias).SetTrainable(true)
			}
		}
		mp.layers = append(mp.layers, layer)
		mp.byNode[node] = layer
	}

	if len(mp.points) != len(mp.layers) {
		return nil, errors.Errorf(
			"mismatch between float and quantized graphs: %d compare points but %d layers with trainable weights",
			len(mp.points), len(mp.layers))
	}
	for i, point := range mp.points {
		if point.node.Name() != mp.layers[i].node.Name() {
			return nil, errors.Errorf(
				"mismatch between float and quantized graphs: compare point %d is %q on the float side but %q on the quantized side",
				i, point.node.Name(), mp.layers[i].node.Name())
		}
	}
	return mp, nil
}

// teacherPointsGraph builds the float forward pass, weights as constants and
// no quantization anywhere, and returns the activations at the compare
// points.
func (mp *modelPair) teacherPointsGraph(inputs []*graph.Node) []*graph.Node {
	outs := mp.graphFloat.Forward(inputs, nil, nil)
	points := make([]*graph.Node, len(mp.points))
	for i, p := range mp.points {
		points[i] = outs[p.node]
	}
	return points
}

// studentPointsGraph builds the quantized forward pass: wrapped kernels go
// through their weight quantizer, promoted biases are read from their
// variables, and annotated activations are fake-quantized. It returns the
// activations at the compare points, index-aligned with the teacher's.
func (mp *modelPair) studentPointsGraph(inputs []*graph.Node, training bool) []*graph.Node {
	weightFn := func(node *qgraph.Node, key string, g *graph.Graph) *graph.Node {
		layer := mp.byNode[node]
		if layer == nil {
			return nil
		}
		switch key {
		case qgraph.KernelKey:
			return layer.quantizer.QuantizedGraph(g, training)
		case qgraph.BiasKey:
			if layer.biasVar != nil {
				return layer.biasVar.ValueGraph(g)
			}
		}
		return nil
	}
	activationFn := func(node *qgraph.Node, output *graph.Node) *graph.Node {
		if act := mp.activations[node]; act != nil {
			return act.QuantizeGraph(output, training)
		}
		return output
	}
	outs := mp.graphQuant.Forward(inputs, weightFn, activationFn)
	points := make([]*graph.Node, len(mp.layers))
	for i, layer := range mp.layers {
		points[i] = outs[layer.node]
	}
	return points
}

// lossKernelsGraph returns, per wrapped layer, the eval-mode quantized
// kernel and the raw float kernel, for the loss function's
// weight-regularization term.
func (mp *modelPair) lossKernelsGraph(g *graph.Graph) (student, teacher []*graph.Node) {
	student = make([]*graph.Node, len(mp.layers))
	teacher = make([]*graph.Node, len(mp.layers))
	for i, layer := range mp.layers {
		student[i] = layer.quantizer.QuantizedGraph(g, false)
		teacher[i] = graph.ConstCachedTensor(g, layer.node.Weight(qgraph.KernelKey))
	}
	return
}

// auxVariables returns the rounding parameters of all wrapped layers, in
// layer order.
func (mp *modelPair) auxVariables() []*context.Variable {
	var vars []*context.Variable
	for _, layer := range mp.layers {
		vars = append(vars, layer.quantizer.AuxVariables()...)
	}
	return vars
}

// numParameters counts the trainable parameter values across the given
// variables.
func numParameters(vars []*context.Variable) int {
	total := 0
	for _, v := range vars {
		total += v.Shape().Size()
	}
	return total
}
