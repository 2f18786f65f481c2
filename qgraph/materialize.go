// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qgraph

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// WeightFn lets a Forward caller substitute the computation of a node's weight
// tensor -- the GPTQ student model uses it to inject quantized kernels and
// trainable biases. Returning nil falls back to the stored weight tensor as a
// constant.
type WeightFn func(node *Node, key string, g *graph.Graph) *graph.Node

// ActivationFn lets a Forward caller transform a node's output activation --
// the GPTQ student model uses it to apply activation fake-quantization.
type ActivationFn func(node *Node, output *graph.Node) *graph.Node

// Forward builds the model's computation onto the GoMLX graph owned by the
// given input nodes, one per OpInput in creation order, and returns the
// activation of every node.
//
// Weights are embedded as constants unless weightFn overrides them;
// activationFn (optional) post-processes each node's output. Both may be nil.
//
// This is a graph building function: it panics on malformed models.
func (g *Graph) Forward(inputs []*graph.Node, weightFn WeightFn, activationFn ActivationFn) map[*Node]*graph.Node {
	if len(g.nodes) == 0 {
		Panicf("qgraph.Forward: graph %q has no nodes", g.name)
	}
	if len(inputs) != len(g.inputs) {
		Panicf("qgraph.Forward: graph %q has %d inputs, got %d input nodes", g.name, len(g.inputs), len(inputs))
	}
	backendG := inputs[0].Graph()

	weightNode := func(n *Node, key string) *graph.Node {
		if weightFn != nil {
			if override := weightFn(n, key, backendG); override != nil {
				return override
			}
		}
		w := n.weights[key]
		if w == nil {
			Panicf("qgraph.Forward: node %q (%s) has no %q weight", n.name, n.op, key)
		}
		return graph.ConstCachedTensor(backendG, w)
	}

	outputs := make(map[*Node]*graph.Node, len(g.nodes))
	inputIdx := 0
	for _, n := range g.nodes {
		var y *graph.Node
		switch n.op {
		case OpInput:
			y = inputs[inputIdx]
			inputIdx++

		case OpDense:
			x := outputs[n.inputs[0]]
			y = graph.MatMul(x, weightNode(n, KernelKey))
			if n.weights[BiasKey] != nil {
				bias := weightNode(n, BiasKey)
				y = graph.Add(y, graph.ExpandLeftToRank(bias, y.Rank()))
			}

		case OpConv2D:
			x := outputs[n.inputs[0]]
			y = graph.Convolve(x, weightNode(n, KernelKey)).
				StridePerAxis(n.strides, n.strides).
				PadSame().
				Done()
			if n.weights[BiasKey] != nil {
				bias := weightNode(n, BiasKey)
				y = graph.Add(y, graph.ExpandLeftToRank(bias, y.Rank()))
			}

		case OpRelu:
			y = activations.Relu(outputs[n.inputs[0]])

		case OpSoftmax:
			y = graph.Softmax(outputs[n.inputs[0]])

		case OpAdd:
			y = graph.Add(outputs[n.inputs[0]], outputs[n.inputs[1]])

		case OpFlatten:
			x := outputs[n.inputs[0]]
			batch := x.Shape().Dimensions[0]
			y = graph.Reshape(x, batch, x.Shape().Size()/batch)

		case OpArgMax:
			y = graph.ArgMax(outputs[n.inputs[0]], -1)

		default:
			Panicf("qgraph.Forward: node %q has unknown op type %s", n.name, n.op)
		}
		if activationFn != nil {
			y = activationFn(n, y)
		}
		outputs[n] = y
	}
	return outputs
}
