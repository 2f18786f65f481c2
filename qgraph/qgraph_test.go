// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qgraph_test

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gptq/qgraph"
	"github.com/stretchr/testify/require"
)

func buildTestBackend() backends.Backend {
	return backends.MustNew()
}

// buildTinyModel returns input -> dense(4x3, bias) -> relu, with the relu as
// output.
func buildTinyModel() (*qgraph.Graph, *qgraph.Node) {
	m := qgraph.New("tiny")
	input := m.AddInput("input", shapes.Make(dtypes.Float32, 4))
	kernel := tensors.FromValue([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}})
	bias := tensors.FromValue([]float32{0.5, 0, -0.5})
	dense := m.AddDense("dense", input, kernel, bias)
	relu := m.AddRelu("relu", dense)
	m.SetOutputs(relu)
	return m, relu
}

func TestGraphConstruction(t *testing.T) {
	m, relu := buildTinyModel()
	require.Equal(t, 3, m.NumNodes())
	require.Len(t, m.Inputs(), 1)
	require.Equal(t, []*qgraph.Node{relu}, m.Outputs())

	dense, err := m.NodeByName("dense")
	require.NoError(t, err)
	require.Equal(t, qgraph.OpDense, dense.Op())
	require.True(t, dense.Op().HasKernel())
	require.Equal(t, []string{qgraph.BiasKey, qgraph.KernelKey}, dense.WeightKeys())

	_, err = m.NodeByName("no_such_node")
	require.Error(t, err)

	// Duplicate names are rejected at construction.
	require.Panics(t, func() { m.AddRelu("relu", dense) })
	// Nodes from another graph are rejected as inputs.
	other := qgraph.New("other")
	require.Panics(t, func() { other.AddRelu("relu2", dense) })
}

func TestGraphDefaultOutputs(t *testing.T) {
	m := qgraph.New("defaults")
	input := m.AddInput("input", shapes.Make(dtypes.Float32, 2))
	relu := m.AddRelu("relu", input)
	// Without SetOutputs, the last node added is the output.
	require.Equal(t, []*qgraph.Node{relu}, m.Outputs())
	require.Equal(t, 1.0, m.InputScale)
}

func TestCloneIsolation(t *testing.T) {
	m, _ := buildTinyModel()
	dense, err := m.NodeByName("dense")
	require.NoError(t, err)
	dense.WeightsQuant = &qgraph.WeightsQuantConfig{
		Enabled:       true,
		NumBits:       4,
		Signed:        true,
		Threshold:     []float64{2.0},
		MaxLSBsChange: 1,
	}

	clone := m.Clone()
	cloneDense, err := clone.NodeByName("dense")
	require.NoError(t, err)
	require.Equal(t, dense.Name(), cloneDense.Name())
	require.NotSame(t, dense, cloneDense)

	// Mutating the original weight tensor in place must not leak into the clone.
	tensors.MustMutableFlatData[float32](dense.Weight(qgraph.KernelKey), func(flat []float32) {
		flat[0] = -100
	})
	require.Equal(t,
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}},
		cloneDense.Weight(qgraph.KernelKey).Value())

	// Quantization configs are deep-copied too.
	dense.WeightsQuant.Threshold[0] = 64.0
	require.Equal(t, 2.0, cloneDense.WeightsQuant.Threshold[0])

	// Topology is preserved: the clone's relu reads from the clone's dense.
	cloneRelu, err := clone.NodeByName("relu")
	require.NoError(t, err)
	require.Same(t, cloneDense, cloneRelu.Inputs()[0])
}

func TestForward(t *testing.T) {
	backend := buildTestBackend()
	m, relu := buildTinyModel()

	exec := graph.MustNewExec(backend, func(x *graph.Node) *graph.Node {
		return m.Forward([]*graph.Node{x}, nil, nil)[relu]
	})
	got := exec.MustExec1([][]float32{{1, 2, 3, 4}})
	// dense: [1+4+0.5, 2+4, 3+4-0.5], relu keeps all positives.
	require.Equal(t, [][]float32{{5.5, 6, 6.5}}, got.Value())
}

func TestForwardWeightOverride(t *testing.T) {
	backend := buildTestBackend()
	m, relu := buildTinyModel()

	// Replace the kernel with its negation through the WeightFn hook; bias is
	// left untouched.
	weightFn := func(n *qgraph.Node, key string, g *graph.Graph) *graph.Node {
		if n.Name() != "dense" || key != qgraph.KernelKey {
			return nil
		}
		return graph.Neg(graph.ConstCachedTensor(g, n.Weight(key)))
	}
	exec := graph.MustNewExec(backend, func(x *graph.Node) *graph.Node {
		return m.Forward([]*graph.Node{x}, weightFn, nil)[relu]
	})
	got := exec.MustExec1([][]float32{{1, 2, 3, 4}})
	// dense: [-5+0.5, -6, -7-0.5] -> relu zeroes everything.
	require.Equal(t, [][]float32{{0, 0, 0}}, got.Value())
}

func TestForwardArgMaxAndFlatten(t *testing.T) {
	backend := buildTestBackend()
	m := qgraph.New("classifier")
	input := m.AddInput("input", shapes.Make(dtypes.Float32, 2, 2))
	flat := m.AddFlatten("flatten", input)
	kernel := tensors.FromValue([][]float32{{1, 0}, {0, 1}, {1, 0}, {0, 1}})
	dense := m.AddDense("dense", flat, kernel, nil)
	argmax := m.AddArgMax("argmax", dense)
	m.SetOutputs(argmax)
	require.False(t, argmax.Op().MetricCompatible())

	exec := graph.MustNewExec(backend, func(x *graph.Node) *graph.Node {
		return m.Forward([]*graph.Node{x}, nil, nil)[argmax]
	})
	got := exec.MustExec1([][][]float32{{{5, 0}, {3, 1}}, {{0, 2}, {1, 7}}})
	// Example 0 flattens to [5,0,3,1] -> dense [8,1] -> argmax 0.
	// Example 1 flattens to [0,2,1,7] -> dense [1,9] -> argmax 1.
	require.Equal(t, []int32{0, 1}, got.Value())
}
