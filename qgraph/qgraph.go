// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package qgraph defines the model-graph representation consumed and mutated by
// the GPTQ trainer.
//
// A qgraph.Graph is a small DAG of named nodes, each carrying an operator type,
// its weight tensors (by key, see KernelKey and BiasKey) and the quantization
// annotations decided upstream (which layers to quantize, bit widths,
// thresholds). It is the interchange format between the front-end that parsed
// and annotated a model, the GPTQ trainer that fine-tunes the quantization
// parameters, and the exporter that consumes the final configs written back by
// the trainer.
//
// Nodes are identified by a name that is unique within the graph and stable
// across Clone copies, so a node can be located again in an independently
// mutated copy. Nodes are stored in topological order: a node can only be
// created from inputs already in the graph.
package qgraph

import (
	"fmt"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Weight tensor keys used by kernel-bearing operators.
const (
	KernelKey = "kernel"
	BiasKey   = "bias"
)

// ThresholdKey is the attribute key under which the trained quantization
// threshold is recorded in FinalWeightsQuant / FinalActivationQuant.
const ThresholdKey = "threshold"

// OpType enumerates the operators a Node can represent.
type OpType int

const (
	// OpInput is a placeholder for a model input.
	OpInput OpType = iota

	// OpDense is a fully connected layer: x·kernel (+bias). Kernel shape
	// [featuresIn, featuresOut].
	OpDense

	// OpConv2D is a 2D convolution, channels-last, "same" padding. Kernel
	// shape [kernelH, kernelW, channelsIn, channelsOut].
	OpConv2D

	// OpRelu applies the rectified linear activation.
	OpRelu

	// OpSoftmax applies softmax over the last axis.
	OpSoftmax

	// OpAdd adds two activations element-wise (residual connections).
	OpAdd

	// OpFlatten reshapes the activation to [batch, -1].
	OpFlatten

	// OpArgMax takes the arg-max over the last axis. It is not
	// differentiable, see OpType.MetricCompatible.
	OpArgMax
)

var opTypeNames = [...]string{"Input", "Dense", "Conv2D", "Relu", "Softmax", "Add", "Flatten", "ArgMax"}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// HasKernel reports whether the operator owns trainable weight tensors, and
// hence can legitimately be wrapped for weight quantization.
func (op OpType) HasKernel() bool {
	return op == OpDense || op == OpConv2D
}

// MetricCompatible reports whether the operator's output can be used for
// gradient or distance-metric computations. Non-differentiable output ops
// (arg-max) must be replaced by a predecessor when used as a model output for
// such purposes.
func (op OpType) MetricCompatible() bool {
	return op != OpArgMax
}

// Stats holds the output statistics of a node, collected upstream during
// calibration. The trainer uses them to normalize per-point losses.
type Stats struct {
	Mean, Std float64
}

// WeightsQuantConfig is the upstream annotation describing how a node's kernel
// should be quantized. The GPTQ trainer reads it to instantiate the
// quantization operator and, after training, records the final values in
// Node.FinalWeightsQuant.
type WeightsQuantConfig struct {
	// Enabled marks the node's kernel for quantization.
	Enabled bool

	// NumBits of the quantized representation.
	NumBits int

	// Signed selects a symmetric signed integer grid.
	Signed bool

	// PerChannel quantizes with one threshold per output channel, broadcast
	// along ChannelAxis of the kernel. When false Threshold must hold a
	// single value.
	PerChannel  bool
	ChannelAxis int

	// Threshold is the quantization range boundary per channel (length 1
	// when not per-channel).
	Threshold []float64

	// PowerOfTwo snaps the threshold up to the nearest power of two.
	PowerOfTwo bool

	// MaxLSBsChange bounds the learned perturbation, in units of the
	// quantization step size.
	MaxLSBsChange int
}

// Clone returns a deep copy.
func (c *WeightsQuantConfig) Clone() *WeightsQuantConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Threshold = append([]float64(nil), c.Threshold...)
	return &clone
}

// ActivationQuantConfig is the upstream annotation describing how a node's
// output activation should be quantized.
type ActivationQuantConfig struct {
	Enabled bool
	NumBits int
	Signed  bool

	// Threshold is the activation quantization range boundary.
	Threshold float64
}

// Clone returns a copy.
func (c *ActivationQuantConfig) Clone() *ActivationQuantConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Node is one operator of the model graph.
//
// The quantization annotation fields (Stats, WeightsQuant, ActivationQuant)
// are set by the upstream annotator; FinalWeightsQuant and
// FinalActivationQuant are written exclusively by the GPTQ graph updater after
// training.
type Node struct {
	name    string
	op      OpType
	inputs  []*Node
	graph   *Graph
	weights map[string]*tensors.Tensor

	// shape of one example (without batch axis), only set for OpInput.
	shape shapes.Shape

	// strides of the convolution, only used by OpConv2D.
	strides int

	// Stats are the node's output statistics (optional).
	Stats *Stats

	// WeightsQuant and ActivationQuant are the upstream quantization
	// decisions (nil means no annotation).
	WeightsQuant    *WeightsQuantConfig
	ActivationQuant *ActivationQuantConfig

	// FinalWeightsQuant and FinalActivationQuant map attribute names to the
	// values learned by GPTQ training (e.g. "threshold"). They are nil until
	// the graph updater runs.
	FinalWeightsQuant    map[string]any
	FinalActivationQuant map[string]any
}

// Name returns the node's stable unique name.
func (n *Node) Name() string { return n.name }

// Op returns the node's operator type.
func (n *Node) Op() OpType { return n.op }

// Inputs returns the node's predecessors. The returned slice is owned by the
// node and must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// Shape returns the per-example shape of an OpInput node (invalid shape for
// other operators).
func (n *Node) Shape() shapes.Shape { return n.shape }

// Strides returns the convolution strides of an OpConv2D node.
func (n *Node) Strides() int { return n.strides }

// Weight returns the weight tensor stored under key, or nil.
func (n *Node) Weight(key string) *tensors.Tensor {
	return n.weights[key]
}

// SetWeight stores (or replaces) the weight tensor under key. The GPTQ graph
// updater uses it to commit trained weights.
func (n *Node) SetWeight(key string, t *tensors.Tensor) {
	if n.weights == nil {
		n.weights = make(map[string]*tensors.Tensor)
	}
	n.weights[key] = t
}

// WeightKeys returns the node's weight keys in sorted order.
func (n *Node) WeightKeys() []string {
	keys := make([]string, 0, len(n.weights))
	for key := range n.weights {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// IsWeightsQuantEnabled reports whether the node's kernel is marked for
// quantization.
func (n *Node) IsWeightsQuantEnabled() bool {
	return n.WeightsQuant != nil && n.WeightsQuant.Enabled
}

// IsActivationQuantEnabled reports whether the node's output activation is
// marked for quantization.
func (n *Node) IsActivationQuantEnabled() bool {
	return n.ActivationQuant != nil && n.ActivationQuant.Enabled
}

// Graph is a DAG of nodes representing a trained model, with the quantization
// annotations the GPTQ trainer consumes. It is not safe for concurrent
// mutation.
type Graph struct {
	name    string
	nodes   []*Node
	byName  map[string]*Node
	inputs  []*Node
	outputs []*Node

	// InputScale is the factor folded out of the model inputs by upstream
	// normalization; the trainer re-applies it to every batch.
	InputScale float64
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:       name,
		byName:     make(map[string]*Node),
		InputScale: 1.0,
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Nodes returns all nodes in topological (insertion) order. The returned
// slice is owned by the graph and must not be modified.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Inputs returns the graph's input nodes, in creation order.
func (g *Graph) Inputs() []*Node { return g.inputs }

// Outputs returns the graph's output nodes. If SetOutputs was never called it
// defaults to the last node added.
func (g *Graph) Outputs() []*Node {
	if len(g.outputs) == 0 && len(g.nodes) > 0 {
		return g.nodes[len(g.nodes)-1:]
	}
	return g.outputs
}

// SetOutputs declares the graph's output nodes.
func (g *Graph) SetOutputs(nodes ...*Node) {
	for _, n := range nodes {
		if n == nil || n.graph != g {
			Panicf("qgraph.Graph(%q).SetOutputs: node does not belong to this graph", g.name)
		}
	}
	g.outputs = append([]*Node(nil), nodes...)
}

// NodeByName returns the unique node with the given name. Name uniqueness is
// enforced at construction, so at most one node can match; a missing name is
// an error.
func (g *Graph) NodeByName(name string) (*Node, error) {
	n, found := g.byName[name]
	if !found {
		return nil, errors.Errorf("graph %q has no node named %q", g.name, name)
	}
	return n, nil
}

// newNode validates and registers a node. It panics (the graph-building
// convention) on an empty or duplicate name, or on inputs from another graph.
func (g *Graph) newNode(name string, op OpType, inputs ...*Node) *Node {
	if name == "" {
		Panicf("qgraph.Graph(%q): node of type %s must have a non-empty name", g.name, op)
	}
	if _, found := g.byName[name]; found {
		Panicf("qgraph.Graph(%q): duplicate node name %q -- names must be unique within a graph", g.name, name)
	}
	for _, input := range inputs {
		if input == nil || input.graph != g {
			Panicf("qgraph.Graph(%q): node %q takes an input that does not belong to this graph", g.name, name)
		}
	}
	n := &Node{
		name:   name,
		op:     op,
		inputs: inputs,
		graph:  g,
	}
	g.nodes = append(g.nodes, n)
	g.byName[name] = n
	return n
}

// AddInput adds a model input placeholder. shape is the shape of one example,
// without the batch axis.
func (g *Graph) AddInput(name string, shape shapes.Shape) *Node {
	n := g.newNode(name, OpInput)
	n.shape = shape
	g.inputs = append(g.inputs, n)
	return n
}

// AddDense adds a fully connected layer. kernel must be rank-2
// [featuresIn, featuresOut]; bias may be nil or rank-1 [featuresOut].
func (g *Graph) AddDense(name string, input *Node, kernel, bias *tensors.Tensor) *Node {
	if kernel == nil || kernel.Rank() != 2 {
		Panicf("qgraph.AddDense(%q): kernel must be rank-2 [featuresIn, featuresOut], got %s", name, shapeOf(kernel))
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape().Dimensions[0] != kernel.Shape().Dimensions[1]) {
		Panicf("qgraph.AddDense(%q): bias must be rank-1 [featuresOut=%d], got %s",
			name, kernel.Shape().Dimensions[1], shapeOf(bias))
	}
	n := g.newNode(name, OpDense, input)
	n.weights = map[string]*tensors.Tensor{KernelKey: kernel}
	if bias != nil {
		n.weights[BiasKey] = bias
	}
	return n
}

// AddConv2D adds a 2D convolution with "same" padding and the given strides.
// kernel must be rank-4 [kernelH, kernelW, channelsIn, channelsOut]
// (channels-last); bias may be nil or rank-1 [channelsOut].
func (g *Graph) AddConv2D(name string, input *Node, kernel, bias *tensors.Tensor, strides int) *Node {
	if kernel == nil || kernel.Rank() != 4 {
		Panicf("qgraph.AddConv2D(%q): kernel must be rank-4 [kH, kW, channelsIn, channelsOut], got %s", name, shapeOf(kernel))
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape().Dimensions[0] != kernel.Shape().Dimensions[3]) {
		Panicf("qgraph.AddConv2D(%q): bias must be rank-1 [channelsOut=%d], got %s",
			name, kernel.Shape().Dimensions[3], shapeOf(bias))
	}
	if strides < 1 {
		Panicf("qgraph.AddConv2D(%q): strides must be >= 1, got %d", name, strides)
	}
	n := g.newNode(name, OpConv2D, input)
	n.weights = map[string]*tensors.Tensor{KernelKey: kernel}
	if bias != nil {
		n.weights[BiasKey] = bias
	}
	n.strides = strides
	return n
}

// AddRelu adds a rectified linear activation.
func (g *Graph) AddRelu(name string, input *Node) *Node {
	return g.newNode(name, OpRelu, input)
}

// AddSoftmax adds a softmax over the last axis.
func (g *Graph) AddSoftmax(name string, input *Node) *Node {
	return g.newNode(name, OpSoftmax, input)
}

// AddAdd adds an element-wise sum of two activations.
func (g *Graph) AddAdd(name string, a, b *Node) *Node {
	return g.newNode(name, OpAdd, a, b)
}

// AddFlatten adds a reshape of the activation to [batch, features].
func (g *Graph) AddFlatten(name string, input *Node) *Node {
	return g.newNode(name, OpFlatten, input)
}

// AddArgMax adds an arg-max over the last axis.
func (g *Graph) AddArgMax(name string, input *Node) *Node {
	return g.newNode(name, OpArgMax, input)
}

// Clone returns a deep copy of the graph: nodes, weight tensors and
// quantization configs are all copied, so mutations of the clone (or of the
// original) never alias. Node names, order and topology are preserved.
func (g *Graph) Clone() *Graph {
	clone := New(g.name)
	clone.InputScale = g.InputScale
	oldToNew := make(map[*Node]*Node, len(g.nodes))
	for _, n := range g.nodes {
		newInputs := make([]*Node, len(n.inputs))
		for ii, input := range n.inputs {
			newInputs[ii] = oldToNew[input]
		}
		newN := clone.newNode(n.name, n.op, newInputs...)
		newN.shape = n.shape
		newN.strides = n.strides
		if n.weights != nil {
			newN.weights = make(map[string]*tensors.Tensor, len(n.weights))
			for key, w := range n.weights {
				newN.weights[key] = cloneTensor(w)
			}
		}
		if n.Stats != nil {
			statsCopy := *n.Stats
			newN.Stats = &statsCopy
		}
		newN.WeightsQuant = n.WeightsQuant.Clone()
		newN.ActivationQuant = n.ActivationQuant.Clone()
		newN.FinalWeightsQuant = cloneAttrs(n.FinalWeightsQuant)
		newN.FinalActivationQuant = cloneAttrs(n.FinalActivationQuant)
		oldToNew[n] = newN
	}
	for _, input := range g.inputs {
		clone.inputs = append(clone.inputs, oldToNew[input])
	}
	for _, output := range g.outputs {
		clone.outputs = append(clone.outputs, oldToNew[output])
	}
	return clone
}

func cloneTensor(t *tensors.Tensor) *tensors.Tensor {
	if t == nil {
		return nil
	}
	clone, err := t.LocalClone()
	if err != nil {
		panic(errors.WithMessage(err, "qgraph: failed to clone weight tensor"))
	}
	return clone
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	clone := make(map[string]any, len(attrs))
	for key, value := range attrs {
		if t, ok := value.(*tensors.Tensor); ok {
			clone[key] = cloneTensor(t)
			continue
		}
		clone[key] = value
	}
	return clone
}

func shapeOf(t *tensors.Tensor) string {
	if t == nil {
		return "(nil)"
	}
	return t.Shape().String()
}
