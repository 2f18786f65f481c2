// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gptq/qgraph"
	"github.com/pkg/errors"
)

// UpdateGraph writes the fine-tuned quantization back into the quantized
// graph and returns it: for every wrapped layer the hard-quantized weights
// (eval-mode forward of its quantizer), the final weights quantization
// attributes, the trained bias when bias training was on, and for every node
// with activation quantization its final attributes.
//
// It can be called once, after Train or directly on a built trainer, in
// which case the initial quantizer parameters are used. The returned graph
// is the trainer's own clone of the quantized graph given to NewTrainer.
func (t *Trainer) UpdateGraph() (*qgraph.Graph, error) {
	if t.state == StateUpdated {
		return nil, errors.Errorf("gptq: the quantized graph was already updated, UpdateGraph can only run once")
	}

	for _, layer := range t.pair.layers {
		node, err := t.graphQuant.NodeByName(layer.node.Name())
		if err != nil {
			return nil, errors.WithMessagef(err, "gptq: updating layer %q", layer.node.Name())
		}

		quantized, err := context.ExecOnce(t.backend, t.ctx,
			func(ctx *context.Context, g *graph.Graph) *graph.Node {
				return layer.quantizer.QuantizedGraph(g, false)
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "gptq: materializing the quantized weights of layer %q", node.Name())
		}
		node.SetWeight(qgraph.KernelKey, quantized)

		attrs, err := layer.quantizer.FinalWeightsConfig()
		if err != nil {
			return nil, errors.WithMessagef(err, "gptq: reading the final quantization attributes of layer %q", node.Name())
		}
		node.FinalWeightsQuant = attrs

		if layer.biasVar != nil {
			bias, err := layer.biasVar.Value()
			if err != nil {
				return nil, errors.WithMessagef(err, "gptq: reading the trained bias of layer %q", node.Name())
			}
			node.SetWeight(qgraph.BiasKey, bias)
		}
	}

	for node := range t.pair.activations {
		node.FinalActivationQuant = map[string]any{
			qgraph.ThresholdKey: node.ActivationQuant.Threshold,
		}
	}

	t.state = StateUpdated
	t.cfg.diagnostics.Infof("gptq: quantized graph %q updated with the fine-tuned parameters", t.graphQuant.Name())
	return t.graphQuant, nil
}
