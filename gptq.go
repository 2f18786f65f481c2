// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gptq fine-tunes the quantization parameters of an already
// quantized model so that the outputs of its layers match those of the
// original float model, a form of layer-wise knowledge distillation known as
// GPTQ (gradient-based post-training quantization).
//
// It operates on pairs of computation graphs described with the qgraph
// package: a float graph annotated with quantization configs and collected
// activation statistics, and the quantized graph derived from it. For every
// layer with weights quantization enabled the trainer creates a
// differentiable rounding policy (straight-through estimation or AdaRound
// style soft rounding, see Rounding), and trains its parameters, optionally
// together with biases and quantization thresholds, to minimize a weighted
// multi-point MSE between the two graphs' layer outputs over a small
// representative dataset. The per-point weights are estimated from jacobian
// norms of the float model, following the GPTQ paper's label-free objective.
//
// Typical usage:
//
//	cfg := gptq.NewConfig().WithEpochs(10).WithRounding(gptq.SoftRounding)
//	updated, err := gptq.Train(backend, graphFloat, graphQuant, cfg, dataset)
//
// Or with fine-grained control over the stages:
//
//	trainer, err := gptq.NewTrainer(backend, graphFloat, graphQuant, cfg, dataset)
//	...
//	err = trainer.Train()
//	...
//	updated, err := trainer.UpdateGraph()
//
// The updated graph carries the hard-quantized weights and the final
// quantization attributes on each node, ready for export.
package gptq

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gptq/qgraph"
)

// Train is the one-call facade: it builds a Trainer, fine-tunes the
// quantization parameters over the representative dataset and returns the
// updated quantized graph. A nil cfg means NewConfig() defaults.
//
// The given graphs are not mutated; the returned graph is a private clone.
func Train(backend backends.Backend, graphFloat, graphQuant *qgraph.Graph,
	cfg *Config, ds train.Dataset) (*qgraph.Graph, error) {
	t, err := NewTrainer(backend, graphFloat, graphQuant, cfg, ds)
	if err != nil {
		return nil, err
	}
	if err = t.Train(); err != nil {
		return nil, err
	}
	return t.UpdateGraph()
}
