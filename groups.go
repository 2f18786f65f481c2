// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Optimizer group names, also used as context scopes for optimizer state
// (/optimizers/<group>).
const (
	groupAux     = "aux"
	groupBias    = "bias"
	groupQParams = "qparams"
	groupRest    = "rest"

	scopeOptimizers = "optimizers"
)

// optimizerGroup binds one optimizer to the disjoint set of variables it
// steps. Groups with no variables are kept for bookkeeping but skipped when
// building the train step.
type optimizerGroup struct {
	name string
	opt  optimizers.Interface
	vars []*context.Variable
}

// buildOptimizerGroups assembles the optimizer groups from the wrapped
// layers: the primary group with every rounding (aux) parameter, a dedicated
// bias and threshold group when those have their own optimizer, and a shared
// "rest" group collecting whichever of the two falls back to the rest
// optimizer.
//
// Enabling bias training or threshold learning without a dedicated optimizer
// and without a rest optimizer is a configuration error, reported here
// before any training happens.
func buildOptimizerGroups(cfg *Config, mp *modelPair) ([]optimizerGroup, error) {
	groups := []optimizerGroup{{name: groupAux, opt: cfg.optimizer, vars: mp.auxVariables()}}

	var rest []*context.Variable
	if cfg.trainBias {
		var biases []*context.Variable
		for _, layer := range mp.layers {
			if layer.biasVar != nil {
				biases = append(biases, layer.biasVar)
			}
		}
		switch {
		case cfg.biasOptimizer != nil:
			groups = append(groups, optimizerGroup{name: groupBias, opt: cfg.biasOptimizer, vars: biases})
		case cfg.restOptimizer != nil:
			rest = append(rest, biases...)
		default:
			return nil, errors.Errorf(
				"bias training is enabled but there is neither a bias optimizer nor a rest optimizer configured")
		}
	}
	if cfg.thresholdLearning {
		var thresholds []*context.Variable
		for _, layer := range mp.layers {
			thresholds = append(thresholds, layer.quantizer.QuantParamVariables()...)
		}
		switch {
		case cfg.qparamsOptimizer != nil:
			groups = append(groups, optimizerGroup{name: groupQParams, opt: cfg.qparamsOptimizer, vars: thresholds})
		case cfg.restOptimizer != nil:
			rest = append(rest, thresholds...)
		default:
			return nil, errors.Errorf(
				"threshold learning is enabled but there is neither a quantization-parameters optimizer nor a rest optimizer configured")
		}
	}
	if len(rest) > 0 {
		groups = append(groups, optimizerGroup{name: groupRest, opt: cfg.restOptimizer, vars: rest})
	}
	return groups, nil
}

// groupedVariables returns all variables across groups, in group order.
func groupedVariables(groups []optimizerGroup) []*context.Variable {
	var all []*context.Variable
	for _, grp := range groups {
		all = append(all, grp.vars...)
	}
	return all
}
