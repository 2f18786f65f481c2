// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Rounding selects the differentiable rounding policy used by the weight
// quantizers during fine-tuning.
type Rounding int

const (
	// STERounding trains an additive perturbation through a
	// straight-through estimator of round and clip. No regularization term.
	STERounding Rounding = iota

	// SoftRounding trains a rectified-sigmoid relaxation of the rounding
	// decision (AdaRound style), with a temperature-annealed regularization
	// that pushes each relaxation to a hard 0/1 by the end of training.
	// It requires the total number of training steps in advance, so the
	// Trainer runs one dry pass over the dataset to count batches.
	SoftRounding
)

// String implements fmt.Stringer.
func (r Rounding) String() string {
	switch r {
	case STERounding:
		return "STERounding"
	case SoftRounding:
		return "SoftRounding"
	}
	return "InvalidRounding"
}

// LogFn is an optional per-step callback. It receives the step number, the
// scalar loss, the gradients and current values of the primary (aux) group's
// parameters and the names of the compare points, in order.
//
// The gradient and parameter slices follow the order of the wrapped layers.
// Tensors are owned by the callback and remain valid after it returns.
type LogFn func(step int, loss float64, auxGradients, auxParams []*tensors.Tensor, comparePoints []string)

const (
	defaultEpochs           = 5
	defaultLearningRate     = 3e-2
	defaultRestLearningRate = 1e-4
	defaultSamplesForLoss   = 16
	defaultPowerIterations  = 50
	defaultRegularization   = 10.0
)

// Config holds the hyperparameters of a GPTQ fine-tuning run. Build it with
// NewConfig and the With... setters, then hand it to NewTrainer (or Train),
// which validates it.
//
//	cfg := gptq.NewConfig().
//		WithEpochs(10).
//		WithRounding(gptq.SoftRounding).
//		WithTrainBias(true)
type Config struct {
	epochs   int
	rounding Rounding

	optimizer        optimizers.Interface // aux (rounding) parameters
	biasOptimizer    optimizers.Interface // nil: biases fall back to rest
	qparamsOptimizer optimizers.Interface // nil: thresholds fall back to rest
	restOptimizer    optimizers.Interface

	trainBias         bool
	thresholdLearning bool

	jacobianWeighting bool
	samplesForLoss    int
	powerIterations   int
	logNorm           bool
	normWeights       bool

	regularizationFactor float64
	gradualActivation    bool

	loss        LossFn
	logFn       LogFn
	diagnostics Diagnostics
	progress    bool
}

// NewConfig returns a Config with the standard defaults: 5 epochs, STE
// rounding, Adam with learning rate 3e-2 for the rounding parameters and
// Adam with learning rate 1e-4 as the fallback ("rest") optimizer for biases
// and thresholds, jacobian-based loss weighting over 16 samples with 50
// random projections per sample and log-normalization, regularization factor
// 10 for soft rounding, and the multi-point MSE loss.
func NewConfig() *Config {
	return &Config{
		epochs:               defaultEpochs,
		rounding:             STERounding,
		optimizer:            optimizers.Adam().LearningRate(defaultLearningRate).Done(),
		restOptimizer:        optimizers.Adam().LearningRate(defaultRestLearningRate).Done(),
		jacobianWeighting:    true,
		samplesForLoss:       defaultSamplesForLoss,
		powerIterations:      defaultPowerIterations,
		logNorm:              true,
		regularizationFactor: defaultRegularization,
		loss:                 MultiPointMSE,
		diagnostics:          klogDiagnostics{},
	}
}

// WithEpochs sets how many passes over the representative dataset to train.
// Zero is valid: the Trainer builds and the graph can still be updated with
// the initial quantization parameters.
func (c *Config) WithEpochs(n int) *Config {
	c.epochs = n
	return c
}

// WithRounding selects the rounding policy. Default is STERounding.
func (c *Config) WithRounding(r Rounding) *Config {
	c.rounding = r
	return c
}

// WithOptimizer sets the optimizer for the primary group, the rounding (aux)
// parameters of every wrapped layer.
func (c *Config) WithOptimizer(opt optimizers.Interface) *Config {
	c.optimizer = opt
	return c
}

// WithBiasOptimizer sets a dedicated optimizer for trained biases. When nil
// (the default) biases are trained by the rest optimizer.
func (c *Config) WithBiasOptimizer(opt optimizers.Interface) *Config {
	c.biasOptimizer = opt
	return c
}

// WithQParamsOptimizer sets a dedicated optimizer for learned quantization
// thresholds. When nil (the default) thresholds are trained by the rest
// optimizer.
func (c *Config) WithQParamsOptimizer(opt optimizers.Interface) *Config {
	c.qparamsOptimizer = opt
	return c
}

// WithRestOptimizer sets the fallback optimizer shared by biases and
// thresholds that have no dedicated optimizer. Setting it to nil while bias
// training or threshold learning is enabled (and not otherwise covered) makes
// NewTrainer fail.
func (c *Config) WithRestOptimizer(opt optimizers.Interface) *Config {
	c.restOptimizer = opt
	return c
}

// WithTrainBias enables fine-tuning of the biases of wrapped layers.
func (c *Config) WithTrainBias(enabled bool) *Config {
	c.trainBias = enabled
	return c
}

// WithThresholdLearning makes the per-layer quantization thresholds
// trainable. Only meaningful with SoftRounding; the STE policy keeps
// thresholds frozen.
func (c *Config) WithThresholdLearning(enabled bool) *Config {
	c.thresholdLearning = enabled
	return c
}

// WithJacobianWeighting toggles jacobian-based estimation of the per-point
// loss weights. When disabled every compare point weighs 1/n.
func (c *Config) WithJacobianWeighting(enabled bool) *Config {
	c.jacobianWeighting = enabled
	return c
}

// WithSamplesForLoss sets how many samples from the representative dataset
// are used to estimate the loss weights.
func (c *Config) WithSamplesForLoss(n int) *Config {
	c.samplesForLoss = n
	return c
}

// WithPowerIterations sets how many random projections are averaged per
// sample when estimating the loss weights.
func (c *Config) WithPowerIterations(n int) *Config {
	c.powerIterations = n
	return c
}

// WithLogNorm toggles the log10 normalization of the estimated loss weights.
func (c *Config) WithLogNorm(enabled bool) *Config {
	c.logNorm = enabled
	return c
}

// WithNormWeights normalizes each sample's estimated point scores to sum to
// one before averaging across samples.
func (c *Config) WithNormWeights(enabled bool) *Config {
	c.normWeights = enabled
	return c
}

// WithRegularizationFactor scales the soft-rounding regularization term.
func (c *Config) WithRegularizationFactor(factor float64) *Config {
	c.regularizationFactor = factor
	return c
}

// WithGradualActivation anneals activation quantization linearly from
// disabled to fully quantized over the course of training, instead of
// applying it at full strength from the first step. Like SoftRounding it
// requires the dry-run batch count.
func (c *Config) WithGradualActivation(enabled bool) *Config {
	c.gradualActivation = enabled
	return c
}

// WithLoss replaces the distillation loss. Default is MultiPointMSE.
func (c *Config) WithLoss(fn LossFn) *Config {
	c.loss = fn
	return c
}

// WithLogFn sets an optional per-step callback. See LogFn.
func (c *Config) WithLogFn(fn LogFn) *Config {
	c.logFn = fn
	return c
}

// WithDiagnostics replaces the sink for informational and warning messages.
// Default forwards to klog.
func (c *Config) WithDiagnostics(d Diagnostics) *Config {
	c.diagnostics = d
	return c
}

// WithProgressBar displays a progress bar over training steps.
func (c *Config) WithProgressBar(enabled bool) *Config {
	c.progress = enabled
	return c
}

// validate is called by NewTrainer. It checks only what does not depend on
// the graphs; graph-dependent checks (optimizer groups, compare points)
// happen during trainer construction.
func (c *Config) validate() error {
	if c.epochs < 0 {
		return errors.Errorf("config: epochs must be >= 0, got %d", c.epochs)
	}
	if c.rounding != STERounding && c.rounding != SoftRounding {
		return errors.Errorf("config: invalid rounding policy %d", int(c.rounding))
	}
	if c.optimizer == nil {
		return errors.Errorf("config: the primary optimizer must not be nil")
	}
	if c.loss == nil {
		return errors.Errorf("config: the loss function must not be nil")
	}
	if c.jacobianWeighting {
		if c.samplesForLoss < 1 {
			return errors.Errorf("config: samples for loss must be >= 1, got %d", c.samplesForLoss)
		}
		if c.powerIterations < 1 {
			return errors.Errorf("config: power iterations must be >= 1, got %d", c.powerIterations)
		}
	}
	if c.diagnostics == nil {
		c.diagnostics = klogDiagnostics{}
	}
	return nil
}

// needsTotalSteps reports whether any configured schedule must know the
// total number of training steps in advance, triggering the dataset dry run.
func (c *Config) needsTotalSteps() bool {
	return c.rounding == SoftRounding || c.gradualActivation
}
