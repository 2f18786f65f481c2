// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gptq

import (
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gptq/qgraph"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// State is the lifecycle position of a Trainer.
type State int

const (
	// StateBuilt: the trainer is constructed, quantizer variables are
	// initialized and loss weights estimated, but no training happened yet.
	StateBuilt State = iota

	// StateTrained: Train completed. The quantizer variables hold the
	// fine-tuned parameters but the quantized graph is untouched.
	StateTrained

	// StateUpdated: UpdateGraph wrote the fine-tuned quantization back into
	// the quantized graph. The trainer is finished.
	StateUpdated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateTrained:
		return "trained"
	case StateUpdated:
		return "updated"
	}
	return "invalid"
}

// Trainer fine-tunes the quantization parameters of a quantized graph so its
// intermediate outputs match those of the float graph it was derived from.
// Build it with NewTrainer, run Train once and collect the result with
// UpdateGraph.
//
// The Trainer owns private clones of both graphs: training never mutates the
// graphs given to NewTrainer, and the graph returned by UpdateGraph is the
// trainer's own copy.
//
// A Trainer is not safe for concurrent use.
type Trainer struct {
	backend backends.Backend
	cfg     *Config
	ds      train.Dataset

	ctx        *context.Context
	graphFloat *qgraph.Graph
	graphQuant *qgraph.Graph

	pair   *modelPair
	groups []optimizerGroup

	// totalSteps is epochs times batches, known only when a schedule needs
	// it (soft rounding, gradual activation quantization); otherwise 0.
	totalSteps int

	lossWeights []float64
	lossHistory []float64
	state       State
}

// NewTrainer builds a GPTQ trainer for the given float/quantized graph pair.
// The representative dataset ds provides the calibration inputs; its labels,
// if any, are ignored. A nil cfg means NewConfig() defaults.
//
// Construction validates the configuration, wraps every layer with weights
// quantization enabled, assembles the optimizer groups and estimates the
// per-point loss weights, so it already runs the graphs when jacobian
// weighting is on.
func NewTrainer(backend backends.Backend, graphFloat, graphQuant *qgraph.Graph,
	cfg *Config, ds train.Dataset) (*Trainer, error) {
	if backend == nil {
		return nil, errors.Errorf("gptq: backend must not be nil")
	}
	if graphFloat == nil || graphQuant == nil {
		return nil, errors.Errorf("gptq: both the float and the quantized graph must be given")
	}
	if ds == nil {
		return nil, errors.Errorf("gptq: a representative dataset must be given")
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if graphFloat.InputScale != graphQuant.InputScale {
		return nil, errors.Errorf(
			"gptq: the float and quantized graphs disagree on the input scale: %g vs %g",
			graphFloat.InputScale, graphQuant.InputScale)
	}

	t := &Trainer{
		backend:    backend,
		cfg:        cfg,
		ds:         ds,
		ctx:        context.New(),
		graphFloat: graphFloat.Clone(),
		graphQuant: graphQuant.Clone(),
		state:      StateBuilt,
	}

	if cfg.needsTotalSteps() {
		batches, err := countBatches(ds)
		if err != nil {
			return nil, err
		}
		if batches == 0 {
			return nil, errors.Errorf(
				"gptq: the representative dataset %q yielded no batches, cannot size the training schedules",
				ds.Name())
		}
		t.totalSteps = cfg.epochs * batches
	}

	var pairErr error
	err := exceptions.TryCatch[error](func() {
		t.pair, pairErr = newModelPair(t.ctx, t.graphFloat, t.graphQuant, cfg, t.totalSteps)
	})
	if err == nil {
		err = pairErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "gptq: building the quantized model pair")
	}

	t.groups, err = buildOptimizerGroups(cfg, t.pair)
	if err != nil {
		return nil, err
	}

	if cfg.jacobianWeighting && len(t.pair.points) > 0 {
		t.lossWeights, err = jacobianLossWeights(backend, t.ctx, t.graphFloat, t.pair.points, cfg, ds)
		if err != nil {
			return nil, err
		}
	} else {
		t.lossWeights = uniformWeights(len(t.pair.points))
	}

	t.logBuildSummary()
	return t, nil
}

// Train runs the fine-tuning loop: epochs passes over the representative
// dataset, one optimization step per batch. It can only be called once, on a
// freshly built trainer.
//
// When the graphs have no layer with trainable quantization parameters Train
// is a no-op and the trainer stays in StateBuilt, so UpdateGraph still works.
func (t *Trainer) Train() error {
	if t.state != StateBuilt {
		return errors.Errorf("gptq: Train can only run on a freshly built trainer, this one is already %s", t.state)
	}
	if len(t.pair.layers) == 0 {
		t.cfg.diagnostics.Warningf("gptq: no layers with trainable quantization parameters, nothing to train")
		return nil
	}

	stepExec, err := context.NewExec(t.backend, t.ctx, t.trainStepGraph)
	if err != nil {
		return errors.WithMessage(err, "gptq: building the training step")
	}

	var bar *progressbar.ProgressBar
	if t.cfg.progress {
		bar = newTrainingBar(t.totalSteps)
	}

	names := pointNames(t.pair.points)
	numInputs := len(t.graphQuant.Inputs())
	step := 0
	for epoch := 0; epoch < t.cfg.epochs; epoch++ {
		t.ds.Reset()
		for {
			_, inputs, _, err := t.ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "gptq: reading the representative dataset %q", t.ds.Name())
			}
			if len(inputs) != numInputs {
				return errors.Errorf("gptq: dataset %q yielded %d inputs, the graphs take %d",
					t.ds.Name(), len(inputs), numInputs)
			}
			outputs, err := stepExec.Exec(tensorsAsArgs(inputs)...)
			if err != nil {
				return errors.WithMessagef(err, "gptq: training step %d", step)
			}
			loss, err := scalarToFloat64(outputs[0])
			if err != nil {
				return errors.WithMessagef(err, "gptq: reading the loss at step %d", step)
			}
			t.lossHistory = append(t.lossHistory, loss)
			if t.cfg.logFn != nil {
				t.callLogFn(step, loss, outputs[1:], names)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			step++
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	t.state = StateTrained
	return nil
}

// trainStepGraph builds the computation of one optimization step: both
// forwards, the weighted multi-point loss, regularization, and the update of
// every optimizer group. It is compiled once per input shape by Train's
// context.Exec.
func (t *Trainer) trainStepGraph(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
	g := inputs[0].Graph()
	if scale := t.graphQuant.InputScale; scale != 1 {
		scaled := make([]*graph.Node, len(inputs))
		for i, input := range inputs {
			scaled[i] = graph.MulScalar(input, scale)
		}
		inputs = scaled
	}

	teacherPoints := t.pair.teacherPointsGraph(inputs)
	studentPoints := t.pair.studentPointsGraph(inputs, true)
	studentKernels, teacherKernels := t.pair.lossKernelsGraph(g)
	mean, std := pointStats(t.pair.points)
	loss := t.cfg.loss(studentPoints, teacherPoints, studentKernels, teacherKernels, mean, std, t.lossWeights)

	if t.cfg.rounding == SoftRounding {
		var penalty *graph.Node
		for _, layer := range t.pair.layers {
			term := layer.quantizer.RegularizationGraph(g)
			if term == nil {
				continue
			}
			if penalty == nil {
				penalty = term
			} else {
				penalty = graph.Add(penalty, term)
			}
		}
		if penalty != nil {
			loss = graph.Add(loss, graph.MulScalar(penalty, t.cfg.regularizationFactor))
		}
	}

	outputs := []*graph.Node{loss}
	if t.cfg.logFn != nil {
		// Gradients reported to the callback are taken before any group
		// update rewrites the variable values in the graph.
		auxValues := make([]*graph.Node, 0, len(t.pair.layers))
		for _, v := range t.pair.auxVariables() {
			auxValues = append(auxValues, v.ValueGraph(g))
		}
		outputs = append(outputs, graph.Gradient(loss, auxValues...)...)
	}

	t.applyGroupsGraph(ctx, g, loss)
	return outputs
}

// applyGroupsGraph runs each optimizer group's update against the same
// pre-step loss. Groups are disjoint, and each group's gradients are taken
// with only its own variables marked trainable, so the sequential updates in
// one graph do not contaminate each other.
func (t *Trainer) applyGroupsGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	all := groupedVariables(t.groups)
	for _, v := range all {
		v.Trainable = false
	}
	defer func() {
		for _, v := range all {
			v.Trainable = true
		}
	}()
	for _, grp := range t.groups {
		if len(grp.vars) == 0 {
			continue
		}
		for _, v := range grp.vars {
			v.Trainable = true
		}
		grp.opt.UpdateGraph(ctx.In(scopeOptimizers).In(grp.name), g, loss)
		for _, v := range grp.vars {
			v.Trainable = false
		}
	}
}

// callLogFn materializes the aux parameter values and invokes the per-step
// callback.
func (t *Trainer) callLogFn(step int, loss float64, auxGradients []*tensors.Tensor, names []string) {
	auxVars := t.pair.auxVariables()
	params := make([]*tensors.Tensor, 0, len(auxVars))
	for _, v := range auxVars {
		params = append(params, v.MustValue())
	}
	t.cfg.logFn(step, loss, auxGradients, params, names)
}

// LossHistory returns a copy of the per-step training losses, in order. Empty
// before Train, and after a Train with nothing to train.
func (t *Trainer) LossHistory() []float64 {
	return slices.Clone(t.lossHistory)
}

// LossWeights returns a copy of the per-compare-point loss weights, estimated
// at construction.
func (t *Trainer) LossWeights() []float64 {
	return slices.Clone(t.lossWeights)
}

// State returns the trainer's lifecycle position.
func (t *Trainer) State() State {
	return t.state
}

// logBuildSummary reports what the trainer is about to fine-tune.
func (t *Trainer) logBuildSummary() {
	diag := t.cfg.diagnostics
	total := numParameters(groupedVariables(t.groups))
	diag.Infof("gptq: %d wrapped layers, %d compare points, %s trainable parameters, %s rounding, %d epochs",
		len(t.pair.layers), len(t.pair.points), humanize.Comma(int64(total)), t.cfg.rounding, t.cfg.epochs)
	for _, grp := range t.groups {
		diag.Infof("gptq: optimizer group %q with %d variables (%s parameters)",
			grp.name, len(grp.vars), humanize.Comma(int64(numParameters(grp.vars))))
	}
	if len(t.lossWeights) > 0 {
		diag.Infof("gptq: loss weights per compare point: %v", t.lossWeights)
	}
	if t.totalSteps > 0 {
		diag.Infof("gptq: schedules sized for %d total steps", t.totalSteps)
	}
}

// countBatches runs one pass over the dataset counting its batches. Used to
// size schedules that must know the total number of steps in advance.
func countBatches(ds train.Dataset) (int, error) {
	ds.Reset()
	defer ds.Reset()
	count := 0
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "gptq: counting batches of dataset %q", ds.Name())
		}
		count++
	}
}

// newTrainingBar builds the progress bar over training steps. With unknown
// totals (no schedule forced the dry-run count) it degrades to a spinner.
func newTrainingBar(totalSteps int) *progressbar.ProgressBar {
	if totalSteps <= 0 {
		totalSteps = -1
	}
	return progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("GPTQ fine-tuning"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
}
