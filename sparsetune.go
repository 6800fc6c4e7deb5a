// Package sparsetune orchestrates activation-sparsity fine-tuning
// experiments: training a classifier with activation penalties (see
// penalties), a resumable epoch training loop with plateau learning-rate
// decay and early stopping (see fit), sequential model-based hyperparameter
// search (see search) and evaluation with Monte-Carlo dropout uncertainty
// (see evaluate).
//
// Every knob of an experiment is a context hyperparameter, settable from the
// command line (see cmd/sparsetune); CreateDefaultContext lists them all with
// their defaults.
package sparsetune

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/sparselab/sparsetune/fit"
	"github.com/sparselab/sparsetune/penalties"
)

const (
	// ParamNumClasses context hyperparameter sets the number of classes of
	// the synthetic spirals data and of the model's readout. Default 4.
	ParamNumClasses = "num_classes"

	// ParamNumHiddenLayers context hyperparameter sets the number of hidden
	// layers of the classifier. Default 3.
	ParamNumHiddenLayers = "num_hidden_layers"

	// ParamNumHiddenNodes context hyperparameter sets the width of each
	// hidden layer. Default 64.
	ParamNumHiddenNodes = "num_hidden_nodes"

	// ParamMCDropout context hyperparameter keeps dropout active outside
	// training, for Monte-Carlo dropout uncertainty estimation. Default
	// false; set only on evaluation contexts.
	ParamMCDropout = "mc_dropout"

	// ParamExamplesPerClass context hyperparameter sets how many synthetic
	// examples are generated per class. Default 500.
	ParamExamplesPerClass = "data_examples_per_class"

	// ParamDataNoise context hyperparameter sets the standard deviation of
	// the noise added to the synthetic spiral arms. Default 0.15.
	ParamDataNoise = "data_noise"

	// ParamDataSeed context hyperparameter seeds the synthetic data
	// generator, so train/validation/test splits are reproducible. Default
	// 42.
	ParamDataSeed = "data_seed"

	// ParamRngSeed context hyperparameter seeds the context's random state
	// (variable initialization, dropout masks). Default 42.
	ParamRngSeed = "rng_seed"

	// ParamSearchSeed context hyperparameter seeds the hyperparameter search
	// surrogate. Default 0.
	ParamSearchSeed = "search_seed"

	// ParamSearchTrials context hyperparameter sets the search trial budget.
	// Default 25.
	ParamSearchTrials = "search_trials"

	// ParamMCSamples context hyperparameter sets how many stochastic forward
	// passes are averaged in Monte-Carlo dropout evaluation. Default 20.
	ParamMCSamples = "mc_samples"

	// ParamSourceCheckpoint context hyperparameter names the base checkpoint
	// directory of a finished training run whose best weights warm-start this
	// run and serve as the reference of the distance-from-source penalty
	// (penalties.ParamSourceDistance). Empty (the default) trains from
	// scratch.
	ParamSourceCheckpoint = "source_checkpoint"
)

// CreateDefaultContext creates a context with the default hyperparameter
// settings of every component, and a seeded random state.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Data and model.
		ParamNumClasses:       4,
		ParamNumHiddenLayers:  3,
		ParamNumHiddenNodes:   64,
		ParamExamplesPerClass: 500,
		ParamDataNoise:        0.15,
		ParamDataSeed:         42,
		ParamRngSeed:          42,
		"batch_size":          64,
		"eval_batch_size":     256,

		activations.ParamActivation: "relu",
		layers.ParamDropoutRate:     0.2,

		// Optimization.
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,

		// Training loop.
		fit.ParamEpochs:             50,
		fit.ParamLRPatience:         3,
		fit.ParamESPatience:         10,
		fit.ParamLRFactor:           0.25,
		fit.ParamMinLearningRate:    1e-6,
		fit.ParamCheckpointInterval: 1,

		// Activation penalties and fine-tuning.
		penalties.ParamPenalty:        "none",
		penalties.ParamAlpha:          0.0,
		penalties.ParamBeta:           1.0,
		penalties.ParamSourceDistance: 0.0,
		ParamSourceCheckpoint:         "",

		// Search and evaluation.
		ParamSearchSeed:   0,
		ParamSearchTrials: 25,
		ParamMCSamples:    20,
		ParamMCDropout:    false,
	})
	ctx.SetRNGStateFromSeed(int64(context.GetParamOr(ctx, ParamRngSeed, 42)))
	return ctx
}
