package sparsetune

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sparselab/sparsetune/evaluate"
	"github.com/sparselab/sparsetune/fit"
	"github.com/sparselab/sparsetune/penalties"
	"github.com/sparselab/sparsetune/search"
	"github.com/sparselab/sparsetune/taps"
)

// Experiment ties the pieces together over a base directory: training runs
// checkpoint under it, the search trial log and the metrics CSV live in it.
type Experiment struct {
	backend backends.Backend
	ctx     *context.Context
	baseDir string

	// NewContext creates the context for each search trial, before the
	// trial's hyperparameters are applied. Defaults to CreateDefaultContext;
	// the CLI overrides it to re-apply command-line settings.
	NewContext func() *context.Context

	// OnEpochEnd and OnTrialEnd, if set, receive progress updates.
	OnEpochEnd func(s *fit.State)
	OnTrialEnd func(t search.Trial)
}

// NewExperiment creates an Experiment using ctx for training and evaluation
// configuration, rooted at baseDir.
func NewExperiment(backend backends.Backend, ctx *context.Context, baseDir string) *Experiment {
	return &Experiment{
		backend:    backend,
		ctx:        ctx,
		baseDir:    baseDir,
		NewContext: CreateDefaultContext,
	}
}

// CheckpointDir of the (single, non-search) training run.
func (e *Experiment) CheckpointDir() string { return filepath.Join(e.baseDir, "checkpoints") }

// TrialsLogPath of the hyperparameter search.
func (e *Experiment) TrialsLogPath() string { return filepath.Join(e.baseDir, "trials.csv") }

// MetricsPath of the accumulated evaluation metrics.
func (e *Experiment) MetricsPath() string { return filepath.Join(e.baseDir, evaluate.MetricsFileName) }

// Train runs (or resumes) one training run with the experiment's context,
// checkpointing under CheckpointDir.
func (e *Experiment) Train() (*fit.Result, error) {
	return e.train(e.ctx, e.CheckpointDir())
}

// train runs one training run with the given context, checkpointing under
// dir. Configuration errors surface here, before the training-failure
// boundary of fit.Run.
func (e *Experiment) train(ctx *context.Context, dir string) (*fit.Result, error) {
	if err := penalties.ValidateContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "invalid penalty configuration")
	}
	trainDS, validDS, _, err := Datasets(e.backend, ctx)
	if err != nil {
		return nil, err
	}
	model := NewModel()
	if model.SourceRef, err = sourceReference(ctx); err != nil {
		return nil, err
	}
	cfg := fit.ConfigFromContext(ctx, dir)
	cfg.OnEpochEnd = e.OnEpochEnd
	return fit.Run(e.backend, ctx, model.BuildGraph, losses.SparseCategoricalCrossEntropyLogits,
		trainDS, validDS, cfg)
}

// DefaultSpace is the search space of the sparsity study: penalty kind and
// strength, the transformed-L1 beta and the learning rate.
func DefaultSpace() (*search.Space, error) {
	return search.NewSpace(
		search.CategoricalDim(penalties.ParamPenalty, "l1", "hoyer_square", "transformed_l1"),
		search.LogFloatDim(penalties.ParamAlpha, 1e-6, 1e-1),
		search.LogFloatDim(penalties.ParamBeta, 1e-3, 10),
		search.LogFloatDim(optimizers.ParamLearningRate, 1e-4, 1e-2),
	)
}

// Search runs (or resumes) the hyperparameter search: numTrials trials, each
// a full training run in its own sub-directory with the trial's
// hyperparameters applied on top of a fresh context, minimizing the best
// validation loss. The trial log under TrialsLogPath makes the search
// resumable.
func (e *Experiment) Search(space *search.Space, numTrials int) (search.Trial, error) {
	var err error
	if space == nil {
		space, err = DefaultSpace()
		if err != nil {
			return search.Trial{}, err
		}
	}
	loop, err := search.NewLoop(space, search.LoopConfig{
		NumTrials: numTrials,
		LogPath:   e.TrialsLogPath(),
		Seed:      int64(context.GetParamOr(e.ctx, ParamSearchSeed, 0)),
	})
	if err != nil {
		return search.Trial{}, err
	}

	var fatal error
	best, err := loop.Run(func(trial search.Trial) float64 {
		if fatal != nil {
			// A fatal error already aborted the search; drain the budget.
			return math.Inf(1)
		}
		trialCtx := e.trialContext(trial)
		dir := filepath.Join(e.baseDir, "trials", fmt.Sprintf("trial-%03d", trial.Index))
		// Failed and interrupted trials never reach the log, so after a crash
		// this index may already have been used by a different configuration.
		// A leftover run under the directory would be silently resumed with
		// its old hyperparameters and loss; proposed trials always start from
		// scratch.
		if err := os.RemoveAll(dir); err != nil {
			fatal = errors.Wrapf(err, "failed to clear trial directory %q", dir)
			return math.Inf(1)
		}
		result, trainErr := e.train(trialCtx, dir)
		if trainErr != nil {
			fatal = errors.WithMessagef(trainErr, "trial %d", trial.Index)
			return math.Inf(1)
		}
		klog.V(1).Infof("search: trial %d: %v -> validation loss %g",
			trial.Index, trial.Values, result.BestValidLoss)
		if e.OnTrialEnd != nil {
			finished := trial
			finished.Loss = result.BestValidLoss
			e.OnTrialEnd(finished)
		}
		return result.BestValidLoss
	})
	if fatal != nil {
		return search.Trial{}, fatal
	}
	return best, err
}

// sourceReference warm-starts ctx with the weights of the training run named
// by ParamSourceCheckpoint and snapshots the loaded model weights as the
// reference the distance-from-source penalty pulls towards. It returns nil
// when the parameter is unset.
func sourceReference(ctx *context.Context) (penalties.Reference, error) {
	srcDir := context.GetParamOr(ctx, ParamSourceCheckpoint, "")
	if srcDir == "" {
		return nil, nil
	}
	if err := evaluate.LoadBestWeights(ctx, srcDir); err != nil {
		return nil, errors.WithMessagef(err, "loading source model from %q", srcDir)
	}
	// Only model weights serve as the reference: the optimizer state loaded
	// along with them is not part of the source model.
	prefix := context.ScopeSeparator + "model" + context.ScopeSeparator
	ref := make(penalties.Reference)
	for name, value := range penalties.ReferenceFromContext(ctx) {
		if strings.HasPrefix(name, prefix) {
			ref[name] = value
		}
	}
	if len(ref) == 0 {
		return nil, errors.Errorf("source checkpoint in %q holds no model weights", srcDir)
	}
	return ref, nil
}

// trialContext builds the context of one search trial: a fresh context with
// the trial's hyperparameters applied and a per-trial random seed.
func (e *Experiment) trialContext(trial search.Trial) *context.Context {
	ctx := e.NewContext()
	for name, value := range trial.Values {
		ctx.SetParam(name, value)
	}
	seed := int64(context.GetParamOr(ctx, ParamRngSeed, 42)) + int64(trial.Index)
	ctx.SetRNGStateFromSeed(seed)
	return ctx
}

// Evaluate loads the best checkpoint of the training run under CheckpointDir,
// evaluates it on the held-out test split and appends a row to the metrics
// CSV. A wrapped evaluate.ErrNoCheckpoint is returned when no best checkpoint
// exists yet.
//
// The model and data hyperparameters come from the checkpoint itself, so the
// evaluated graph and the test split match the training run exactly. When
// ParamMCDropout is set on the experiment's context, ParamMCSamples
// stochastic passes are averaged and the outcome carries per-example
// predictive entropies.
func (e *Experiment) Evaluate() (*evaluate.Outcome, error) {
	ctx := context.New()
	if err := evaluate.LoadBest(ctx, e.CheckpointDir()); err != nil {
		return nil, err
	}
	numPasses := 1
	if context.GetParamOr(e.ctx, ParamMCDropout, false) {
		numPasses = context.GetParamOr(e.ctx, ParamMCSamples, 20)
		ctx.SetParam(ParamMCDropout, true)
	}
	_, _, testDS, err := Datasets(e.backend, ctx)
	if err != nil {
		return nil, err
	}
	model := NewModel()
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 4)
	evaluator := evaluate.New(e.backend, ctx, model.BuildGraph, numClasses, numPasses)
	outcome, err := evaluator.Eval(testDS)
	if err != nil {
		return nil, err
	}
	row := evaluate.RowFromOutcome(
		context.GetParamOr(ctx, penalties.ParamPenalty, "none"),
		context.GetParamOr(ctx, penalties.ParamBeta, 1.0),
		context.GetParamOr(ctx, penalties.ParamAlpha, 0.0),
		outcome)
	if err := evaluate.AppendMetricsRow(e.MetricsPath(), row); err != nil {
		return nil, err
	}
	return outcome, nil
}

// LayerSparsity loads the best checkpoint and measures, on one test batch,
// the fraction of exactly-zero activations per tapped layer.
func (e *Experiment) LayerSparsity() (layerNames []string, fractions []float64, err error) {
	ctx := context.New()
	if err = evaluate.LoadBest(ctx, e.CheckpointDir()); err != nil {
		return nil, nil, err
	}
	_, _, testDS, err := Datasets(e.backend, ctx)
	if err != nil {
		return nil, nil, err
	}
	model := NewModel()
	exec := context.MustNewExec(e.backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		_ = model.BuildGraph(ctx, nil, inputs)
		g := inputs[0].Graph()
		snapshot := model.Taps.Snapshot(g)
		layerNames = layerNames[:0]
		for _, tap := range snapshot {
			layerNames = append(layerNames, tap.Path)
		}
		return taps.FractionOfZeros(snapshot)
	})
	_, inputs, _, err := testDS.Yield()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading test dataset")
	}
	args := make([]any, len(inputs))
	for ii, t := range inputs {
		args[ii] = t
	}
	outputs, _, err := exec.ExecWithGraph(args...)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to measure activation sparsity")
	}
	fractions = make([]float64, len(outputs))
	for ii, t := range outputs {
		fractions[ii] = shapes.ConvertTo[float64](t.Value())
	}
	return layerNames, fractions, nil
}
