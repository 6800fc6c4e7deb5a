// Package fit runs resumable epoch training: a plateau learning-rate
// schedule, early stopping and latest/best checkpointing on top of a gomlx
// train.Trainer.
//
// The unit of progress is the epoch. After each epoch the model is evaluated
// on a validation dataset (task loss only -- penalty terms added during
// training are not part of the validation loss), the learning rate is decayed
// on plateaus, and the run stops early when the validation loss stops
// improving.
//
// Two checkpoints are maintained under the configured directory:
//
//   - latest/ -- model + optimizer variables plus a state.json sidecar with
//     the epoch curves and counters, overwritten every CheckpointInterval
//     epochs and when the run exits. Restarting a run with the same directory
//     resumes from it transparently; a missing directory is a fresh start.
//   - best/ -- a copy of the checkpoint with the lowest validation loss seen,
//     overwritten only on strict improvement. This is the checkpoint the
//     evaluation stage loads.
//
// Panics during graph building or from the backend are recovered at the Run
// boundary and reported as a failed Result with BestValidLoss = +Inf, so a
// hyperparameter search can treat a crashed configuration as maximally bad
// instead of aborting the whole search.
package fit

import (
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamEpochs context hyperparameter sets the epoch budget of a run.
	// The default is 100.
	ParamEpochs = "epochs"

	// ParamLRPatience context hyperparameter sets how many epochs without
	// improvement of the validation loss trigger a learning-rate decay.
	// The default is 3.
	ParamLRPatience = "lr_patience"

	// ParamESPatience context hyperparameter sets how many epochs without
	// improvement of the validation loss stop the run. The default is 10.
	ParamESPatience = "early_stop_patience"

	// ParamLRFactor context hyperparameter sets the multiplicative
	// learning-rate decay applied on plateaus. The default is 0.25.
	ParamLRFactor = "lr_factor"

	// ParamMinLearningRate context hyperparameter sets the floor under which
	// the learning rate is never decayed. The default is 1e-6.
	ParamMinLearningRate = "min_learning_rate"

	// ParamCheckpointInterval context hyperparameter sets how many epochs
	// pass between overwrites of the latest checkpoint. The default is 1.
	ParamCheckpointInterval = "checkpoint_interval"
)

// Sub-directories of Config.Dir holding the two checkpoints.
const (
	LatestDirName = "latest"
	BestDirName   = "best"
)

// BestCheckpointBase is the base file name of the best checkpoint copy. The
// "checkpoint-" prefix keeps it loadable by checkpoints.Load.
const BestCheckpointBase = "checkpoint-best"

// Config of a training run. Use ConfigFromContext to read it from context
// hyperparameters.
type Config struct {
	// Epochs is the total epoch budget, counted from epoch 0 -- a resumed run
	// only trains the remaining epochs.
	Epochs int

	// LRPatience: epochs without improvement before each learning-rate decay.
	LRPatience int

	// ESPatience: epochs without improvement before stopping the run.
	ESPatience int

	// LRFactor multiplies the learning rate on each plateau decay. Must be in
	// (0, 1).
	LRFactor float64

	// MinLearningRate floors the decayed learning rate.
	MinLearningRate float64

	// CheckpointInterval: epochs between overwrites of the latest checkpoint.
	CheckpointInterval int

	// Dir is the base checkpoint directory, holding the latest/ and best/
	// sub-directories.
	Dir string

	// DType of the learning-rate variable, matching the model's loss dtype.
	DType dtypes.DType

	// OnEpochEnd, if set, is called after each completed epoch with the
	// updated state. Used for progress reporting.
	OnEpochEnd func(s *State)
}

// ConfigFromContext reads the training hyperparameters from ctx, with dir as
// the base checkpoint directory.
func ConfigFromContext(ctx *context.Context, dir string) Config {
	return Config{
		Epochs:             context.GetParamOr(ctx, ParamEpochs, 100),
		LRPatience:         context.GetParamOr(ctx, ParamLRPatience, 3),
		ESPatience:         context.GetParamOr(ctx, ParamESPatience, 10),
		LRFactor:           context.GetParamOr(ctx, ParamLRFactor, 0.25),
		MinLearningRate:    context.GetParamOr(ctx, ParamMinLearningRate, 1e-6),
		CheckpointInterval: context.GetParamOr(ctx, ParamCheckpointInterval, 1),
		Dir:                dir,
		DType:              dtypes.Float32,
	}
}

// Validate returns an error on any nonsensical configuration value. Run calls
// it before anything else; configuration errors are fatal and never converted
// to a failed Result.
func (c *Config) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("fit: %s must be > 0, got %d", ParamEpochs, c.Epochs)
	}
	if c.LRPatience <= 0 {
		return errors.Errorf("fit: %s must be > 0, got %d", ParamLRPatience, c.LRPatience)
	}
	if c.ESPatience <= 0 {
		return errors.Errorf("fit: %s must be > 0, got %d", ParamESPatience, c.ESPatience)
	}
	if c.LRFactor <= 0 || c.LRFactor >= 1 {
		return errors.Errorf("fit: %s must be in (0, 1), got %g", ParamLRFactor, c.LRFactor)
	}
	if c.MinLearningRate < 0 {
		return errors.Errorf("fit: %s must be >= 0, got %g", ParamMinLearningRate, c.MinLearningRate)
	}
	if c.CheckpointInterval <= 0 {
		return errors.Errorf("fit: %s must be > 0, got %d", ParamCheckpointInterval, c.CheckpointInterval)
	}
	if c.Dir == "" {
		return errors.Errorf("fit: checkpoint directory not set")
	}
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
	return nil
}

// NextLearningRate returns the learning rate for the epoch after a
// non-improving one: every LRPatience consecutive epochs without improvement
// the rate is multiplied by LRFactor, floored at MinLearningRate.
func (c *Config) NextLearningRate(current float64, epochsSinceImprovement int) float64 {
	if epochsSinceImprovement <= 0 || epochsSinceImprovement%c.LRPatience != 0 {
		return current
	}
	return math.Max(current*c.LRFactor, c.MinLearningRate)
}

// Result of a training run.
type Result struct {
	// State after the last completed epoch.
	State State

	// BestValidLoss of the run: the value the hyperparameter search
	// minimizes. +Inf if the run failed.
	BestValidLoss float64

	// StoppedEarly is set when the run ended by early stopping rather than by
	// exhausting the epoch budget.
	StoppedEarly bool

	// Failed is set when training crashed or diverged. The failure itself is
	// in Err; BestValidLoss is +Inf.
	Failed bool

	// Err holds the training failure when Failed is set. Nil otherwise.
	Err error
}

// Run trains the model for the configured number of epochs, resuming from the
// latest checkpoint in cfg.Dir when one is present.
//
// The returned error covers configuration and persistence problems, which are
// fatal. Training failures -- graph building panics, backend errors, NaN or
// infinite losses -- do not produce an error: they are logged and returned as
// a Result with Failed set and BestValidLoss = +Inf.
func Run(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, lossFn train.LossFn,
	trainDS, validDS train.Dataset, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	latestDir := filepath.Join(cfg.Dir, LatestDirName)
	bestDir := filepath.Join(cfg.Dir, BestDirName)
	for _, dir := range []string{latestDir, bestDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
		}
	}

	// The handler restores the latest checkpoint's variables and params into
	// ctx, if one exists.
	handler, err := checkpoints.Build(ctx).Dir(latestDir).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to attach checkpoint handler to %q", latestDir)
	}
	state, resumed, err := LoadStateIfPresent(latestDir)
	if err != nil {
		return nil, err
	}
	if resumed {
		klog.V(1).Infof("fit: resuming from %q at epoch %d (best validation loss %g)",
			latestDir, state.Epoch, state.BestValidLoss)
	}

	run := &runner{
		cfg:     cfg,
		ctx:     ctx,
		handler: handler,
		state:   state,
		latest:  latestDir,
		best:    bestDir,
	}
	var result *Result
	var fatal error
	panicErr := exceptions.TryCatch[error](func() {
		run.trainer = train.NewTrainer(backend, ctx, modelFn, lossFn,
			optimizers.FromContext(ctx),
			[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")},
			[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
		if optimizers.GetGlobalStep(ctx) > 0 {
			// Resumed run: variables already exist in ctx.
			run.trainer.SetContext(ctx.Reuse())
		}
		result, fatal = run.epochs(trainDS, validDS)
	})
	if fatal != nil {
		return nil, fatal
	}
	if panicErr != nil {
		klog.Warningf("fit: training run in %q failed: %+v", cfg.Dir, panicErr)
		return &Result{
			State:         run.state,
			BestValidLoss: math.Inf(1),
			Failed:        true,
			Err:           panicErr,
		}, nil
	}
	return result, nil
}

// runner carries the state of one Run call through the epoch loop.
type runner struct {
	cfg          Config
	ctx          *context.Context
	trainer      *train.Trainer
	handler      *checkpoints.Handler
	state        State
	latest, best string
}

// epochs is the inner loop of Run. It returns a failed Result for training
// errors and a non-nil fatal error for persistence problems; panics propagate
// to the TryCatch boundary in Run.
func (r *runner) epochs(trainDS, validDS train.Dataset) (*Result, error) {
	cfg := &r.cfg
	stoppedEarly := false
	dirty := false // epochs trained since the last latest-checkpoint save

	for r.state.Epoch < cfg.Epochs {
		trainLoss, trainAcc, err := r.trainEpoch(trainDS)
		if err != nil {
			return r.failed(err)
		}
		validLoss, validAcc, err := r.evalEpoch(validDS)
		if err != nil {
			return r.failed(err)
		}

		lrVar := r.learningRateVar()
		lr := shapes.ConvertTo[float64](lrVar.MustValue().Value())
		improved := r.state.RecordEpoch(EpochMetrics{
			TrainLoss:    trainLoss,
			TrainAcc:     trainAcc,
			ValidLoss:    validLoss,
			ValidAcc:     validAcc,
			LearningRate: lr,
		})
		dirty = true

		if improved {
			// Best checkpoints are copies of a freshly saved latest
			// checkpoint, so both reflect this epoch's variables.
			if err := r.saveLatest(); err != nil {
				return nil, err
			}
			dirty = false
			if err := r.saveBest(); err != nil {
				return nil, err
			}
		} else if newLR := cfg.NextLearningRate(lr, r.state.EpochsSinceImprovement); newLR < lr {
			lrVar.MustSetValue(tensors.FromAnyValue(shapes.CastAsDType(newLR, cfg.DType)))
			klog.V(1).Infof("fit: epoch %d: validation loss plateaued, learning rate %g -> %g",
				r.state.Epoch, lr, newLR)
		}

		if dirty && r.state.Epoch%cfg.CheckpointInterval == 0 {
			if err := r.saveLatest(); err != nil {
				return nil, err
			}
			dirty = false
		}
		if cfg.OnEpochEnd != nil {
			cfg.OnEpochEnd(&r.state)
		}
		if r.state.EpochsSinceImprovement >= cfg.ESPatience {
			stoppedEarly = true
			break
		}
	}

	if dirty {
		if err := r.saveLatest(); err != nil {
			return nil, err
		}
	}
	return &Result{
		State:         r.state,
		BestValidLoss: r.state.BestValidLoss,
		StoppedEarly:  stoppedEarly,
	}, nil
}

// trainEpoch runs one pass over trainDS and returns the mean batch loss
// (including penalty terms) and the mean training accuracy.
func (r *runner) trainEpoch(ds train.Dataset) (meanLoss, meanAcc float64, err error) {
	if err = r.trainer.ResetTrainMetrics(); err != nil {
		return 0, 0, err
	}
	var lossSum float64
	var steps int
	var lastMetrics []*tensors.Tensor
	spec, inputs, labels, err := ds.Yield()
	for err == nil {
		lastMetrics, err = r.trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "training epoch %d", r.state.Epoch+1)
		}
		batchLoss := shapes.ConvertTo[float64](lastMetrics[0].Value())
		if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
			return 0, 0, errors.Errorf("batch loss is %g at epoch %d, training interrupted",
				batchLoss, r.state.Epoch+1)
		}
		lossSum += batchLoss
		steps++
		spec, inputs, labels, err = ds.Yield()
	}
	if err != io.EOF {
		return 0, 0, errors.WithMessagef(err, "reading training dataset %q", ds.Name())
	}
	ds.Reset()
	if steps == 0 {
		return 0, 0, errors.Errorf("training dataset %q yielded no batches", ds.Name())
	}
	// The accuracy metric accumulates over the epoch; the last step holds the
	// epoch mean.
	accIdx := indexOfMetric(r.trainer.TrainMetrics(), "#acc")
	meanAcc = shapes.ConvertTo[float64](lastMetrics[accIdx].Value())
	return lossSum / float64(steps), meanAcc, nil
}

// evalEpoch evaluates the model over validDS and returns the task loss
// (penalties excluded: they are only added to the training loss) and the
// accuracy.
func (r *runner) evalEpoch(ds train.Dataset) (loss, acc float64, err error) {
	results, err := r.trainer.Eval(ds)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "evaluating on %q at epoch %d", ds.Name(), r.state.Epoch+1)
	}
	ds.Reset()
	evalMetrics := r.trainer.EvalMetrics()
	lossIdx := -1
	for ii, m := range evalMetrics {
		if m.MetricType() == metrics.LossMetricType {
			lossIdx = ii
			break
		}
	}
	if lossIdx == -1 {
		return 0, 0, errors.Errorf("trainer reports no loss metric for evaluation")
	}
	loss = shapes.ConvertTo[float64](results[lossIdx].Value())
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, 0, errors.Errorf("validation loss is %g at epoch %d, training interrupted",
			loss, r.state.Epoch+1)
	}
	acc = shapes.ConvertTo[float64](results[indexOfMetric(evalMetrics, "#acc")].Value())
	return loss, acc, nil
}

func indexOfMetric(list []metrics.Interface, shortName string) int {
	for ii, m := range list {
		if m.ShortName() == shortName {
			return ii
		}
	}
	exceptions.Panicf("metric %q not registered in trainer", shortName)
	return -1
}

// learningRateVar returns the learning-rate variable shared with the
// optimizer, creating it at the configured initial rate if the first epoch
// has somehow not created it yet.
func (r *runner) learningRateVar() *context.Variable {
	initial := context.GetParamOr(r.ctx, optimizers.ParamLearningRate, 0.001)
	return optimizers.LearningRateVar(r.ctx, r.cfg.DType, initial)
}

func (r *runner) failed(err error) (*Result, error) {
	klog.Warningf("fit: training run in %q failed: %+v", r.cfg.Dir, err)
	return &Result{
		State:         r.state,
		BestValidLoss: math.Inf(1),
		Failed:        true,
		Err:           err,
	}, nil
}

// saveLatest overwrites the latest checkpoint and its state.json sidecar.
func (r *runner) saveLatest() error {
	if err := r.handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save latest checkpoint to %q", r.latest)
	}
	return SaveState(r.latest, &r.state)
}

// saveBest copies the newest latest-checkpoint file pair into the best/
// directory under a fixed name, atomically (temporary files + rename). It
// must be called right after saveLatest.
func (r *runner) saveBest() error {
	list, err := r.handler.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed to list checkpoints in %q", r.latest)
	}
	if len(list) == 0 {
		return errors.Errorf("no checkpoint found in %q to copy as best", r.latest)
	}
	newest := list[len(list)-1]
	for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
		src := filepath.Join(r.handler.Dir(), newest+suffix)
		dst := filepath.Join(r.best, BestCheckpointBase+suffix)
		if err := copyFileAtomic(src, dst); err != nil {
			return errors.WithMessagef(err, "failed to copy best checkpoint to %q", r.best)
		}
	}
	return SaveState(r.best, &r.state)
}

func copyFileAtomic(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "reading %q", src)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "writing %q", tmp)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrapf(err, "renaming %q to %q", tmp, dst)
	}
	return nil
}
