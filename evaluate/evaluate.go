// Package evaluate reports classification quality of a trained model: a
// confusion matrix, accuracy and support-weighted precision/recall/F1, with
// an optional Monte-Carlo dropout mode that averages several stochastic
// forward passes and reports per-example predictive entropy as an uncertainty
// measure.
//
// The model under evaluation is usually loaded from the best checkpoint of a
// training run (see LoadBest); variables are only read, never updated.
package evaluate

import (
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sparselab/sparsetune/fit"
)

// ErrNoCheckpoint is returned (wrapped) by LoadBest when the training run has
// not produced a best checkpoint yet. Callers report it and move on; it is
// never a reason to panic.
var ErrNoCheckpoint = errors.New("no best checkpoint found")

// LoadBest loads the best checkpoint of the training run rooted at dir into
// ctx. It returns ErrNoCheckpoint (wrapped) if the run never saved one.
func LoadBest(ctx *context.Context, dir string) error {
	bestDir, err := bestCheckpointDir(dir)
	if err != nil {
		return err
	}
	if _, err := checkpoints.Load(ctx).Dir(bestDir).Done(); err != nil {
		return errors.WithMessagef(err, "failed to load best checkpoint from %q", bestDir)
	}
	return nil
}

// LoadBestWeights loads only the variables of the best checkpoint rooted at
// dir into ctx, immediately and without touching the hyperparameters of ctx.
// Used to warm-start fine-tuning runs, whose own configuration must win over
// the source run's. It returns ErrNoCheckpoint (wrapped) if the run never
// saved a best checkpoint.
func LoadBestWeights(ctx *context.Context, dir string) error {
	bestDir, err := bestCheckpointDir(dir)
	if err != nil {
		return err
	}
	if _, err := checkpoints.Load(ctx).Dir(bestDir).ExcludeAllParams().Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load best checkpoint weights from %q", bestDir)
	}
	return nil
}

func bestCheckpointDir(dir string) (string, error) {
	bestDir := filepath.Join(dir, fit.BestDirName)
	marker := filepath.Join(bestDir, fit.BestCheckpointBase+checkpoints.JsonNameSuffix)
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		return "", errors.WithMessagef(ErrNoCheckpoint, "in %q", bestDir)
	}
	return bestDir, nil
}

// Outcome of evaluating a model over a dataset.
type Outcome struct {
	NumExamples int
	NumClasses  int

	// Confusion counts examples by [true class][predicted class].
	Confusion [][]int

	// Loss is the mean categorical cross-entropy of the (averaged)
	// probabilities -- the task loss, no penalty terms.
	Loss float64

	Accuracy float64

	// Precision, Recall and F1 are averaged over classes weighted by true
	// class support.
	Precision, Recall, F1 float64

	// Entropy is the per-example predictive entropy of the averaged
	// probabilities, in nats. Meaningful as an uncertainty measure when
	// several stochastic passes were averaged.
	Entropy []float64

	// MeanEntropy over all examples.
	MeanEntropy float64
}

// Evaluator runs a classifier model over datasets and accumulates metrics.
type Evaluator struct {
	exec       *context.Exec
	numClasses int
	numPasses  int
}

// New creates an Evaluator for a model building function returning logits
// shaped [batch, numClasses].
//
// numPasses is how many forward passes are averaged per batch: 1 for plain
// evaluation; more for Monte-Carlo dropout, in which case ctx must carry the
// hyperparameter that keeps the model's dropout active outside training --
// otherwise the passes are deterministic and averaging is a no-op.
func New(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, numClasses, numPasses int) *Evaluator {
	if numPasses < 1 {
		numPasses = 1
	}
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		logits := modelFn(ctx, nil, inputs)[0]
		return []*Node{Softmax(logits)}
	})
	return &Evaluator{exec: exec, numClasses: numClasses, numPasses: numPasses}
}

// Eval runs the model over the whole dataset and computes the Outcome.
// Labels are expected as int (any width) tensors with one value per example.
func (e *Evaluator) Eval(ds train.Dataset) (*Outcome, error) {
	out := &Outcome{NumClasses: e.numClasses}
	out.Confusion = make([][]int, e.numClasses)
	for ii := range out.Confusion {
		out.Confusion[ii] = make([]int, e.numClasses)
	}

	var lossSum float64
	_, inputs, labels, err := ds.Yield()
	for err == nil {
		probs, batchErr := e.batchProbabilities(inputs)
		if batchErr != nil {
			return nil, batchErr
		}
		batchLabels, batchErr := labelValues(labels[0])
		if batchErr != nil {
			return nil, batchErr
		}
		if len(probs) != len(batchLabels) {
			return nil, errors.Errorf("dataset %q yielded %d labels for %d examples", ds.Name(), len(batchLabels), len(probs))
		}
		for ii, p := range probs {
			label := batchLabels[ii]
			if label < 0 || label >= e.numClasses {
				return nil, errors.Errorf("dataset %q yielded label %d outside [0, %d)", ds.Name(), label, e.numClasses)
			}
			pred := argmax(p)
			out.Confusion[label][pred]++
			lossSum += -math.Log(math.Max(p[label], 1e-12))
			out.Entropy = append(out.Entropy, entropy(p))
			out.NumExamples++
		}
		_, inputs, labels, err = ds.Yield()
	}
	if err != io.EOF {
		return nil, errors.WithMessagef(err, "reading dataset %q", ds.Name())
	}
	ds.Reset()
	if out.NumExamples == 0 {
		return nil, errors.Errorf("dataset %q yielded no examples", ds.Name())
	}

	out.Loss = lossSum / float64(out.NumExamples)
	for _, h := range out.Entropy {
		out.MeanEntropy += h
	}
	out.MeanEntropy /= float64(out.NumExamples)
	fillAggregates(out)
	return out, nil
}

// batchProbabilities returns per-example class probabilities, averaged over
// the configured number of forward passes.
func (e *Evaluator) batchProbabilities(inputs []*tensors.Tensor) ([][]float64, error) {
	var probs [][]float64
	for pass := 0; pass < e.numPasses; pass++ {
		args := make([]any, len(inputs))
		for ii, t := range inputs {
			args[ii] = t
		}
		result, err := e.exec.Exec1(args...)
		if err != nil {
			return nil, errors.WithMessagef(err, "model inference failed")
		}
		shape := result.Shape()
		if shape.Rank() != 2 || shape.Dimensions[1] != e.numClasses {
			return nil, errors.Errorf("model returned probabilities shaped %s, expected [batch, %d]", shape, e.numClasses)
		}
		batchSize := shape.Dimensions[0]
		if probs == nil {
			probs = make([][]float64, batchSize)
			for ii := range probs {
				probs[ii] = make([]float64, e.numClasses)
			}
		}
		if accErr := accumulateProbs(probs, result); accErr != nil {
			return nil, accErr
		}
	}
	if e.numPasses > 1 {
		for _, p := range probs {
			for jj := range p {
				p[jj] /= float64(e.numPasses)
			}
		}
	}
	return probs, nil
}

func accumulateProbs(probs [][]float64, t *tensors.Tensor) error {
	numClasses := len(probs[0])
	return tensors.ConstFlatData(t, func(flat []float32) {
		for ii := range probs {
			for jj := 0; jj < numClasses; jj++ {
				probs[ii][jj] += float64(flat[ii*numClasses+jj])
			}
		}
	})
}

func labelValues(t *tensors.Tensor) ([]int, error) {
	labels := make([]int, t.Size())
	var err error
	switch t.DType() {
	case dtypes.Int64:
		err = tensors.ConstFlatData(t, func(flat []int64) {
			for ii, v := range flat {
				labels[ii] = int(v)
			}
		})
	case dtypes.Int32:
		err = tensors.ConstFlatData(t, func(flat []int32) {
			for ii, v := range flat {
				labels[ii] = int(v)
			}
		})
	case dtypes.Int8:
		err = tensors.ConstFlatData(t, func(flat []int8) {
			for ii, v := range flat {
				labels[ii] = int(v)
			}
		})
	default:
		err = errors.Errorf("labels must have an integer dtype, got %s", t.DType())
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading labels")
	}
	return labels, nil
}

// fillAggregates computes accuracy and the support-weighted precision, recall
// and F1 from the confusion matrix. Classes never predicted (or absent from
// the data) contribute zero to their respective averages.
func fillAggregates(out *Outcome) {
	numClasses := out.NumClasses
	total := out.NumExamples
	var correct int
	var precisionSum, recallSum, f1Sum float64
	for c := 0; c < numClasses; c++ {
		tp := out.Confusion[c][c]
		correct += tp
		var support, predicted int
		for j := 0; j < numClasses; j++ {
			support += out.Confusion[c][j]
			predicted += out.Confusion[j][c]
		}
		var precision, recall, f1 float64
		if predicted > 0 {
			precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			recall = float64(tp) / float64(support)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		weight := float64(support) / float64(total)
		precisionSum += weight * precision
		recallSum += weight * recall
		f1Sum += weight * f1
	}
	out.Accuracy = float64(correct) / float64(total)
	out.Precision = precisionSum
	out.Recall = recallSum
	out.F1 = f1Sum
	if klog.V(2).Enabled() {
		klog.Infof("evaluate: %d examples, accuracy %.4f, weighted F1 %.4f", total, out.Accuracy, out.F1)
	}
}

func argmax(p []float64) int {
	best := 0
	for ii := 1; ii < len(p); ii++ {
		if p[ii] > p[best] {
			best = ii
		}
	}
	return best
}

// entropy of a probability vector, in nats. Zero probabilities contribute
// nothing.
func entropy(p []float64) float64 {
	var h float64
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}
