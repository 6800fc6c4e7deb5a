package sparsetune

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Spirals generates perClass examples for each of numClasses interleaved
// spiral arms, with gaussian noise added to the 2D coordinates. A small but
// not linearly separable classification problem, enough to exercise the whole
// training/search/evaluation pipeline without external data.
func Spirals(rng *rand.Rand, perClass, numClasses int, noise float64) (features [][]float32, labels [][]int32) {
	features = make([][]float32, 0, perClass*numClasses)
	labels = make([][]int32, 0, perClass*numClasses)
	for class := 0; class < numClasses; class++ {
		phase := 2 * math.Pi * float64(class) / float64(numClasses)
		for ii := 0; ii < perClass; ii++ {
			t := float64(ii) / float64(perClass)
			radius := 0.1 + 0.9*t
			angle := phase + 3.5*t*math.Pi
			x := radius*math.Cos(angle) + noise*rng.NormFloat64()
			y := radius*math.Sin(angle) + noise*rng.NormFloat64()
			features = append(features, []float32{float32(x), float32(y)})
			labels = append(labels, []int32{int32(class)})
		}
	}
	return features, labels
}

// Datasets builds the train/validation/test datasets (60/20/20 split) from
// the synthetic spirals data, configured by the data hyperparameters of ctx.
// The training dataset is batched dropping the incomplete tail batch and
// reshuffled every epoch; the evaluation datasets keep their order.
func Datasets(backend backends.Backend, ctx *context.Context) (trainDS, validDS, testDS train.Dataset, err error) {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 4)
	perClass := context.GetParamOr(ctx, ParamExamplesPerClass, 500)
	noise := context.GetParamOr(ctx, ParamDataNoise, 0.15)
	seed := context.GetParamOr(ctx, ParamDataSeed, 42)
	batchSize := context.GetParamOr(ctx, "batch_size", 64)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 256)
	if numClasses < 2 || perClass < 10 {
		return nil, nil, nil, errors.Errorf("synthetic data requires >= 2 classes and >= 10 examples per class, got %d and %d",
			numClasses, perClass)
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	features, labels := Spirals(rng, perClass, numClasses, noise)
	perm := rng.Perm(len(features))

	total := len(perm)
	numTrain := total * 6 / 10
	numValid := total * 2 / 10
	splits := []struct {
		name       string
		start, end int
	}{
		{"spirals-train", 0, numTrain},
		{"spirals-valid", numTrain, numTrain + numValid},
		{"spirals-test", numTrain + numValid, total},
	}
	built := make([]*datasets.InMemoryDataset, len(splits))
	for ii, split := range splits {
		splitFeatures := make([][]float32, 0, split.end-split.start)
		splitLabels := make([][]int32, 0, split.end-split.start)
		for _, idx := range perm[split.start:split.end] {
			splitFeatures = append(splitFeatures, features[idx])
			splitLabels = append(splitLabels, labels[idx])
		}
		built[ii], err = datasets.InMemoryFromData(backend, split.name,
			[]any{splitFeatures}, []any{splitLabels})
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "failed to build dataset %q", split.name)
		}
	}
	trainDS = built[0].BatchSize(batchSize, true).Shuffle()
	validDS = built[1].BatchSize(evalBatchSize, false)
	testDS = built[2].BatchSize(evalBatchSize, false)
	return trainDS, validDS, testDS, nil
}
