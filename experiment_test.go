package sparsetune

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparselab/sparsetune/evaluate"
	"github.com/sparselab/sparsetune/fit"
	"github.com/sparselab/sparsetune/penalties"
	"github.com/sparselab/sparsetune/search"
)

// smallContext shrinks the problem so full pipeline tests stay fast.
func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamNumClasses:       3,
		ParamExamplesPerClass: 15,
		ParamNumHiddenLayers:  1,
		ParamNumHiddenNodes:   8,
		"batch_size":          8,
		"eval_batch_size":     32,
		fit.ParamEpochs:       2,
	})
	return ctx
}

func TestExperimentTrainEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	ctx.SetParams(map[string]any{
		penalties.ParamPenalty: "l1",
		penalties.ParamAlpha:   1e-3,
	})
	baseDir := t.TempDir()
	exp := NewExperiment(backend, ctx, baseDir)

	var epochsSeen int
	exp.OnEpochEnd = func(s *fit.State) { epochsSeen++ }

	result, err := exp.Train()
	require.NoError(t, err)
	require.False(t, result.Failed, "training failed: %+v", result.Err)
	assert.Equal(t, 2, result.State.Epoch)
	assert.Equal(t, 2, epochsSeen)
	assert.False(t, math.IsInf(result.BestValidLoss, 1))

	// 45 examples split 60/20/20: the test split holds the last 9.
	outcome, err := exp.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, 9, outcome.NumExamples)
	assert.Equal(t, 3, outcome.NumClasses)
	assert.GreaterOrEqual(t, outcome.Accuracy, 0.0)
	assert.LessOrEqual(t, outcome.Accuracy, 1.0)
	assert.FileExists(t, exp.MetricsPath())

	names, fractions, err := exp.LayerSparsity()
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.Len(t, fractions, 1)
	assert.GreaterOrEqual(t, fractions[0], 0.0)
	assert.LessOrEqual(t, fractions[0], 1.0)
}

func TestExperimentEvaluateWithoutTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exp := NewExperiment(backend, smallContext(), t.TempDir())
	_, err := exp.Evaluate()
	assert.Error(t, err)
}

func TestExperimentMCDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	exp := NewExperiment(backend, smallContext(), baseDir)
	result, err := exp.Train()
	require.NoError(t, err)
	require.False(t, result.Failed, "training failed: %+v", result.Err)

	mcCtx := smallContext()
	mcCtx.SetParams(map[string]any{
		ParamMCDropout: true,
		ParamMCSamples: 3,
	})
	mcExp := NewExperiment(backend, mcCtx, baseDir)
	outcome, err := mcExp.Evaluate()
	require.NoError(t, err)
	assert.Len(t, outcome.Entropy, outcome.NumExamples)
	assert.GreaterOrEqual(t, outcome.MeanEntropy, 0.0)
}

func TestSearchStaleTrialDir(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	exp := NewExperiment(backend, smallContext(), baseDir)
	exp.NewContext = smallContext

	// A crashed search leaves completed runs behind without log entries, and
	// their indices are handed out again for new proposals. Plant such a
	// leftover in the first trial slot, trained under a different
	// configuration and with a larger epoch budget than the new trial's.
	staleCtx := smallContext()
	staleCtx.SetParams(map[string]any{
		penalties.ParamPenalty: "l1",
		penalties.ParamAlpha:   1e-2,
		fit.ParamEpochs:        3,
	})
	staleDir := filepath.Join(baseDir, "trials", "trial-000")
	stale, err := exp.train(staleCtx, staleDir)
	require.NoError(t, err)
	require.False(t, stale.Failed, "planted training run failed: %+v", stale.Err)
	sentinel := filepath.Join(staleDir, "leftover-marker")
	require.NoError(t, os.WriteFile(sentinel, []byte("x"), 0644))

	space, err := search.NewSpace(search.LogFloatDim(penalties.ParamAlpha, 1e-5, 1e-2))
	require.NoError(t, err)
	best, err := exp.Search(space, 1)
	require.NoError(t, err)
	assert.False(t, math.IsInf(best.Loss, 1))
	assert.NoFileExists(t, sentinel, "a newly proposed trial must not keep a leftover run")

	// Re-trained from scratch with the trial's own 2-epoch budget; resuming
	// the leftover would have returned its 3-epoch state untouched.
	state, resumed, err := fit.LoadStateIfPresent(filepath.Join(staleDir, fit.LatestDirName))
	require.NoError(t, err)
	require.True(t, resumed)
	assert.Equal(t, 2, state.Epoch)
}

func TestExperimentFineTune(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	src := NewExperiment(backend, smallContext(), t.TempDir())
	result, err := src.Train()
	require.NoError(t, err)
	require.False(t, result.Failed, "source training failed: %+v", result.Err)

	refCtx := smallContext()
	refCtx.SetParam(ParamSourceCheckpoint, src.CheckpointDir())
	ref, err := sourceReference(refCtx)
	require.NoError(t, err)
	require.NotEmpty(t, ref)
	for name := range ref {
		assert.True(t, strings.HasPrefix(name, "/model/"),
			"reference holds non-model variable %q", name)
	}

	ftCtx := smallContext()
	ftCtx.SetParams(map[string]any{
		ParamSourceCheckpoint:         src.CheckpointDir(),
		penalties.ParamSourceDistance: 0.1,
	})
	ft := NewExperiment(backend, ftCtx, t.TempDir())
	ftResult, err := ft.Train()
	require.NoError(t, err)
	require.False(t, ftResult.Failed, "fine-tuning failed: %+v", ftResult.Err)
	assert.Equal(t, 2, ftResult.State.Epoch)

	// A source checkpoint that does not exist is a configuration error.
	badCtx := smallContext()
	badCtx.SetParam(ParamSourceCheckpoint, t.TempDir())
	_, err = NewExperiment(backend, badCtx, t.TempDir()).Train()
	assert.ErrorIs(t, err, evaluate.ErrNoCheckpoint)
}

func TestExperimentSearch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	exp := NewExperiment(backend, smallContext(), baseDir)
	exp.NewContext = smallContext

	var trialsSeen int
	exp.OnTrialEnd = func(trial search.Trial) { trialsSeen++ }

	space, err := search.NewSpace(
		search.CategoricalDim(penalties.ParamPenalty, "l1", "hoyer_square"),
		search.LogFloatDim(penalties.ParamAlpha, 1e-5, 1e-2),
	)
	require.NoError(t, err)

	best, err := exp.Search(space, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, trialsSeen)
	assert.False(t, math.IsInf(best.Loss, 1))
	assert.Contains(t, []string{"l1", "hoyer_square"}, best.Values[penalties.ParamPenalty])
	assert.FileExists(t, exp.TrialsLogPath())
}
