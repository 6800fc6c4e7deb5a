package evaluate

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillAggregates(t *testing.T) {
	out := &Outcome{
		NumExamples: 20,
		NumClasses:  2,
		Confusion:   [][]int{{8, 2}, {1, 9}},
	}
	fillAggregates(out)

	assert.InDelta(t, 0.85, out.Accuracy, 1e-9)
	// Class 0: precision 8/9, recall 8/10; class 1: precision 9/11, recall
	// 9/10. Both classes have support 10, so the weights are 1/2 each.
	assert.InDelta(t, (8.0/9.0+9.0/11.0)/2, out.Precision, 1e-9)
	assert.InDelta(t, 0.85, out.Recall, 1e-9)
	f1a := 2 * (8.0 / 9.0) * 0.8 / (8.0/9.0 + 0.8)
	f1b := 2 * (9.0 / 11.0) * 0.9 / (9.0/11.0 + 0.9)
	assert.InDelta(t, (f1a+f1b)/2, out.F1, 1e-9)
}

func TestFillAggregatesEmptyClass(t *testing.T) {
	// Class 2 never occurs and is never predicted: it contributes zero
	// weight, and no division by zero happens.
	out := &Outcome{
		NumExamples: 4,
		NumClasses:  3,
		Confusion:   [][]int{{2, 0, 0}, {0, 2, 0}, {0, 0, 0}},
	}
	fillAggregates(out)
	assert.Equal(t, 1.0, out.Accuracy)
	assert.Equal(t, 1.0, out.Precision)
	assert.Equal(t, 1.0, out.Recall)
	assert.Equal(t, 1.0, out.F1)
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 2, argmax([]float64{0.1, 0.3, 0.6}))
	assert.Equal(t, 0, argmax([]float64{0.5, 0.5}), "first wins on ties")
}

func TestEntropy(t *testing.T) {
	assert.InDelta(t, math.Log(4), entropy([]float64{0.25, 0.25, 0.25, 0.25}), 1e-9)
	assert.Equal(t, 0.0, entropy([]float64{1, 0, 0, 0}))
}

func TestAppendMetricsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetricsFileName)
	row := MetricsRow{RegType: "l1", Beta: 1, Alpha: 0.001, Loss: 0.5, Accuracy: 0.9, Precision: 0.91, Recall: 0.89, F1: 0.9}
	require.NoError(t, AppendMetricsRow(path, row))
	row.RegType = "hoyer_square"
	require.NoError(t, AppendMetricsRow(path, row))

	encoded, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(encoded)), "\n")
	require.Len(t, lines, 3, "the header is written only once")
	assert.Equal(t, "reg_type,beta,alpha,loss,accuracy,precision,recall,f1", lines[0])
	assert.Equal(t, "l1,1,0.001,0.5,0.9,0.91,0.89,0.9", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "hoyer_square,"))
}

func TestLoadBestMissing(t *testing.T) {
	ctx := context.New()
	err := LoadBest(ctx, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	err = LoadBestWeights(context.New(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}
