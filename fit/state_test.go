package fit

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEpoch(t *testing.T) {
	s := NewState()
	assert.True(t, math.IsInf(s.BestValidLoss, 1))

	assert.True(t, s.RecordEpoch(EpochMetrics{ValidLoss: 1.0, LearningRate: 0.01}))
	assert.Equal(t, 1, s.Epoch)
	assert.Equal(t, 1, s.BestEpoch)
	assert.Equal(t, 0, s.EpochsSinceImprovement)

	assert.True(t, s.RecordEpoch(EpochMetrics{ValidLoss: 0.5, LearningRate: 0.01}))
	assert.Equal(t, 0.5, s.BestValidLoss)
	assert.Equal(t, 2, s.BestEpoch)

	// Equal loss is not an improvement.
	assert.False(t, s.RecordEpoch(EpochMetrics{ValidLoss: 0.5, LearningRate: 0.01}))
	assert.Equal(t, 1, s.EpochsSinceImprovement)
	assert.Equal(t, 2, s.BestEpoch)

	assert.False(t, s.RecordEpoch(EpochMetrics{ValidLoss: 0.7, LearningRate: 0.01}))
	assert.Equal(t, 2, s.EpochsSinceImprovement)

	assert.True(t, s.RecordEpoch(EpochMetrics{ValidLoss: 0.4, LearningRate: 0.01}))
	assert.Equal(t, 0, s.EpochsSinceImprovement)
	assert.Equal(t, 5, s.BestEpoch)

	// The best loss never increases along the run.
	best := math.Inf(1)
	for _, v := range s.History.ValidLoss {
		best = math.Min(best, v)
	}
	assert.Equal(t, best, s.BestValidLoss)
	require.NoError(t, s.Check())
}

func TestCheck(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Check())

	s.RecordEpoch(EpochMetrics{ValidLoss: 1.0})
	require.NoError(t, s.Check())

	s.Epoch = 2
	assert.Error(t, s.Check(), "history curves shorter than the epoch counter")

	s.Epoch = 1
	s.BestValidLoss = 0.5
	assert.Error(t, s.Check(), "best loss disagrees with the history")
}

func TestSaveLoadState(t *testing.T) {
	dir := t.TempDir()

	s, loaded, err := LoadStateIfPresent(dir)
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 0, s.Epoch)

	s.RecordEpoch(EpochMetrics{TrainLoss: 0.9, ValidLoss: 1.0, TrainAcc: 0.5, ValidAcc: 0.4, LearningRate: 0.01})
	s.RecordEpoch(EpochMetrics{TrainLoss: 0.6, ValidLoss: 0.7, TrainAcc: 0.7, ValidAcc: 0.6, LearningRate: 0.01})
	require.NoError(t, SaveState(dir, &s))

	reloaded, loaded, err := LoadStateIfPresent(dir)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, s, reloaded)
}

func TestLoadStateCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("not json"), 0644))
	_, _, err := LoadStateIfPresent(dir)
	assert.Error(t, err)
}

func TestNextLearningRate(t *testing.T) {
	cfg := Config{LRPatience: 3, LRFactor: 0.25, MinLearningRate: 1e-6}

	assert.Equal(t, 0.01, cfg.NextLearningRate(0.01, 0))
	assert.Equal(t, 0.01, cfg.NextLearningRate(0.01, 1))
	assert.Equal(t, 0.01, cfg.NextLearningRate(0.01, 2))
	assert.Equal(t, 0.0025, cfg.NextLearningRate(0.01, 3))
	assert.Equal(t, 0.0025, cfg.NextLearningRate(0.0025, 4))
	assert.Equal(t, 0.0025, cfg.NextLearningRate(0.0025, 5))
	assert.InDelta(t, 0.000625, cfg.NextLearningRate(0.0025, 6), 1e-12)

	// The floor is never undercut.
	assert.Equal(t, 1e-6, cfg.NextLearningRate(2e-6, 3))
}

func TestConfigValidate(t *testing.T) {
	good := Config{
		Epochs:             10,
		LRPatience:         3,
		ESPatience:         5,
		LRFactor:           0.25,
		MinLearningRate:    1e-6,
		CheckpointInterval: 1,
		Dir:                "somewhere",
	}
	require.NoError(t, good.Validate())

	for name, mutate := range map[string]func(c *Config){
		"epochs":    func(c *Config) { c.Epochs = 0 },
		"lr":        func(c *Config) { c.LRPatience = -1 },
		"es":        func(c *Config) { c.ESPatience = 0 },
		"factor":    func(c *Config) { c.LRFactor = 1.5 },
		"min_lr":    func(c *Config) { c.MinLearningRate = -1 },
		"interval":  func(c *Config) { c.CheckpointInterval = 0 },
		"directory": func(c *Config) { c.Dir = "" },
	} {
		c := good
		mutate(&c)
		assert.Error(t, c.Validate(), "case %q", name)
	}
}
