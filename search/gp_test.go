package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPAskBounds(t *testing.T) {
	space, err := NewSpace(FloatDim("a", 0, 1), FloatDim("b", 0, 1))
	require.NoError(t, err)
	gp := NewGP(space, GPConfig{Seed: 3, NumInitialPoints: 2, NumCandidates: 64})

	// Both the initial random phase and the fitted phase must propose points
	// on the unit cube.
	for trial := 0; trial < 8; trial++ {
		x := gp.Ask()
		require.Len(t, x, 2)
		for _, v := range x {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
		gp.Tell(x, float64(trial%3))
	}
	assert.Equal(t, 8, gp.NumObservations())
}

func TestGPDeterminism(t *testing.T) {
	space, err := NewSpace(FloatDim("a", 0, 1))
	require.NoError(t, err)
	gp1 := NewGP(space, GPConfig{Seed: 11})
	gp2 := NewGP(space, GPConfig{Seed: 11})
	for trial := 0; trial < 5; trial++ {
		x1, x2 := gp1.Ask(), gp2.Ask()
		assert.Equal(t, x1, x2)
		gp1.Tell(x1, float64(trial))
		gp2.Tell(x2, float64(trial))
	}
}

func TestGPFindsMinimum(t *testing.T) {
	// Minimize (x-0.3)^2 over [0,1]. With 5 random points plus 15 guided ones
	// the best observation must get close to the optimum.
	space, err := NewSpace(FloatDim("x", 0, 1))
	require.NoError(t, err)
	gp := NewGP(space, GPConfig{Seed: 17})
	objective := func(x []float64) float64 {
		d := x[0] - 0.3
		return d * d
	}
	bestY := math.Inf(1)
	for trial := 0; trial < 20; trial++ {
		x := gp.Ask()
		y := objective(x)
		if y < bestY {
			bestY = y
		}
		gp.Tell(x, y)
	}
	assert.Less(t, bestY, 0.04, "best |x-0.3| should be below 0.2 after 20 trials")
}

func TestGPConfigDefaults(t *testing.T) {
	cfg := (&GPConfig{}).withDefaults()
	assert.Equal(t, 5, cfg.NumInitialPoints)
	assert.Equal(t, 256, cfg.NumCandidates)
	assert.Equal(t, 0.2, cfg.LengthScale)
	assert.Equal(t, 1e-6, cfg.Noise)
}
