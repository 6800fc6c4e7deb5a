package penalties

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execScalar(t *testing.T, fn func(a *Node) *Node, input any) float64 {
	backend := graphtest.BuildTestBackend()
	out, err := ExecOnce(backend, fn, input)
	require.NoError(t, err)
	return shapes.ConvertTo[float64](out.Value())
}

func TestL1Graph(t *testing.T) {
	got := execScalar(t, L1Graph, [][]float32{{1, -1}, {2, 0}})
	assert.InDelta(t, 1.0, got, 1e-6)
}

func TestHoyerSquareGraph(t *testing.T) {
	// One-hot rows: the l1/l2 ratio is exactly 1 per example.
	oneHot := [][]float32{{0, 0, 5, 0}, {3, 0, 0, 0}}
	assert.InDelta(t, 1.0, execScalar(t, HoyerSquareGraph, oneHot), 1e-3)

	// Uniform rows: the squared ratio equals the number of elements.
	uniform := [][]float32{{2, 2, 2, 2}}
	assert.InDelta(t, 4.0, execScalar(t, HoyerSquareGraph, uniform), 1e-3)
}

func TestHoyerSquareScaleInvariance(t *testing.T) {
	input := [][]float32{{1, 2, 3, 0}, {0.5, 0, 0, 2}}
	diff := execScalar(t, func(a *Node) *Node {
		return Abs(Sub(HoyerSquareGraph(a), HoyerSquareGraph(MulScalar(a, 7.5))))
	}, input)
	assert.InDelta(t, 0.0, diff, 1e-4)
}

func TestTransformedL1Graph(t *testing.T) {
	// For a == 100 and beta == 0.01 each element contributes
	// 1.01*100/100.01, just above 1.
	input := [][]float32{{100, 100, 100}, {100, 100, 100}}
	got := execScalar(t, func(a *Node) *Node {
		return TransformedL1Graph(a, 0.01)
	}, input)
	assert.InDelta(t, 1.0099, got, 1e-4)

	// Zero activations contribute zero for any beta.
	assert.InDelta(t, 0.0, execScalar(t, func(a *Node) *Node {
		return TransformedL1Graph(a, 0.01)
	}, [][]float32{{0, 0}}), 1e-6)
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	assert.Nil(t, FromContext(ctx), "default is no penalty")

	ctx.SetParam(ParamPenalty, "l1")
	assert.Nil(t, FromContext(ctx), "alpha == 0 disables any penalty")

	ctx.SetParam(ParamAlpha, 0.01)
	assert.NotNil(t, FromContext(ctx))
	assert.NoError(t, ValidateContext(ctx))

	ctx.SetParam(ParamPenalty, "hoyer_square")
	assert.NotNil(t, FromContext(ctx))

	ctx.SetParam(ParamPenalty, "transformed_l1")
	ctx.SetParam(ParamBeta, 0.5)
	assert.NotNil(t, FromContext(ctx))

	ctx.SetParam(ParamBeta, -1.0)
	assert.Error(t, ValidateContext(ctx), "transformed_l1 requires beta > 0")

	ctx.SetParam(ParamPenalty, "l0_is_not_a_thing")
	assert.Error(t, ValidateContext(ctx))
}

func TestSourceDistanceGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	w := ctx.VariableWithValue("w", []float32{1, 2})
	b := ctx.VariableWithValue("b", []float32{1, 2})
	frozen := ctx.VariableWithValue("frozen", []float32{5})
	frozen.Trainable = false

	ref := ReferenceFromContext(ctx)
	require.Contains(t, ref, w.ParameterName())
	assert.NotContains(t, ref, frozen.ParameterName(),
		"non-trainable variables must not be snapshotted")

	// A stale-shaped entry and an entry without a matching variable, both of
	// which the penalty must skip.
	ref[b.ParameterName()] = tensors.FromValue([]float32{1, 2, 3})
	ref["/ghost"] = tensors.FromValue([]float32{0})

	w.MustSetValue(tensors.FromValue([]float32{2, 4}))
	b.MustSetValue(tensors.FromValue([]float32{7, 7}))
	frozen.MustSetValue(tensors.FromValue([]float32{9}))

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		return []*Node{SourceDistanceGraph(ctx, g, ref)}
	})
	outputs, err := exec.Exec()
	require.NoError(t, err)
	// Only w contributes: (2-1)^2 + (4-2)^2.
	assert.InDelta(t, 5.0, shapes.ConvertTo[float64](outputs[0].Value()), 1e-6)
}

func TestCombine(t *testing.T) {
	assert.Nil(t, Combine())
	assert.Nil(t, Combine(nil, nil))
	assert.NotNil(t, Combine(nil, L1(0.1)))
	assert.Nil(t, SourceDistance(0.5, nil), "empty reference disables the penalty")
}
