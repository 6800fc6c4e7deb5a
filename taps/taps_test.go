package taps

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rec := New()

	var tapReturnsInput bool
	var paths []string
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		g := x.Graph()
		h := rec.Tap(ctx.In("hidden0"), x)
		tapReturnsInput = h == x
		_ = rec.Tap(ctx.In("hidden1"), AddScalar(x, 1))
		snapshot := rec.Snapshot(g)
		paths = paths[:0]
		for _, tap := range snapshot {
			paths = append(paths, tap.Path)
		}
		return FractionOfZeros(snapshot)
	})

	input := [][]float32{{0, 0, 1, 2}}
	outputs, err := exec.Exec(input)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.True(t, tapReturnsInput, "Tap must return its input node unchanged")
	assert.Equal(t, []string{"/hidden0", "/hidden1"}, paths)

	// Half of {0, 0, 1, 2} is zero; none of {1, 1, 2, 3} is.
	assert.InDelta(t, 0.5, shapes.ConvertTo[float64](outputs[0].Value()), 1e-6)
	assert.InDelta(t, 0.0, shapes.ConvertTo[float64](outputs[1].Value()), 1e-6)
}

func TestRecorderPerGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rec := New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return rec.Tap(ctx.In("only"), x)
	})

	// Two different input shapes build two different graphs; the recorder
	// keeps one tap per graph.
	_, err := exec.Exec([][]float32{{1, 2}})
	require.NoError(t, err)
	_, err = exec.Exec([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Len(t, rec.perGraph, 2)
	for _, snapshot := range rec.perGraph {
		assert.Len(t, snapshot, 1)
	}

	rec.Reset()
	assert.Empty(t, rec.perGraph)
}

func TestRecorderEviction(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	rec := New()

	// Building more graphs than the retention limit must evict the oldest
	// ones instead of growing without bound.
	var graphs []*Graph
	for ii := 0; ii < maxRetainedGraphs+2; ii++ {
		g := NewGraph(backend, fmt.Sprintf("eviction-%d", ii))
		rec.Tap(ctx.In("hidden"), Parameter(g, "x", shapes.Make(dtypes.Float32, 2)))
		graphs = append(graphs, g)
	}
	assert.Len(t, rec.perGraph, maxRetainedGraphs)
	assert.Nil(t, rec.Snapshot(graphs[0]))
	assert.Nil(t, rec.Snapshot(graphs[1]))
	assert.Len(t, rec.Snapshot(graphs[2]), 1)
	assert.Len(t, rec.Snapshot(graphs[len(graphs)-1]), 1)
}

func TestSnapshotEmpty(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rec := New()
	_, err := ExecOnce(backend, func(x *Node) *Node {
		g := x.Graph()
		assert.Nil(t, rec.Snapshot(g))
		assert.Nil(t, rec.Nodes(g))
		return x
	}, float32(1))
	require.NoError(t, err)
}
