// Package taps instruments model graphs to record the output of every
// nonlinearity, so that sparsity penalties (and sparsity measurements) can be
// computed over them.
//
// A Recorder is attached to a model building function: right after each
// activation the model calls Recorder.Tap, which records the node under the
// current context scope and returns it unchanged -- tapping never alters the
// forward computation.
//
// Taps are kept per computation graph: re-building a graph (e.g., when the
// batch shape changes) replaces the previous taps for that graph, and only
// the most recently built graphs are retained, so a long run that builds many
// graphs (one per batch shape, per trial) never accumulates taps without
// bound.
package taps

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Tap is one recorded activation: the node output by a nonlinearity and the
// context scope it was created under, used as a stable, human-readable name.
type Tap struct {
	Path string
	Node *Node
}

// Recorder collects activation taps during model graph building.
//
// It is owned by one model (usually captured by the model's graph building
// closure) and is not safe for concurrent use -- which matches the
// single-threaded graph building of train.Trainer.
type Recorder struct {
	perGraph map[GraphId][]Tap
	order    []GraphId // graphs in build order, oldest first
	lastId   GraphId
	hasLast  bool
}

// maxRetainedGraphs bounds how many graphs a Recorder keeps taps for. The
// trainer caches a handful of graphs at a time (train and eval, per batch
// shape); anything older has been discarded and its taps with it.
const maxRetainedGraphs = 8

// New creates an empty Recorder.
func New() *Recorder {
	return &Recorder{perGraph: make(map[GraphId][]Tap)}
}

// Tap records x under the scope of ctx for the graph x belongs to, and returns
// x unchanged.
//
// The first Tap on a new graph discards the taps of a previous build of the
// same graph and evicts the oldest retained graphs beyond maxRetainedGraphs,
// keeping the Recorder's memory bounded by the graphs currently cached by the
// trainer.
func (r *Recorder) Tap(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	id := g.GraphId()
	if !r.hasLast || id != r.lastId {
		r.startGraph(id)
	}
	r.lastId = id
	r.hasLast = true
	r.perGraph[id] = append(r.perGraph[id], Tap{Path: ctx.Scope(), Node: x})
	return x
}

// startGraph begins the tap list of graph id: a rebuild starts clean, the
// graph moves to the newest position and the oldest graphs past the retention
// limit are dropped.
func (r *Recorder) startGraph(id GraphId) {
	delete(r.perGraph, id)
	for ii, seen := range r.order {
		if seen == id {
			r.order = append(r.order[:ii], r.order[ii+1:]...)
			break
		}
	}
	r.order = append(r.order, id)
	for len(r.order) > maxRetainedGraphs {
		delete(r.perGraph, r.order[0])
		r.order = r.order[1:]
	}
}

// Snapshot returns the taps recorded for graph g, in registration order.
// It returns nil if nothing was tapped on g -- e.g., before any graph build.
func (r *Recorder) Snapshot(g *Graph) []Tap {
	return r.perGraph[g.GraphId()]
}

// Nodes returns just the activation nodes recorded for graph g, in
// registration order.
func (r *Recorder) Nodes(g *Graph) []*Node {
	snapshot := r.perGraph[g.GraphId()]
	if len(snapshot) == 0 {
		return nil
	}
	nodes := make([]*Node, len(snapshot))
	for ii, tap := range snapshot {
		nodes[ii] = tap.Node
	}
	return nodes
}

// Reset discards all recorded taps, for all graphs.
func (r *Recorder) Reset() {
	r.perGraph = make(map[GraphId][]Tap)
	r.order = nil
	r.hasLast = false
}

// FractionOfZeros returns, for each tapped activation, a scalar node with the
// fraction of values exactly equal to zero -- the sparsity measure consumed by
// the reporting side.
func FractionOfZeros(snapshot []Tap) []*Node {
	fractions := make([]*Node, len(snapshot))
	for ii, tap := range snapshot {
		a := tap.Node
		g := a.Graph()
		zeros := Equal(a, ScalarZero(g, a.DType()))
		fractions[ii] = ReduceAllMean(ConvertDType(zeros, dtypes.Float32))
	}
	return fractions
}
