package sparsetune

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/sparselab/sparsetune/penalties"
	"github.com/sparselab/sparsetune/taps"
)

// Model is the classifier under study: a feedforward network whose hidden
// activations are tapped, so activation-sparsity penalties and sparsity
// measurements see every nonlinearity output.
//
// The architecture is read from context hyperparameters (ParamNumHiddenLayers,
// ParamNumHiddenNodes, ParamNumClasses); dropout and penalties likewise.
type Model struct {
	// Taps records the hidden activations of the graphs built by BuildGraph.
	Taps *taps.Recorder

	// SourceRef, when set, is the snapshot of source-model weights the
	// distance-from-source penalty pulls towards. See
	// penalties.ReferenceFromContext.
	SourceRef penalties.Reference
}

// NewModel creates a Model with a fresh activation recorder.
func NewModel() *Model {
	return &Model{Taps: taps.New()}
}

// BuildGraph implements train.ModelFn: inputs[0] are the feature vectors
// shaped [batch, features], the returned node holds the logits shaped
// [batch, num_classes].
func (m *Model) BuildGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	g := inputs[0].Graph()
	x := inputs[0]
	batchSize := x.Shape().Dimensions[0]

	numClasses := context.GetParamOr(ctx, ParamNumClasses, 4)
	numLayers := context.GetParamOr(ctx, ParamNumHiddenLayers, 3)
	numNodes := context.GetParamOr(ctx, ParamNumHiddenNodes, 64)

	for layerIdx := 0; layerIdx < numLayers; layerIdx++ {
		layerCtx := ctx.Inf("%03d_dense", layerIdx)
		x = layers.Dense(layerCtx, x, true, numNodes)
		x = activations.ApplyFromContext(ctx, x)
		x = m.Taps.Tap(layerCtx, x)
		x = m.dropout(ctx.Inf("%03d_dropout", layerIdx), x)
	}
	logits := layers.Dense(ctx.In("readout"), x, true, numClasses)
	logits.AssertDims(batchSize, numClasses)

	penalty := penalties.Combine(
		penalties.FromContext(ctx),
		penalties.SourceDistance(context.GetParamOr(ctx, penalties.ParamSourceDistance, 0.0), m.SourceRef),
	)
	if penalty != nil {
		penalty(ctx, g, m.Taps.Nodes(g)...)
	}
	return []*Node{logits}
}

// dropout applies dropout while training. Outside training it is an identity
// unless ParamMCDropout is set, in which case a fresh random mask is drawn on
// every execution -- the Monte-Carlo dropout inference mode. Weights and
// other variables are never touched.
func (m *Model) dropout(ctx *context.Context, x *Node) *Node {
	rate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	if rate <= 0 {
		return x
	}
	g := x.Graph()
	if ctx.IsTraining(g) {
		return layers.DropoutNormalize(ctx, x, Scalar(g, x.DType(), rate), true)
	}
	if !context.GetParamOr(ctx, ParamMCDropout, false) {
		return x
	}
	keep := 1.0 - rate
	mask := ctx.RandomBernoulli(Scalar(g, x.DType(), keep), x.Shape())
	return DivScalar(Mul(x, mask), keep)
}
