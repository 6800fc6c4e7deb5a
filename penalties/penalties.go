// Package penalties implements activation-sparsity penalties added to the
// training loss.
//
// Unlike weight regularizers, these act on the activations recorded by a
// taps.Recorder during graph building. A Penalty is a closure that adds its
// term to the loss with train.AddLoss, mirroring regularizers.Regularizer, and
// is selected from context hyperparameters with FromContext.
//
// Three penalty kinds are implemented:
//
//   - "l1": mean absolute activation.
//   - "hoyer_square": mean of (|a|_1 / |a|_2)^2 per example, a scale-invariant
//     sparsity measure.
//   - "transformed_l1": mean of (1+beta)*|a| / (beta+|a|), a smooth
//     interpolation between an L0 count (beta -> 0) and L1 (beta -> inf).
//
// Additionally SourceDistance penalizes the squared distance of the trainable
// variables from a reference snapshot, keeping a fine-tuned model close to its
// source weights.
package penalties

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

const (
	// ParamPenalty context hyperparameter selects the activation penalty kind.
	// Valid values: "none", "l1", "hoyer_square", "transformed_l1".
	// The default is "none".
	ParamPenalty = "sparsity_penalty"

	// ParamAlpha context hyperparameter sets the multiplier of the activation
	// penalty. The value should be a float64. Zero disables the penalty.
	// The default is 0.0.
	ParamAlpha = "sparsity_alpha"

	// ParamBeta context hyperparameter sets the beta parameter of the
	// "transformed_l1" penalty. It must be > 0 when that penalty is selected.
	// The value should be a float64. The default is 1.0.
	ParamBeta = "sparsity_beta"

	// ParamSourceDistance context hyperparameter sets the multiplier of the
	// distance-from-source penalty (see SourceDistance). The value should be a
	// float64. Zero disables it. The default is 0.0.
	ParamSourceDistance = "source_distance_alpha"
)

// epsilon stabilizes the l2 norm of the Hoyer-square penalty for all-zero
// activations.
const epsilon = 1e-8

// Penalty adds a penalty term (train.AddLoss) computed from the tapped
// activations of the graph being built. The activations slice comes from a
// taps.Recorder snapshot; an empty slice adds no loss.
type Penalty func(ctx *context.Context, g *Graph, activations ...*Node)

// L1 creates the mean-absolute-activation penalty, scaled by alpha.
// Returns nil if alpha == 0.
func L1(alpha float64) Penalty {
	if alpha == 0 {
		return nil
	}
	return func(ctx *context.Context, g *Graph, activations ...*Node) {
		addMeanOverLayers(ctx, alpha, activations, L1Graph)
	}
}

// HoyerSquare creates the squared Hoyer-ratio penalty, scaled by alpha.
// Returns nil if alpha == 0.
func HoyerSquare(alpha float64) Penalty {
	if alpha == 0 {
		return nil
	}
	return func(ctx *context.Context, g *Graph, activations ...*Node) {
		addMeanOverLayers(ctx, alpha, activations, HoyerSquareGraph)
	}
}

// TransformedL1 creates the transformed-L1 penalty with parameter beta,
// scaled by alpha. Returns nil if alpha == 0; panics if beta <= 0.
func TransformedL1(alpha, beta float64) Penalty {
	if alpha == 0 {
		return nil
	}
	if beta <= 0 {
		Panicf("penalties.TransformedL1 requires beta > 0, got %g", beta)
	}
	return func(ctx *context.Context, g *Graph, activations ...*Node) {
		addMeanOverLayers(ctx, alpha, activations, func(a *Node) *Node {
			return TransformedL1Graph(a, beta)
		})
	}
}

// addMeanOverLayers averages the per-layer penalty over all tapped layers,
// scales it by alpha and adds it to the loss. No-op on an empty snapshot.
func addMeanOverLayers(ctx *context.Context, alpha float64, activations []*Node, perLayer func(a *Node) *Node) {
	if len(activations) == 0 {
		return
	}
	var sum *Node
	for _, a := range activations {
		p := perLayer(a)
		if sum == nil {
			sum = p
		} else {
			sum = Add(sum, p)
		}
	}
	loss := DivScalar(sum, float64(len(activations)))
	train.AddLoss(ctx, MulScalar(loss, alpha))
}

// L1Graph returns the unscaled L1 penalty of one activation tensor: the mean
// absolute value over all its elements.
func L1Graph(a *Node) *Node {
	return ReduceAllMean(Abs(a))
}

// HoyerSquareGraph returns the unscaled Hoyer-square penalty of one activation
// tensor: per example, the squared ratio of the l1 norm to the l2 norm of the
// flattened activation, averaged over the batch.
//
// The ratio is invariant to a positive rescaling of the activations; its value
// ranges from 1 (one-hot) to the number of elements (uniform).
func HoyerSquareGraph(a *Node) *Node {
	batchSize := a.Shape().Dimensions[0]
	flat := Reshape(a, batchSize, -1)
	l1 := ReduceSum(Abs(flat), -1)
	l2 := Sqrt(AddScalar(ReduceSum(Square(flat), -1), epsilon))
	return ReduceAllMean(Square(Div(l1, l2)))
}

// TransformedL1Graph returns the unscaled transformed-L1 penalty of one
// activation tensor: the mean of (1+beta)*|a| / (beta+|a|) over all elements.
func TransformedL1Graph(a *Node, beta float64) *Node {
	abs := Abs(a)
	num := MulScalar(abs, 1.0+beta)
	den := AddScalar(abs, beta)
	return ReduceAllMean(Div(num, den))
}

// FromContext returns the Penalty selected by the ParamPenalty, ParamAlpha and
// ParamBeta hyperparameters. It returns nil if the kind is "none" or the alpha
// is zero, and panics on an unknown kind.
func FromContext(ctx *context.Context) Penalty {
	kind := context.GetParamOr(ctx, ParamPenalty, "none")
	alpha := context.GetParamOr(ctx, ParamAlpha, 0.0)
	switch kind {
	case "", "none":
		return nil
	case "l1":
		return L1(alpha)
	case "hoyer_square":
		return HoyerSquare(alpha)
	case "transformed_l1":
		beta := context.GetParamOr(ctx, ParamBeta, 1.0)
		return TransformedL1(alpha, beta)
	}
	Panicf("unknown %q penalty %q -- valid values are \"none\", \"l1\", \"hoyer_square\" and \"transformed_l1\"",
		ParamPenalty, kind)
	return nil
}

// ValidateContext checks the penalty hyperparameters of ctx without building
// any graph, returning an error instead of panicking. Used by entry points
// that must distinguish bad configuration from training failures.
func ValidateContext(ctx *context.Context) error {
	return TryCatch[error](func() { _ = FromContext(ctx) })
}

// Reference is a snapshot of trainable variable values, keyed by their
// parameter name (scope + name), used by SourceDistance.
type Reference map[string]*tensors.Tensor

// ReferenceFromContext snapshots the current values of all trainable variables
// of ctx. Call it after the source model's variables are loaded and before
// fine-tuning starts.
func ReferenceFromContext(ctx *context.Context) Reference {
	ref := make(Reference)
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		ref[v.ParameterName()] = v.MustValue()
	}
	return ref
}

// SourceDistance creates a penalty on the squared distance of the trainable
// variables from their reference values, scaled by alpha. Variables without a
// reference entry, or whose shape no longer matches it, are skipped. Returns
// nil if alpha == 0 or the reference is empty.
//
// Note this is a weight penalty and ignores the activations argument; it is
// still a Penalty so it can be combined with the activation penalties in a
// single model hook.
func SourceDistance(alpha float64, ref Reference) Penalty {
	if alpha == 0 || len(ref) == 0 {
		return nil
	}
	return func(ctx *context.Context, g *Graph, _ ...*Node) {
		loss := SourceDistanceGraph(ctx, g, ref)
		if loss == nil {
			return
		}
		train.AddLoss(ctx, MulScalar(loss, alpha))
	}
}

// SourceDistanceGraph returns the unscaled distance-from-source penalty: the
// summed squared distance of the trainable variables of ctx from their
// reference values. Variables without a reference entry, or whose shape no
// longer matches it, are skipped; it returns nil when nothing matches.
func SourceDistanceGraph(ctx *context.Context, g *Graph, ref Reference) *Node {
	var loss *Node
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		refT, found := ref[v.ParameterName()]
		if !found || !refT.Shape().Equal(v.Shape()) {
			continue
		}
		source := StopGradient(Const(g, refT))
		dist := ReduceAllSum(Square(Sub(v.ValueGraph(g), source)))
		if loss == nil {
			loss = dist
		} else {
			loss = Add(loss, dist)
		}
	}
	return loss
}

// Combine applies all given penalties as one. Nil penalties are skipped; if
// none remain, Combine returns nil.
func Combine(ps ...Penalty) Penalty {
	var kept []Penalty
	for _, p := range ps {
		if p != nil {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return func(ctx *context.Context, g *Graph, activations ...*Node) {
		for _, p := range kept {
			p(ctx, g, activations...)
		}
	}
}
