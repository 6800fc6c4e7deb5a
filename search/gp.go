package search

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Surrogate proposes the next point to try and learns from observed results.
// Points are encoded on the unit cube of the search space; lower observed
// values are better.
type Surrogate interface {
	// Ask returns the next encoded point to evaluate.
	Ask() []float64

	// Tell records the observed objective value at an encoded point. Only
	// finite values are ever told.
	Tell(x []float64, y float64)
}

// GPConfig configures the Gaussian-process surrogate. The zero value selects
// sensible defaults.
type GPConfig struct {
	// NumInitialPoints sampled uniformly at random before the surrogate model
	// is first fitted. Default 5.
	NumInitialPoints int

	// NumCandidates sampled and scored by expected improvement per Ask.
	// Default 256.
	NumCandidates int

	// LengthScale of the RBF kernel, on the unit cube. Default 0.2.
	LengthScale float64

	// Noise added to the kernel diagonal, both as observation noise and as
	// numerical jitter. Default 1e-6.
	Noise float64

	// Seed of the random generator, for reproducible searches.
	Seed int64
}

func (c *GPConfig) withDefaults() GPConfig {
	out := *c
	if out.NumInitialPoints <= 0 {
		out.NumInitialPoints = 5
	}
	if out.NumCandidates <= 0 {
		out.NumCandidates = 256
	}
	if out.LengthScale <= 0 {
		out.LengthScale = 0.2
	}
	if out.Noise <= 0 {
		out.Noise = 1e-6
	}
	return out
}

// GP is a Gaussian-process surrogate with an RBF kernel and an
// expected-improvement acquisition function, for minimization.
//
// Ask is quasi-random for the first NumInitialPoints observations; after that
// it fits the process to all observations (standardized) and returns the
// candidate with the highest expected improvement over the best observation.
type GP struct {
	space *Space
	cfg   GPConfig
	rng   *rand.Rand

	xs [][]float64
	ys []float64
}

// NewGP creates the surrogate over the given space.
func NewGP(space *Space, cfg GPConfig) *GP {
	cfg = cfg.withDefaults()
	return &GP{
		space: space,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Tell implements Surrogate.
func (gp *GP) Tell(x []float64, y float64) {
	xCopy := make([]float64, len(x))
	copy(xCopy, x)
	gp.xs = append(gp.xs, xCopy)
	gp.ys = append(gp.ys, y)
}

// NumObservations returns how many points have been told so far.
func (gp *GP) NumObservations() int { return len(gp.ys) }

// Ask implements Surrogate.
func (gp *GP) Ask() []float64 {
	if len(gp.ys) < gp.cfg.NumInitialPoints {
		return gp.space.Sample(gp.rng)
	}
	x, ok := gp.askEI()
	if !ok {
		// Kernel matrix was not positive definite (e.g., duplicated points):
		// fall back to random exploration rather than aborting the search.
		klog.Warningf("search: surrogate fit failed, falling back to a random point")
		return gp.space.Sample(gp.rng)
	}
	return x
}

// askEI fits the process and maximizes expected improvement over random
// candidates. Reports ok=false if the kernel factorization fails.
func (gp *GP) askEI() (best []float64, ok bool) {
	n := len(gp.ys)
	ys, bestY := gp.standardizedYs()

	kernel := mat.NewSymDense(n, nil)
	for ii := 0; ii < n; ii++ {
		for jj := ii; jj < n; jj++ {
			v := gp.kernel(gp.xs[ii], gp.xs[jj])
			if ii == jj {
				v += gp.cfg.Noise
			}
			kernel.SetSym(ii, jj, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(kernel) {
		return nil, false
	}
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, mat.NewVecDense(n, ys)); err != nil {
		return nil, false
	}

	normal := distuv.Normal{Mu: 0, Sigma: 1}
	bestEI := math.Inf(-1)
	kvec := mat.NewVecDense(n, nil)
	var v mat.VecDense
	for c := 0; c < gp.cfg.NumCandidates; c++ {
		x := gp.space.Sample(gp.rng)
		for ii := 0; ii < n; ii++ {
			kvec.SetVec(ii, gp.kernel(x, gp.xs[ii]))
		}
		mu := mat.Dot(kvec, &alpha)
		if err := chol.SolveVecTo(&v, kvec); err != nil {
			return nil, false
		}
		variance := 1 + gp.cfg.Noise - mat.Dot(kvec, &v)
		sigma := math.Sqrt(math.Max(variance, 1e-12))

		// Expected improvement below the best observation.
		z := (bestY - mu) / sigma
		ei := (bestY-mu)*normal.CDF(z) + sigma*normal.Prob(z)
		if ei > bestEI {
			bestEI = ei
			best = x
		}
	}
	return best, best != nil
}

// standardizedYs returns the observations standardized to zero mean and unit
// variance, and the standardized best (lowest) observation.
func (gp *GP) standardizedYs() (ys []float64, bestY float64) {
	n := len(gp.ys)
	var mean float64
	for _, y := range gp.ys {
		mean += y
	}
	mean /= float64(n)
	var variance float64
	for _, y := range gp.ys {
		variance += (y - mean) * (y - mean)
	}
	std := math.Sqrt(variance / float64(n))
	if std < 1e-12 {
		std = 1
	}
	ys = make([]float64, n)
	bestY = math.Inf(1)
	for ii, y := range gp.ys {
		ys[ii] = (y - mean) / std
		bestY = math.Min(bestY, ys[ii])
	}
	return ys, bestY
}

// kernel is the RBF (squared exponential) kernel on the unit cube.
func (gp *GP) kernel(a, b []float64) float64 {
	var sqDist float64
	for ii := range a {
		d := a[ii] - b[ii]
		sqDist += d * d
	}
	ls := gp.cfg.LengthScale
	return math.Exp(-sqDist / (2 * ls * ls))
}
