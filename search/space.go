// Package search implements sequential model-based hyperparameter search:
// a Space of named dimensions, a surrogate model proposing the next point to
// try (a Gaussian process with expected-improvement acquisition, see GP), and
// a Loop running trials one at a time with a crash-safe log it can resume
// from.
package search

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
)

// Kind of a search dimension.
type Kind int

const (
	// Float is a continuous dimension, uniform between its bounds.
	Float Kind = iota

	// LogFloat is a continuous dimension, uniform in log space between its
	// bounds -- use it for learning rates and penalty strengths.
	LogFloat

	// Int is an integer dimension, bounds inclusive.
	Int

	// Categorical is a choice among a fixed list of strings.
	Categorical
)

// Dim is one named dimension of a search space. Use the constructors below;
// NewSpace validates them.
type Dim struct {
	Name string
	Kind Kind

	// Min and Max bound Float, LogFloat and Int dimensions. Inclusive for
	// Int.
	Min, Max float64

	// Choices of a Categorical dimension.
	Choices []string
}

// FloatDim creates a continuous dimension uniform in [min, max].
func FloatDim(name string, min, max float64) Dim {
	return Dim{Name: name, Kind: Float, Min: min, Max: max}
}

// LogFloatDim creates a continuous dimension uniform in log space over
// [min, max]. Requires min > 0.
func LogFloatDim(name string, min, max float64) Dim {
	return Dim{Name: name, Kind: LogFloat, Min: min, Max: max}
}

// IntDim creates an integer dimension over [min, max], inclusive.
func IntDim(name string, min, max int) Dim {
	return Dim{Name: name, Kind: Int, Min: float64(min), Max: float64(max)}
}

// CategoricalDim creates a choice among the given values.
func CategoricalDim(name string, choices ...string) Dim {
	return Dim{Name: name, Kind: Categorical, Choices: choices}
}

// Space is an ordered, validated collection of dimensions. Internally points
// are encoded on the unit cube [0,1]^d -- one coordinate per dimension, in
// order -- which is what the surrogate model works on.
type Space struct {
	dims []Dim
}

// NewSpace validates the dimensions and creates a Space. Bad bounds, empty or
// duplicate names and empty choice lists are configuration errors.
func NewSpace(dims ...Dim) (*Space, error) {
	if len(dims) == 0 {
		return nil, errors.Errorf("search space has no dimensions")
	}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if d.Name == "" {
			return nil, errors.Errorf("search space dimension with empty name")
		}
		if seen[d.Name] {
			return nil, errors.Errorf("duplicate search space dimension %q", d.Name)
		}
		seen[d.Name] = true
		switch d.Kind {
		case Float:
			if !(d.Min < d.Max) {
				return nil, errors.Errorf("dimension %q requires min < max, got [%g, %g]", d.Name, d.Min, d.Max)
			}
		case LogFloat:
			if d.Min <= 0 || !(d.Min < d.Max) {
				return nil, errors.Errorf("log dimension %q requires 0 < min < max, got [%g, %g]", d.Name, d.Min, d.Max)
			}
		case Int:
			if d.Min > d.Max {
				return nil, errors.Errorf("integer dimension %q requires min <= max, got [%g, %g]", d.Name, d.Min, d.Max)
			}
		case Categorical:
			if len(d.Choices) == 0 {
				return nil, errors.Errorf("categorical dimension %q has no choices", d.Name)
			}
		default:
			return nil, errors.Errorf("dimension %q has unknown kind %d", d.Name, d.Kind)
		}
	}
	return &Space{dims: dims}, nil
}

// NumDims returns the dimensionality of the space.
func (s *Space) NumDims() int { return len(s.dims) }

// Dims returns the dimensions in order.
func (s *Space) Dims() []Dim { return s.dims }

// Names returns the dimension names in order -- also the column order of the
// trial log.
func (s *Space) Names() []string {
	names := make([]string, len(s.dims))
	for ii, d := range s.dims {
		names[ii] = d.Name
	}
	return names
}

// Sample returns a uniformly random encoded point on the unit cube.
func (s *Space) Sample(rng *rand.Rand) []float64 {
	x := make([]float64, len(s.dims))
	for ii := range x {
		x[ii] = rng.Float64()
	}
	return x
}

// Decode maps an encoded unit-cube point to concrete hyperparameter values:
// float64 for Float and LogFloat, int for Int, string for Categorical.
func (s *Space) Decode(x []float64) map[string]any {
	values := make(map[string]any, len(s.dims))
	for ii, d := range s.dims {
		c := clamp01(x[ii])
		switch d.Kind {
		case Float:
			values[d.Name] = d.Min + c*(d.Max-d.Min)
		case LogFloat:
			values[d.Name] = d.Min * math.Exp(c*math.Log(d.Max/d.Min))
		case Int:
			values[d.Name] = intFromUnit(c, int(d.Min), int(d.Max))
		case Categorical:
			values[d.Name] = d.Choices[intFromUnit(c, 0, len(d.Choices)-1)]
		}
	}
	return values
}

// Encode is the inverse of Decode, up to the resolution of the encoding:
// discrete dimensions map to the center of their bucket. Used to replay a
// trial log into the surrogate on resume.
func (s *Space) Encode(values map[string]any) ([]float64, error) {
	x := make([]float64, len(s.dims))
	for ii, d := range s.dims {
		value, found := values[d.Name]
		if !found {
			return nil, errors.Errorf("missing value for dimension %q", d.Name)
		}
		switch d.Kind {
		case Float:
			v, err := asFloat(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "dimension %q", d.Name)
			}
			x[ii] = clamp01((v - d.Min) / (d.Max - d.Min))
		case LogFloat:
			v, err := asFloat(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "dimension %q", d.Name)
			}
			if v <= 0 {
				return nil, errors.Errorf("dimension %q requires a positive value, got %g", d.Name, v)
			}
			x[ii] = clamp01(math.Log(v/d.Min) / math.Log(d.Max/d.Min))
		case Int:
			v, err := asFloat(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "dimension %q", d.Name)
			}
			x[ii] = unitFromInt(int(math.Round(v)), int(d.Min), int(d.Max))
		case Categorical:
			str, ok := value.(string)
			if !ok {
				return nil, errors.Errorf("dimension %q requires a string, got %T", d.Name, value)
			}
			idx := -1
			for jj, choice := range d.Choices {
				if choice == str {
					idx = jj
					break
				}
			}
			if idx == -1 {
				return nil, errors.Errorf("dimension %q has no choice %q", d.Name, str)
			}
			x[ii] = unitFromInt(idx, 0, len(d.Choices)-1)
		}
	}
	return x, nil
}

// FormatValue renders one decoded value as the string persisted in the trial
// log -- the formats ParseValue reads back losslessly.
func (d *Dim) FormatValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	}
	return ""
}

// ParseValue parses a trial log cell back into the decoded value of this
// dimension.
func (d *Dim) ParseValue(cell string) (any, error) {
	switch d.Kind {
	case Float, LogFloat:
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "dimension %q: bad value %q", d.Name, cell)
		}
		return v, nil
	case Int:
		v, err := strconv.Atoi(cell)
		if err != nil {
			return nil, errors.Wrapf(err, "dimension %q: bad value %q", d.Name, cell)
		}
		return v, nil
	case Categorical:
		return cell, nil
	}
	return nil, errors.Errorf("dimension %q has unknown kind %d", d.Name, d.Kind)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// intFromUnit maps the unit interval to [min, max] with equal-sized buckets.
func intFromUnit(c float64, min, max int) int {
	n := max - min + 1
	idx := int(c * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return min + idx
}

// unitFromInt maps an integer in [min, max] to the center of its bucket.
func unitFromInt(v, min, max int) float64 {
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	n := max - min + 1
	return (float64(v-min) + 0.5) / float64(n)
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, errors.Errorf("expected a number, got %T", value)
}
