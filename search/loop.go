package search

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LossColumn is the name of the objective column in the trial log, always the
// last column after the dimension columns.
const LossColumn = "validation_loss"

// Trial is one hyperparameter configuration tried by the search, and its
// observed objective. Immutable once returned.
type Trial struct {
	// Index of the trial, counting from 0 in ask order.
	Index int

	// Params is the encoded unit-cube point proposed by the surrogate.
	Params []float64

	// Values are the decoded hyperparameters: float64, int or string per
	// dimension kind.
	Values map[string]any

	// Loss is the observed objective -- +Inf for failed trials.
	Loss float64
}

// Objective evaluates one trial and returns the value to minimize. A failed
// evaluation returns +Inf: the trial spends budget but teaches the surrogate
// nothing and is not persisted.
type Objective func(trial Trial) float64

// LoopConfig configures a search Loop.
type LoopConfig struct {
	// NumTrials is the total trial budget, including trials replayed from a
	// previous run's log.
	NumTrials int

	// LogPath of the trial log. Empty disables persistence (and resume).
	LogPath string

	// Seed of the default surrogate's random generator.
	Seed int64

	// Surrogate overrides the default GP surrogate. Used by tests.
	Surrogate Surrogate
}

// Loop runs trials sequentially: ask the surrogate, evaluate, tell, persist.
//
// After every successful trial the whole log is rewritten atomically, so a
// crash at any point leaves a valid log behind; re-creating the Loop with the
// same log path replays it into the surrogate and continues the remaining
// budget.
type Loop struct {
	space     *Space
	surrogate Surrogate
	logPath   string
	numTrials int

	trials []Trial
}

// NewLoop creates a search loop over the space. If cfg.LogPath names an
// existing trial log, its trials are loaded, replayed into the surrogate and
// counted against the budget.
func NewLoop(space *Space, cfg LoopConfig) (*Loop, error) {
	if space == nil {
		return nil, errors.Errorf("search loop requires a space")
	}
	if cfg.NumTrials <= 0 {
		return nil, errors.Errorf("search loop requires a positive trial budget, got %d", cfg.NumTrials)
	}
	surrogate := cfg.Surrogate
	if surrogate == nil {
		surrogate = NewGP(space, GPConfig{Seed: cfg.Seed})
	}
	l := &Loop{
		space:     space,
		surrogate: surrogate,
		logPath:   cfg.LogPath,
		numTrials: cfg.NumTrials,
	}
	if l.logPath != "" {
		if err := l.loadLog(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Run evaluates trials until the budget is exhausted and returns the best
// one. It returns an error if the trial log cannot be persisted -- the search
// must not continue on a log it cannot update -- or if every trial failed.
func (l *Loop) Run(objective Objective) (Trial, error) {
	for len(l.trials) < l.numTrials {
		x := l.surrogate.Ask()
		trial := Trial{
			Index:  len(l.trials),
			Params: x,
			Values: l.space.Decode(x),
		}
		trial.Loss = objective(trial)
		l.trials = append(l.trials, trial)
		if math.IsInf(trial.Loss, 1) || math.IsNaN(trial.Loss) {
			klog.Warningf("search: trial %d failed (objective %g), excluded from surrogate and log",
				trial.Index, trial.Loss)
			continue
		}
		l.surrogate.Tell(x, trial.Loss)
		if l.logPath != "" {
			if err := l.writeLog(); err != nil {
				return Trial{}, err
			}
		}
	}
	return l.Best()
}

// Best returns the trial with the lowest loss, earliest index on ties. It
// returns an error when no trial succeeded.
func (l *Loop) Best() (Trial, error) {
	best := Trial{Loss: math.Inf(1)}
	found := false
	for _, t := range l.trials {
		if t.Loss < best.Loss {
			best = t
			found = true
		}
	}
	if !found {
		return Trial{}, errors.Errorf("no successful trial among %d", len(l.trials))
	}
	return best, nil
}

// Trials returns all trials so far, failed ones included, in ask order.
func (l *Loop) Trials() []Trial { return l.trials }

// writeLog rewrites the whole trial log with the successful trials, in order:
// a header of the dimension names plus the loss column, one row per trial.
// The write is atomic (temporary file + rename).
func (l *Loop) writeLog() error {
	tmpPath := l.logPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create trial log %q", tmpPath)
	}
	w := csv.NewWriter(f)
	header := append(l.space.Names(), LossColumn)
	err = w.Write(header)
	dims := l.space.Dims()
	for _, t := range l.trials {
		if err != nil {
			break
		}
		if math.IsInf(t.Loss, 0) || math.IsNaN(t.Loss) {
			continue
		}
		row := make([]string, 0, len(dims)+1)
		for ii := range dims {
			row = append(row, dims[ii].FormatValue(t.Values[dims[ii].Name]))
		}
		row = append(row, strconv.FormatFloat(t.Loss, 'g', -1, 64))
		err = w.Write(row)
	}
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write trial log %q", tmpPath)
	}
	if err := os.Rename(tmpPath, l.logPath); err != nil {
		return errors.Wrapf(err, "failed to move trial log into place at %q", l.logPath)
	}
	return nil
}

// loadLog reads the trial log, if present, and replays it: each logged trial
// is re-encoded, told to the surrogate and counted against the budget.
func (l *Loop) loadLog() error {
	f, err := os.Open(l.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to open trial log %q", l.logPath)
	}
	defer func() { _ = f.Close() }()

	// All columns read as strings: the dimensions know how to parse their own
	// values.
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Error() != nil {
		return errors.Wrapf(df.Error(), "failed to parse trial log %q", l.logPath)
	}

	columns := make(map[string][]string, df.Ncol())
	for _, name := range df.Names() {
		columns[name] = df.Col(name).Records()
	}
	dims := l.space.Dims()
	for ii := range dims {
		if _, found := columns[dims[ii].Name]; !found {
			return errors.Errorf("trial log %q is missing column %q -- does it belong to another search space?",
				l.logPath, dims[ii].Name)
		}
	}
	lossCells, found := columns[LossColumn]
	if !found {
		return errors.Errorf("trial log %q is missing the %q column", l.logPath, LossColumn)
	}

	for row := 0; row < df.Nrow(); row++ {
		values := make(map[string]any, len(dims))
		for ii := range dims {
			value, err := dims[ii].ParseValue(columns[dims[ii].Name][row])
			if err != nil {
				return errors.WithMessagef(err, "trial log %q row %d", l.logPath, row)
			}
			values[dims[ii].Name] = value
		}
		loss, err := strconv.ParseFloat(lossCells[row], 64)
		if err != nil {
			return errors.Wrapf(err, "trial log %q row %d: bad %s", l.logPath, row, LossColumn)
		}
		x, err := l.space.Encode(values)
		if err != nil {
			return errors.WithMessagef(err, "trial log %q row %d", l.logPath, row)
		}
		l.trials = append(l.trials, Trial{
			Index:  len(l.trials),
			Params: x,
			Values: values,
			Loss:   loss,
		})
		l.surrogate.Tell(x, loss)
	}
	if df.Nrow() > 0 {
		klog.V(1).Infof("search: resumed %d trials from %q", df.Nrow(), l.logPath)
	}
	return nil
}
