package fit

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// StateFileName is the name of the training-state sidecar saved next to the
// latest checkpoint.
const StateFileName = "state.json"

// History holds the per-epoch curves of a training run. All slices have
// State.Epoch elements.
type History struct {
	TrainLoss    []float64 `json:"train_loss"`
	ValidLoss    []float64 `json:"valid_loss"`
	TrainAcc     []float64 `json:"train_accuracy"`
	ValidAcc     []float64 `json:"valid_accuracy"`
	LearningRate []float64 `json:"learning_rate"`
}

// State is the bookkeeping of an epoch training run, everything needed --
// together with the checkpointed variables -- to resume a run exactly where
// it left off.
//
// Invariant: BestValidLoss == min(History.ValidLoss) once Epoch > 0.
type State struct {
	// Epoch is the number of epochs completed so far.
	Epoch int `json:"epoch"`

	// BestValidLoss is the lowest validation loss observed. +Inf before the
	// first epoch completes.
	BestValidLoss float64 `json:"best_valid_loss"`

	// BestEpoch is the 1-based epoch at which BestValidLoss was observed.
	// Zero before the first epoch completes.
	BestEpoch int `json:"best_epoch"`

	// EpochsSinceImprovement counts completed epochs since the last strict
	// improvement of the validation loss.
	EpochsSinceImprovement int `json:"epochs_since_improvement"`

	History History `json:"history"`
}

// NewState returns the state of a fresh (epoch 0) run.
func NewState() State {
	return State{BestValidLoss: math.Inf(1)}
}

// EpochMetrics are the measurements of one completed epoch fed into the
// state transition.
type EpochMetrics struct {
	TrainLoss, TrainAcc float64
	ValidLoss, ValidAcc float64
	LearningRate        float64
}

// RecordEpoch applies the results of one completed epoch: appends to the
// history, advances the epoch counter and updates the best-loss bookkeeping.
//
// It reports whether the epoch strictly improved the best validation loss --
// equal losses do not count as improvement.
func (s *State) RecordEpoch(m EpochMetrics) (improved bool) {
	s.Epoch++
	s.History.TrainLoss = append(s.History.TrainLoss, m.TrainLoss)
	s.History.ValidLoss = append(s.History.ValidLoss, m.ValidLoss)
	s.History.TrainAcc = append(s.History.TrainAcc, m.TrainAcc)
	s.History.ValidAcc = append(s.History.ValidAcc, m.ValidAcc)
	s.History.LearningRate = append(s.History.LearningRate, m.LearningRate)
	if m.ValidLoss < s.BestValidLoss {
		s.BestValidLoss = m.ValidLoss
		s.BestEpoch = s.Epoch
		s.EpochsSinceImprovement = 0
		return true
	}
	s.EpochsSinceImprovement++
	return false
}

// Check verifies the internal consistency of the state -- history lengths and
// best-loss bookkeeping. A checkpoint directory edited by hand, or a version
// mismatch, surfaces here on resume.
func (s *State) Check() error {
	h := &s.History
	for _, curve := range [][]float64{h.TrainLoss, h.ValidLoss, h.TrainAcc, h.ValidAcc, h.LearningRate} {
		if len(curve) != s.Epoch {
			return errors.Errorf("training state is inconsistent: %d epochs recorded but a history curve has %d entries",
				s.Epoch, len(curve))
		}
	}
	if s.Epoch == 0 {
		return nil
	}
	best := math.Inf(1)
	for _, v := range h.ValidLoss {
		best = math.Min(best, v)
	}
	if best != s.BestValidLoss {
		return errors.Errorf("training state is inconsistent: best_valid_loss=%g but min of history is %g",
			s.BestValidLoss, best)
	}
	return nil
}

// SaveState atomically writes the state to dir/state.json (temporary file +
// rename), so a crash mid-write never leaves a corrupt sidecar behind.
//
// It must only be called once at least one epoch completed: before that
// BestValidLoss is +Inf, which JSON cannot represent.
func SaveState(dir string, s *State) error {
	encoded, err := json.MarshalIndent(s, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode training state")
	}
	filePath := filepath.Join(dir, StateFileName)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0644); err != nil {
		return errors.Wrapf(err, "failed to write training state to %q", tmpPath)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move training state into place at %q", filePath)
	}
	return nil
}

// LoadStateIfPresent reads dir/state.json if it exists. An absent file is the
// normal fresh start and returns (zero state, false, nil); any other failure
// -- unreadable file, corrupt JSON, inconsistent state -- is an error.
func LoadStateIfPresent(dir string) (State, bool, error) {
	filePath := filepath.Join(dir, StateFileName)
	encoded, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return NewState(), false, nil
	}
	if err != nil {
		return State{}, false, errors.Wrapf(err, "failed to read training state from %q", filePath)
	}
	var s State
	if err := json.Unmarshal(encoded, &s); err != nil {
		return State{}, false, errors.Wrapf(err, "failed to parse training state in %q", filePath)
	}
	if err := s.Check(); err != nil {
		return State{}, false, errors.WithMessagef(err, "in %q", filePath)
	}
	return s, true, nil
}
