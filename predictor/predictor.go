// Package predictor defines the contract between branch predictors and the
// simulation engine.
//
// For every branch of a trace the engine calls, in order:
//
//	Predict(ip)  conditional branches only
//	Train(b)     conditional branches only, right after Predict
//	Track(b)     every branch
//
// Predictors do not check this order. Calling them out of order gives
// meaningless predictions but is never an error.
package predictor

import (
	"maps"
	"slices"

	"github.com/sarchlab/bpsim/branch"
)

// Predictor is a branch direction predictor.
type Predictor interface {
	// Predict returns whether the branch at ip is predicted taken. It may
	// cache lookups for the following Train, but must not change any
	// state that affects later predictions.
	Predict(ip uint64) bool

	// Train updates the predictor with the outcome of the conditional
	// branch that was just predicted.
	Train(b branch.Branch)

	// Track updates the history of the predictor with any branch.
	Track(b branch.Branch)

	// Metadata describes the predictor and its structural parameters.
	Metadata() Metadata

	// ExecutionStats returns the counters gathered since construction or
	// the last ResetExecutionStats.
	ExecutionStats() ExecutionStats

	// ResetExecutionStats clears the execution counters.
	ResetExecutionStats()
}

// Metadata is the self-description of a predictor.
type Metadata struct {
	Name   string `json:"name"`
	Params any    `json:"params,omitempty"`
}

// ExecutionStats are named event counters of a predictor.
type ExecutionStats map[string]uint64

// Keys returns the stat names in sorted order.
func (s ExecutionStats) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns an independent copy of the stats.
func (s ExecutionStats) Clone() ExecutionStats {
	return maps.Clone(s)
}

// TargetPredictor predicts the target address of taken branches.
type TargetPredictor interface {
	// PredictTarget returns the predicted target of the branch at ip and
	// whether a prediction is available.
	PredictTarget(ip uint64) (uint64, bool)

	// UpdateTarget records the target of a taken branch.
	UpdateTarget(ip, target uint64)
}
