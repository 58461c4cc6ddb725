// Package bimodal implements a table of saturating counters indexed by
// branch address.
package bimodal

import (
	"errors"
	"fmt"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/counter"
	"github.com/sarchlab/bpsim/predictor"
)

// ErrInvalidConfig reports a configuration the predictor cannot be built
// with.
var ErrInvalidConfig = errors.New("bimodal: invalid config")

// Config holds configuration for the bimodal predictor.
type Config struct {
	// TableSize is the number of counters. Must be a power of 2.
	TableSize uint32 `json:"table_size"`
	// CounterWidth is the number of bits of each counter.
	CounterWidth uint `json:"counter_width"`
}

// DefaultConfig returns a table of 16K 2-bit counters.
func DefaultConfig() Config {
	return Config{
		TableSize:    1 << 14,
		CounterWidth: 2,
	}
}

// Validate checks that the table can be built.
func (c Config) Validate() error {
	if c.TableSize == 0 || c.TableSize&(c.TableSize-1) != 0 {
		return fmt.Errorf("%w: table size %d is not a power of 2",
			ErrInvalidConfig, c.TableSize)
	}

	if c.CounterWidth == 0 || c.CounterWidth > counter.MaxWidth {
		return fmt.Errorf("%w: counter width %d not in [1, %d]",
			ErrInvalidConfig, c.CounterWidth, counter.MaxWidth)
	}

	return nil
}

// Stats holds statistics for the bimodal predictor.
type Stats struct {
	// Predictions is the total number of predictions made.
	Predictions uint64
	// Correct is the number of trained branches that were predicted right.
	Correct uint64
	// Mispredictions is the number of trained branches predicted wrong.
	Mispredictions uint64
}

// Accuracy returns the fraction of trained branches predicted correctly.
func (s Stats) Accuracy() float64 {
	total := s.Correct + s.Mispredictions
	if total == 0 {
		return 0
	}

	return float64(s.Correct) / float64(total)
}

// MispredictionRate returns the fraction of trained branches predicted
// wrong.
func (s Stats) MispredictionRate() float64 {
	total := s.Correct + s.Mispredictions
	if total == 0 {
		return 0
	}

	return float64(s.Mispredictions) / float64(total)
}

// Predictor predicts each branch with the counter its address maps to.
type Predictor struct {
	config Config
	table  []counter.Unsigned
	stats  Stats
}

// New creates a bimodal predictor with every counter weakly taken.
func New(config Config) (*Predictor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Predictor{
		config: config,
		table:  make([]counter.Unsigned, config.TableSize),
	}
	p.Reset()

	return p, nil
}

func (p *Predictor) index(ip uint64) uint64 {
	// Drop the alignment bits.
	return (ip >> 2) & uint64(p.config.TableSize-1)
}

// Predict returns whether the counter of ip is in its taken half.
func (p *Predictor) Predict(ip uint64) bool {
	p.stats.Predictions++
	return p.table[p.index(ip)].IsUpperHalf()
}

// Train moves the counter of the branch towards its outcome.
func (p *Predictor) Train(b branch.Branch) {
	c := &p.table[p.index(b.IP())]

	if c.IsUpperHalf() == b.IsTaken() {
		p.stats.Correct++
	} else {
		p.stats.Mispredictions++
	}

	c.Update(b.IsTaken())
}

// Track does nothing. Bimodal predictors keep no history.
func (p *Predictor) Track(branch.Branch) {}

// Stats returns the predictor statistics.
func (p *Predictor) Stats() Stats {
	return p.stats
}

// Metadata describes the predictor.
func (p *Predictor) Metadata() predictor.Metadata {
	return predictor.Metadata{Name: "Bimodal", Params: p.config}
}

// ExecutionStats returns the statistics as named counters.
func (p *Predictor) ExecutionStats() predictor.ExecutionStats {
	return predictor.ExecutionStats{
		"predictions":    p.stats.Predictions,
		"correct":        p.stats.Correct,
		"mispredictions": p.stats.Mispredictions,
	}
}

// ResetExecutionStats clears the statistics.
func (p *Predictor) ResetExecutionStats() {
	p.stats = Stats{}
}

// Reset sets every counter back to weakly taken and clears the statistics.
func (p *Predictor) Reset() {
	weaklyTaken := counter.UnsignedMax(p.config.CounterWidth)/2 + 1
	for i := range p.table {
		p.table[i] = counter.NewUnsignedWithValue(
			p.config.CounterWidth, weaklyTaken)
	}

	p.stats = Stats{}
}
