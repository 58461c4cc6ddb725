// Package batage implements the BATAGE branch predictor.
//
// BATAGE is a TAGE variant without usefulness counters. Every entry holds a
// counter.Dual whose imbalance gives a confidence level, and the most
// confident matching entry with the longest history provides the
// prediction. Allocation on mispredictions is random and throttled by a
// global value that grows when allocation keeps finding confident entries.
package batage

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/counter"
	"github.com/sarchlab/bpsim/history"
	"github.com/sarchlab/bpsim/predictor"
)

const (
	// MaxCat is the saturation value of the allocation throttle.
	MaxCat = 1 << 19
	// MinAP is the inverse of the smallest allocation probability.
	MinAP = 10
	// MaxAllocSkip is the largest number of tables skipped when allocating.
	MaxAllocSkip = 3
)

// DefaultSeed seeds the allocation RNG when the config leaves it unset.
const DefaultSeed = 158715

// ErrInvalidConfig reports table specs the predictor cannot be built with.
var ErrInvalidConfig = errors.New("batage: invalid config")

// TableSpec describes one table.
type TableSpec struct {
	HistoryLen uint `json:"history_length"`
	IndexWidth uint `json:"log_size"`
	TagWidth   uint `json:"tag_width"`
}

// Config holds the tables of the predictor, base table first, and the seed
// of its allocation RNG.
type Config struct {
	Tables []TableSpec `json:"tables"`
	Seed   uint64      `json:"seed"`
}

// Validate checks that every table can be represented.
func (c Config) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("%w: no tables", ErrInvalidConfig)
	}

	for i, t := range c.Tables {
		if t.IndexWidth == 0 || t.IndexWidth > 28 {
			return fmt.Errorf("%w: table %d: index width %d not in [1, 28]",
				ErrInvalidConfig, i, t.IndexWidth)
		}

		if t.TagWidth > 32 {
			return fmt.Errorf("%w: table %d: tag width %d above 32",
				ErrInvalidConfig, i, t.TagWidth)
		}
	}

	return nil
}

type entry struct {
	tag uint32
	ctr counter.Dual
}

type table struct {
	spec    TableSpec
	entries []entry
	hash    history.TableHash
}

// Stats counts the events of a BATAGE predictor.
type Stats struct {
	Predictions    uint64
	Allocations    uint64
	Throttled      uint64
	Decays         uint64
	AltDecays      uint64
	NoVictim       uint64
	ProviderHits   []uint64
	HighConfidence uint64
	MedConfidence  uint64
	LowConfidence  uint64
}

// Predictor is a BATAGE predictor.
type Predictor struct {
	tables []table
	ghist  *history.Global
	rng    *rand.Rand
	seed   uint64
	cat    int

	// Lookup of the last predicted address.
	hit      []*entry
	tags     []uint32
	lookupIP uint64
	stale    bool
	prov     int
	conf     int
	pred     bool

	stats Stats
}

// New creates a BATAGE predictor. A zero seed selects DefaultSeed.
func New(config Config) (*Predictor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = DefaultSeed
	}

	var maxLen uint

	p := &Predictor{
		tables: make([]table, len(config.Tables)),
		rng:    rand.New(rand.NewPCG(seed, 0)),
		seed:   seed,
		hit:    make([]*entry, len(config.Tables)),
		tags:   make([]uint32, len(config.Tables)),
		stale:  true,
	}

	for i, spec := range config.Tables {
		p.tables[i] = table{
			spec:    spec,
			entries: make([]entry, 1<<spec.IndexWidth),
			hash: history.NewTableHash(
				spec.HistoryLen, spec.IndexWidth, spec.TagWidth),
		}
		maxLen = max(maxLen, spec.HistoryLen)
	}

	p.ghist = history.NewGlobal(maxLen)
	p.stats.ProviderHits = make([]uint64, len(config.Tables))

	return p, nil
}

// Predict returns the prediction for the branch at ip.
func (p *Predictor) Predict(ip uint64) bool {
	p.stats.Predictions++
	return p.lookup(ip)
}

func (p *Predictor) lookup(ip uint64) bool {
	if !p.stale && p.lookupIP == ip {
		return p.pred
	}

	p.lookupIP = ip
	p.stale = false

	for i := range p.tables {
		t := &p.tables[i]
		p.hit[i] = &t.entries[t.hash.Index(ip)]
		p.tags[i] = uint32(t.hash.Tag(ip))
	}

	p.prov = 0
	p.pred = p.hit[0].ctr.Prediction() > 0
	p.conf = p.hit[0].ctr.ConfidenceLevel()

	for i := 1; i < len(p.hit); i++ {
		if !p.matches(i) {
			continue
		}

		pred := p.hit[i].ctr.Prediction()
		conf := p.hit[i].ctr.ConfidenceLevel()

		if conf >= p.conf && pred != 0 {
			p.prov = i
			p.pred = pred > 0
			p.conf = conf
		}
	}

	return p.pred
}

func (p *Predictor) matches(i int) bool {
	return p.hit[i].tag == p.tags[i]
}

// Train updates the predictor with the outcome of a conditional branch.
func (p *Predictor) Train(b branch.Branch) {
	taken := b.IsTaken()
	p.lookup(b.IP())
	p.countProvider()

	// Longer matches were skipped for being less confident. They learn
	// too.
	lastHit := p.prov
	for i := p.prov + 1; i < len(p.hit); i++ {
		if p.matches(i) {
			lastHit = i
			p.hit[i].ctr.Update(taken)
		}
	}

	alt := 0
	for i := 0; i < p.prov; i++ {
		if p.matches(i) {
			alt = i
		}
	}

	altCtr := p.hit[alt].ctr
	altPred := altCtr.Prediction()
	altCorrect := altPred != 0 && taken == (altPred >= 0)
	altConf := altCtr.ConfidenceLevel()

	provCtr := &p.hit[p.prov].ctr
	if p.prov > 0 && p.conf == counter.HighConfidence &&
		altConf == counter.HighConfidence && altCorrect {
		provCtr.Decay()
		p.stats.AltDecays++
	} else {
		provCtr.Update(taken)
	}

	if p.prov > 0 && p.conf != counter.HighConfidence {
		p.hit[alt].ctr.Update(taken)
	}

	if p.pred != taken {
		p.allocate(lastHit, taken)
	}
}

func (p *Predictor) countProvider() {
	p.stats.ProviderHits[p.prov]++

	switch p.conf {
	case counter.HighConfidence:
		p.stats.HighConfidence++
	case counter.MediumConfidence:
		p.stats.MedConfidence++
	default:
		p.stats.LowConfidence++
	}
}

// allocate claims an entry beyond lastHit, with a probability that drops as
// the throttle rises. Confident entries found on the way may decay instead.
func (p *Predictor) allocate(lastHit int, taken bool) {
	// The integer division is part of the tuning and must stay truncating.
	if p.rng.IntN(MinAP) < p.cat*MinAP/(MaxCat+1) {
		p.stats.Throttled++
		return
	}

	skip := 1 + p.rng.IntN(MaxAllocSkip)
	mhc := 0

	for i := lastHit + skip; i < len(p.hit); i++ {
		e := p.hit[i]

		if e.ctr.ConfidenceLevel() == counter.HighConfidence {
			if !e.ctr.IsExcessivelyConfident() {
				mhc++
			}

			if p.rng.IntN(4) == 0 {
				e.ctr.Decay()
				p.stats.Decays++
			}

			continue
		}

		e.tag = p.tags[i]
		if taken {
			e.ctr = counter.NewDual(0, 1)
		} else {
			e.ctr = counter.NewDual(1, 0)
		}

		p.cat = min(max(p.cat+3-4*mhc, 0), MaxCat)
		p.stats.Allocations++

		return
	}

	p.stats.NoVictim++
}

// Track shifts the outcome of any branch into the global history.
func (p *Predictor) Track(b branch.Branch) {
	p.ghist.Push(b.IsTaken())

	for i := range p.tables {
		p.tables[i].hash.Update(p.ghist)
	}

	p.stale = true
}

// Cat returns the current value of the allocation throttle.
func (p *Predictor) Cat() int { return p.cat }

// Config returns the table specs and seed of the predictor.
func (p *Predictor) Config() Config {
	specs := make([]TableSpec, len(p.tables))
	for i := range p.tables {
		specs[i] = p.tables[i].spec
	}

	return Config{Tables: specs, Seed: p.seed}
}

// Metadata describes the predictor and its tables.
func (p *Predictor) Metadata() predictor.Metadata {
	return predictor.Metadata{
		Name:   "BATAGE",
		Params: p.Config(),
	}
}

// Stats returns a copy of the predictor statistics.
func (p *Predictor) Stats() Stats {
	s := p.stats
	s.ProviderHits = append([]uint64(nil), p.stats.ProviderHits...)

	return s
}

// ExecutionStats returns the statistics as named counters.
func (p *Predictor) ExecutionStats() predictor.ExecutionStats {
	s := predictor.ExecutionStats{
		"predictions":         p.stats.Predictions,
		"allocations":         p.stats.Allocations,
		"throttled":           p.stats.Throttled,
		"decays":              p.stats.Decays,
		"alt_decays":          p.stats.AltDecays,
		"no_victim":           p.stats.NoVictim,
		"high_confidence":     p.stats.HighConfidence,
		"medium_confidence":   p.stats.MedConfidence,
		"low_confidence":      p.stats.LowConfidence,
		"allocation_throttle": uint64(p.cat),
	}

	for i, n := range p.stats.ProviderHits {
		s[fmt.Sprintf("provider_t%02d", i)] = n
	}

	return s
}

// ResetExecutionStats clears the statistics. The allocation throttle is
// predictor state and is kept.
func (p *Predictor) ResetExecutionStats() {
	hits := p.stats.ProviderHits
	clear(hits)
	p.stats = Stats{ProviderHits: hits}
}
