// Package tage implements the TAGE branch predictor.
//
// TAGE keeps a tagless base table plus tagged tables indexed with
// increasingly long slices of the global history. The longest matching
// table provides the prediction, unless its counter is weak and a small
// meta-predictor prefers the next matching table.
package tage

import (
	"errors"
	"fmt"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/counter"
	"github.com/sarchlab/bpsim/history"
	"github.com/sarchlab/bpsim/predictor"
)

const (
	logMetaSize = 8
	metaWidth   = 5
)

// ErrInvalidConfig reports table specs the predictor cannot be built with.
var ErrInvalidConfig = errors.New("tage: invalid config")

// TableSpec describes one table.
type TableSpec struct {
	HistoryLen   uint `json:"history_length"`
	IndexWidth   uint `json:"log_size"`
	TagWidth     uint `json:"tag_width"`
	CounterWidth uint `json:"counter_width"`
	UsefulWidth  uint `json:"useful_width"`
}

// Config holds the tables of the predictor, base table first.
type Config struct {
	Tables []TableSpec `json:"tables"`
}

// Validate checks that every table can be represented.
func (c Config) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("%w: no tables", ErrInvalidConfig)
	}

	for i, t := range c.Tables {
		switch {
		case t.IndexWidth == 0 || t.IndexWidth > 28:
			return fmt.Errorf("%w: table %d: index width %d not in [1, 28]",
				ErrInvalidConfig, i, t.IndexWidth)
		case t.TagWidth > 32:
			return fmt.Errorf("%w: table %d: tag width %d above 32",
				ErrInvalidConfig, i, t.TagWidth)
		case t.CounterWidth == 0 || t.CounterWidth > 8:
			return fmt.Errorf("%w: table %d: counter width %d not in [1, 8]",
				ErrInvalidConfig, i, t.CounterWidth)
		case t.UsefulWidth == 0 || t.UsefulWidth > 8:
			return fmt.Errorf("%w: table %d: useful width %d not in [1, 8]",
				ErrInvalidConfig, i, t.UsefulWidth)
		}
	}

	return nil
}

type entry struct {
	tag    uint32
	ctr    int8
	useful uint8
}

func (e *entry) isWeak() bool { return e.ctr == 0 || e.ctr == -1 }

type table struct {
	spec    TableSpec
	entries []entry
	hash    history.TableHash
}

// Stats counts the events of a TAGE predictor.
type Stats struct {
	Predictions        uint64
	AltProvided        uint64
	MetaUpdates        uint64
	Allocations        uint64
	AllocationFailures uint64
	ProviderHits       []uint64
}

// Predictor is a TAGE predictor.
type Predictor struct {
	tables []table
	ghist  *history.Global
	meta   [1 << logMetaSize]int8

	// Lookup of the last predicted address.
	hit      []*entry
	tags     []uint32
	lookupIP uint64
	stale    bool
	m0, m1   int
	prov     int
	predM0   bool
	predM1   bool
	m0IsWeak bool
	m1IsWeak bool
	pred     bool

	stats Stats
}

// New creates a TAGE predictor.
func New(config Config) (*Predictor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var maxLen uint

	p := &Predictor{
		tables: make([]table, len(config.Tables)),
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

	p.m0 = p.longestMatch(len(p.tables) - 1)
	p.predM0 = p.hit[p.m0].ctr >= 0
	p.m0IsWeak = p.hit[p.m0].isWeak()

	p.m1 = -1
	p.predM1 = false
	p.m1IsWeak = false

	if p.m0 > 0 {
		p.m1 = p.longestMatch(p.m0 - 1)
		p.predM1 = p.hit[p.m1].ctr >= 0
		p.m1IsWeak = p.hit[p.m1].isWeak()
	}

	p.prov = p.m0
	if p.m0 > 0 && p.m0IsWeak && p.meta[p.metaIndex()] >= 0 {
		p.prov = p.m1
	}

	p.pred = p.hit[p.prov].ctr >= 0

	return p.pred
}

// longestMatch returns the matching table with the longest history among
// tables 0 to from. The base table always matches.
func (p *Predictor) longestMatch(from int) int {
	i := from
	for i > 0 && p.hit[i].tag != p.tags[i] {
		i--
	}

	return i
}

func (p *Predictor) metaIndex() uint64 {
	idx := history.XorFold(uint64(p.m0), logMetaSize-1) << 1
	if p.m1IsWeak {
		idx |= 1
	}

	return idx
}

// Train updates the predictor with the outcome of a conditional branch.
func (p *Predictor) Train(b branch.Branch) {
	taken := b.IsTaken()
	p.lookup(b.IP())

	p.stats.ProviderHits[p.prov]++
	if p.prov != p.m0 {
		p.stats.AltProvided++
	}

	p.updateEntry(p.m0, taken)
	if p.m0IsWeak && p.hit[p.m0].isWeak() {
		p.hit[p.m0].useful = 0
	}

	if p.prov == p.m1 {
		p.updateEntry(p.m1, taken)
	}

	if p.m0 > 0 && p.m0IsWeak && p.predM0 != p.predM1 {
		i := p.metaIndex()
		p.meta[i] = int8(counter.StepSigned(
			int32(p.meta[i]), p.predM1 == taken, metaWidth))
		p.stats.MetaUpdates++
	}

	// A wrong prediction from the alternate while the provider was right
	// needs no new entry.
	if p.pred != taken && p.predM0 != taken {
		p.allocate(taken)
	}
}

func (p *Predictor) updateEntry(i int, taken bool) {
	e := p.hit[i]
	spec := &p.tables[i].spec

	e.ctr = int8(counter.StepSigned(int32(e.ctr), taken, spec.CounterWidth))
	e.useful = uint8(counter.StepUnsigned(
		uint32(e.useful), p.pred == taken, spec.UsefulWidth))
}

func (p *Predictor) allocate(taken bool) {
	for i := p.m0 + 1; i < len(p.tables); i++ {
		e := p.hit[i]
		if e.useful != 0 {
			continue
		}

		e.tag = p.tags[i]
		e.ctr = -1
		if taken {
			e.ctr = 0
		}
		e.useful = 1
		p.stats.Allocations++

		return
	}

	for i := p.m0 + 1; i < len(p.tables); i++ {
		e := p.hit[i]
		if e.useful > 0 {
			e.useful--
		}
	}

	if p.m0+1 < len(p.tables) {
		p.stats.AllocationFailures++
	}
}

// Track shifts the outcome of any branch into the global history.
func (p *Predictor) Track(b branch.Branch) {
	p.ghist.Push(b.IsTaken())

	for i := range p.tables {
		p.tables[i].hash.Update(p.ghist)
	}

	p.stale = true
}

// Metadata describes the predictor and its tables.
func (p *Predictor) Metadata() predictor.Metadata {
	return predictor.Metadata{
		Name:   "TAGE",
		Params: p.Config(),
	}
}

// Config returns the table specs of the predictor.
func (p *Predictor) Config() Config {
	specs := make([]TableSpec, len(p.tables))
	for i := range p.tables {
		specs[i] = p.tables[i].spec
	}

	return Config{Tables: specs}
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
		"alt_provided":        p.stats.AltProvided,
		"meta_updates":        p.stats.MetaUpdates,
		"allocations":         p.stats.Allocations,
		"allocation_failures": p.stats.AllocationFailures,
	}

	for i, n := range p.stats.ProviderHits {
		s[fmt.Sprintf("provider_t%02d", i)] = n
	}

	return s
}

// ResetExecutionStats clears the statistics.
func (p *Predictor) ResetExecutionStats() {
	hits := p.stats.ProviderHits
	clear(hits)
	p.stats = Stats{ProviderHits: hits}
}
