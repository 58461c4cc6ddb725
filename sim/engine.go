// Package sim drives branch predictors over SBBT traces and reports how
// well they did.
//
// All modes read the trace once, in a single goroutine. When several
// predictors are simulated together every one of them sees every branch in
// trace order, exactly as if it had been simulated alone.
package sim

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/predictor"
	"github.com/sarchlab/bpsim/predictor/btb"
)

// ErrTraceExhausted reports a trace that ended before the requested number
// of instructions was simulated. It is recorded as a report warning and
// never returned.
var ErrTraceExhausted = errors.New("trace exhausted")

// Trace is a stream of branches. *sbbt.Reader implements it.
type Trace interface {
	// NextBranch stores the next branch in b and returns its instruction
	// number. It returns io.EOF once the trace is over.
	NextBranch(b *branch.Branch) (int64, error)

	// NumInstructions returns the instruction count declared by the trace.
	NumInstructions() uint64

	// LastInstrRead returns the instruction number of the last branch read.
	LastInstrRead() int64

	// Path returns where the trace was read from.
	Path() string
}

// Run simulates one predictor over the trace.
func Run(config *Config, trace Trace, p predictor.Predictor) (*Report, error) {
	reports, err := RunParallel(config, trace, []predictor.Predictor{p})
	if err != nil {
		return nil, err
	}

	return reports[0], nil
}

// RunParallel simulates several independent predictors in one pass over
// the trace and returns one report per predictor, in order.
func RunParallel(
	config *Config,
	trace Trace,
	ps []predictor.Predictor,
) ([]*Report, error) {
	e, err := newEngine(config, trace, ps)
	if err != nil {
		return nil, err
	}

	if err := e.run(); err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(e.tallies))
	for _, t := range e.tallies {
		reports = append(reports, e.report(t))
	}

	return reports, nil
}

// Compare simulates two predictors in one pass and breaks their
// predictions down per branch address.
func Compare(
	config *Config,
	trace Trace,
	first, second predictor.Predictor,
) (*Comparison, error) {
	e, err := newEngine(config, trace, []predictor.Predictor{first, second})
	if err != nil {
		return nil, err
	}

	e.pairs = make(map[uint64]*Breakdown)

	if err := e.run(); err != nil {
		return nil, err
	}

	c := &Comparison{
		First:     e.report(e.tallies[0]),
		Second:    e.report(e.tallies[1]),
		Breakdown: e.pairTotal,
		Divergent: e.divergent(),
	}
	c.Warnings = c.First.Warnings

	return c, nil
}

type branchCounts struct {
	occurrences uint64
	misses      uint64
}

// tally accumulates the results of one predictor.
type tally struct {
	p predictor.Predictor

	branches       map[uint64]*branchCounts
	numBranches    uint64
	mispredictions uint64

	// lastCorrect tells whether the last conditional branch was predicted
	// correctly.
	lastCorrect bool
}

func newTally(p predictor.Predictor) *tally {
	return &tally{
		p:        p,
		branches: make(map[uint64]*branchCounts),
	}
}

func (t *tally) step(b branch.Branch, counted bool) {
	if b.IsConditional() {
		predicted := t.p.Predict(b.IP())
		t.p.Train(b)
		t.lastCorrect = predicted == b.IsTaken()

		if counted {
			t.count(b.IP(), !t.lastCorrect)
		}
	}

	t.p.Track(b)
}

func (t *tally) count(ip uint64, missed bool) {
	c, ok := t.branches[ip]
	if !ok {
		c = &branchCounts{}
		t.branches[ip] = c
	}

	c.occurrences++
	t.numBranches++

	if missed {
		c.misses++
		t.mispredictions++
	}
}

// targetTally accumulates the results of the branch target buffer.
type targetTally struct {
	buf   *btb.BTB
	taken uint64
	hits  uint64
}

func (t *targetTally) step(b branch.Branch, counted bool) {
	if !b.IsTaken() {
		return
	}

	target, ok := t.buf.PredictTarget(b.IP())
	if counted {
		t.taken++
		if ok && target == b.Target() {
			t.hits++
		}
	}

	t.buf.UpdateTarget(b.IP(), b.Target())
}

func (t *targetTally) metrics(metricInstr int64) *TargetMetrics {
	config := t.buf.Config()
	misses := t.taken - t.hits

	return &TargetMetrics{
		Sets:          config.Sets,
		Ways:          config.Ways,
		TakenBranches: t.taken,
		Hits:          t.hits,
		Misses:        misses,
		HitRate:       accuracy(t.taken, misses),
		MPKI:          mpki(misses, metricInstr),
	}
}

type engine struct {
	config  *Config
	trace   Trace
	tallies []*tally
	targets *targetTally
	sampler *resourceSampler

	// pairs is only set when comparing two predictors.
	pairs     map[uint64]*Breakdown
	pairTotal Breakdown

	exhausted bool
	elapsed   time.Duration
}

func newEngine(
	config *Config,
	trace Trace,
	ps []predictor.Predictor,
) (*engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no predictor to simulate", ErrInvalidConfig)
	}

	e := &engine{
		config: config,
		trace:  trace,
	}

	for _, p := range ps {
		e.tallies = append(e.tallies, newTally(p))
	}

	if config.BTB != nil {
		buf, err := btb.New(*config.BTB)
		if err != nil {
			return nil, err
		}

		e.targets = &targetTally{buf: buf}
	}

	if config.SampleResources {
		e.sampler = newResourceSampler()
	}

	return e, nil
}

func (e *engine) run() error {
	stopAt := e.config.StopAt()
	warmup := e.config.WarmupInstructions
	start := time.Now()

	var (
		b    branch.Branch
		read uint64
	)

	for {
		instrNum, err := e.trace.NextBranch(&b)
		if errors.Is(err, io.EOF) {
			e.exhausted = e.config.SimInstructions > 0 &&
				e.traceLength() < stopAt
			break
		}

		if err != nil {
			return err
		}

		if instrNum >= stopAt {
			break
		}

		counted := instrNum >= warmup

		for _, t := range e.tallies {
			t.step(b, counted)
		}

		if e.pairs != nil && counted && b.IsConditional() {
			e.pair(b.IP())
		}

		if e.targets != nil {
			e.targets.step(b, counted)
		}

		read++
		if read%resourceSampleInterval == 0 {
			e.sampler.sample()
		}
	}

	e.elapsed = time.Since(start)

	return nil
}

func (e *engine) pair(ip uint64) {
	firstCorrect := e.tallies[0].lastCorrect
	secondCorrect := e.tallies[1].lastCorrect

	bd, ok := e.pairs[ip]
	if !ok {
		bd = &Breakdown{}
		e.pairs[ip] = bd
	}

	bd.add(firstCorrect, secondCorrect)
	e.pairTotal.add(firstCorrect, secondCorrect)
}

// metricInstructions returns the number of instructions metrics are
// normalized by.
func (e *engine) metricInstructions() int64 {
	sim := e.config.SimInstructions
	if sim > 0 && !e.exhausted {
		return sim
	}

	n := e.traceLength() - e.config.WarmupInstructions

	if sim > 0 {
		n = min(n, sim)
	}

	return max(n, 0)
}

// traceLength returns the number of instructions in the trace, trusting the
// branches read over the header when they disagree.
func (e *engine) traceLength() int64 {
	return max(int64(e.trace.NumInstructions()), e.trace.LastInstrRead())
}

func (e *engine) exhaustedWarning() string {
	return fmt.Sprintf("%v: requested %d warm-up and %d simulation "+
		"instructions, but the trace only has %d",
		ErrTraceExhausted,
		e.config.WarmupInstructions,
		e.config.SimInstructions,
		e.traceLength())
}

func (e *engine) report(t *tally) *Report {
	metricInstr := e.metricInstructions()

	r := &Report{
		Metadata: Metadata{
			Trace:                  e.trace.Path(),
			WarmupInstr:            e.config.WarmupInstructions,
			SimulationInstr:        metricInstr,
			ExhaustedTrace:         e.exhausted,
			NumConditionalBranches: t.numBranches,
			NumBranchInstructions:  len(t.branches),
			Predictor:              t.p.Metadata(),
		},
		Metrics: Metrics{
			MPKI:           mpki(t.mispredictions, metricInstr),
			Mispredictions: t.mispredictions,
			Accuracy:       accuracy(t.numBranches, t.mispredictions),
			SimulationTime: e.elapsed.Seconds(),
		},
		PredictorStatistics: t.p.ExecutionStats(),
		MostFailed:          e.mostFailed(t, metricInstr),
		Warnings:            []string{},
	}

	r.Metrics.NumMostFailedBranches = len(r.MostFailed)

	if e.exhausted {
		r.Warnings = append(r.Warnings, e.exhaustedWarning())
	}

	if e.targets != nil {
		r.Target = e.targets.metrics(metricInstr)
	}

	if e.sampler != nil {
		r.Resources = e.sampler.usage()
	}

	return r
}

// mostFailed returns the branches with the most misses that together
// account for half of the mispredictions.
func (e *engine) mostFailed(t *tally, metricInstr int64) []BranchStats {
	r := newRanking()
	for ip, c := range t.branches {
		if c.misses > 0 {
			r.add(ip, c.misses)
		}
	}

	limit := e.config.MostFailedLimit
	rows := []BranchStats{}

	var covered uint64

	r.each(func(ip, misses uint64) bool {
		if 2*covered >= t.mispredictions {
			return false
		}

		if limit > 0 && len(rows) == limit {
			return false
		}

		c := t.branches[ip]
		rows = append(rows, BranchStats{
			IP:          ip,
			Occurrences: c.occurrences,
			Misses:      c.misses,
			MPKI:        mpki(c.misses, metricInstr),
			Accuracy:    accuracy(c.occurrences, c.misses),
		})
		covered += misses

		return true
	})

	return rows
}

// divergent returns the branches the compared predictors disagree the
// most on.
func (e *engine) divergent() []BranchComparison {
	r := newRanking()
	for ip, bd := range e.pairs {
		if d := bd.Disagreements(); d > 0 {
			r.add(ip, d)
		}
	}

	limit := e.config.CompareLimit
	rows := []BranchComparison{}

	r.each(func(ip, _ uint64) bool {
		if limit > 0 && len(rows) == limit {
			return false
		}

		rows = append(rows, BranchComparison{IP: ip, Breakdown: *e.pairs[ip]})

		return true
	})

	return rows
}
