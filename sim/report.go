package sim

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/btree"

	"github.com/sarchlab/bpsim/predictor"
)

// Report is the outcome of simulating one predictor over a trace.
type Report struct {
	Metadata            Metadata                 `json:"metadata"`
	Metrics             Metrics                  `json:"metrics"`
	PredictorStatistics predictor.ExecutionStats `json:"predictor_statistics"`
	MostFailed          []BranchStats            `json:"most_failed"`
	Target              *TargetMetrics           `json:"target_prediction,omitempty"`
	Resources           *ResourceUsage           `json:"resources,omitempty"`
	Warnings            []string                 `json:"warnings"`
}

// Metadata describes what was simulated.
type Metadata struct {
	Trace                  string             `json:"trace"`
	WarmupInstr            int64              `json:"warmup_instr"`
	SimulationInstr        int64              `json:"simulation_instr"`
	ExhaustedTrace         bool               `json:"exhausted_trace"`
	NumConditionalBranches uint64             `json:"num_conditional_branches"`
	NumBranchInstructions  int                `json:"num_branch_instructions"`
	Predictor              predictor.Metadata `json:"predictor"`
}

// Metrics are the aggregate direction prediction results.
type Metrics struct {
	MPKI                  float64 `json:"mpki"`
	Mispredictions        uint64  `json:"mispredictions"`
	Accuracy              float64 `json:"accuracy"`
	NumMostFailedBranches int     `json:"num_most_failed_branches"`
	// SimulationTime is the wall-clock time of the run in seconds.
	SimulationTime float64 `json:"simulation_time"`
}

// BranchStats holds the results of one conditional branch address.
type BranchStats struct {
	IP          uint64  `json:"ip"`
	Occurrences uint64  `json:"occurrences"`
	Misses      uint64  `json:"misses"`
	MPKI        float64 `json:"mpki"`
	Accuracy    float64 `json:"accuracy"`
}

// TargetMetrics are the results of the branch target buffer over taken
// branches.
type TargetMetrics struct {
	Sets          int     `json:"sets"`
	Ways          int     `json:"ways"`
	TakenBranches uint64  `json:"taken_branches"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	MPKI          float64 `json:"mpki"`
}

// ResourceUsage is the memory and CPU use of the simulator process.
type ResourceUsage struct {
	PeakRSS    uint64  `json:"peak_rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Comparison is the outcome of running two predictors side by side.
type Comparison struct {
	First     *Report            `json:"first"`
	Second    *Report            `json:"second"`
	Breakdown Breakdown          `json:"breakdown"`
	Divergent []BranchComparison `json:"divergent"`
	Warnings  []string           `json:"warnings"`
}

// Breakdown counts the outcomes of a pair of predictions.
type Breakdown struct {
	BothCorrect uint64 `json:"both_correct"`
	OnlyFirst   uint64 `json:"only_first_correct"`
	OnlySecond  uint64 `json:"only_second_correct"`
	BothWrong   uint64 `json:"both_wrong"`
}

// Total returns the number of paired predictions.
func (b Breakdown) Total() uint64 {
	return b.BothCorrect + b.OnlyFirst + b.OnlySecond + b.BothWrong
}

// Disagreements returns the number of predictions only one predictor got
// right.
func (b Breakdown) Disagreements() uint64 {
	return b.OnlyFirst + b.OnlySecond
}

func (b *Breakdown) add(firstCorrect, secondCorrect bool) {
	switch {
	case firstCorrect && secondCorrect:
		b.BothCorrect++
	case firstCorrect:
		b.OnlyFirst++
	case secondCorrect:
		b.OnlySecond++
	default:
		b.BothWrong++
	}
}

// BranchComparison is the outcome breakdown of one branch address.
type BranchComparison struct {
	IP uint64 `json:"ip"`
	Breakdown
}

// mpki returns misses per thousand instructions, or 0 when no instruction
// was simulated.
func mpki(misses uint64, instructions int64) float64 {
	if instructions <= 0 {
		return 0
	}

	return 1000 * float64(misses) / float64(instructions)
}

// accuracy returns the fraction of correct predictions, or 0 when there
// were none.
func accuracy(total, misses uint64) float64 {
	if total == 0 {
		return 0
	}

	return float64(total-misses) / float64(total)
}

// rankItem orders branch addresses by decreasing score, then by
// increasing address.
type rankItem struct {
	score uint64
	ip    uint64
}

func (a rankItem) Less(than btree.Item) bool {
	b := than.(rankItem)
	if a.score != b.score {
		return a.score > b.score
	}

	return a.ip < b.ip
}

// ranking keeps branch addresses sorted by score.
type ranking struct {
	tree *btree.BTree
}

func newRanking() *ranking {
	return &ranking{tree: btree.New(16)}
}

func (r *ranking) add(ip, score uint64) {
	r.tree.ReplaceOrInsert(rankItem{score: score, ip: ip})
}

// each visits the addresses in rank order until f returns false.
func (r *ranking) each(f func(ip, score uint64) bool) {
	r.tree.Ascend(func(i btree.Item) bool {
		item := i.(rankItem)
		return f(item.ip, item.score)
	})
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	return nil
}

// PrintSummary prints one line per report in a human-readable table.
func PrintSummary(w io.Writer, reports []*Report) {
	_, _ = fmt.Fprintf(w, "%-12s %12s %14s %10s %10s %10s\n",
		"Predictor", "Cond. Br.", "Mispredicts", "MPKI", "Accuracy",
		"Time (s)")
	_, _ = fmt.Fprintf(w, "%-12s %12s %14s %10s %10s %10s\n",
		"---------", "---------", "-----------", "----", "--------",
		"--------")

	for _, r := range reports {
		_, _ = fmt.Fprintf(w, "%-12s %12d %14d %10.4f %9.4f%% %10.3f\n",
			r.Metadata.Predictor.Name,
			r.Metadata.NumConditionalBranches,
			r.Metrics.Mispredictions,
			r.Metrics.MPKI,
			100*r.Metrics.Accuracy,
			r.Metrics.SimulationTime)
	}
}

// PrintMostFailed prints the most-failed branches of a report.
func PrintMostFailed(w io.Writer, r *Report) {
	_, _ = fmt.Fprintf(w, "%-18s %12s %10s %10s %10s\n",
		"IP", "Occurrences", "Misses", "MPKI", "Accuracy")

	for _, b := range r.MostFailed {
		_, _ = fmt.Fprintf(w, "0x%016x %12d %10d %10.4f %9.4f%%\n",
			b.IP, b.Occurrences, b.Misses, b.MPKI, 100*b.Accuracy)
	}
}

// PrintComparison prints the outcome breakdown and the divergent branches
// of a comparison.
func PrintComparison(w io.Writer, c *Comparison) {
	PrintSummary(w, []*Report{c.First, c.Second})

	first := c.First.Metadata.Predictor.Name
	second := c.Second.Metadata.Predictor.Name

	_, _ = fmt.Fprintf(w, "\nBoth correct:        %d\n", c.Breakdown.BothCorrect)
	_, _ = fmt.Fprintf(w, "Only %-15s %d\n", first+":", c.Breakdown.OnlyFirst)
	_, _ = fmt.Fprintf(w, "Only %-15s %d\n", second+":", c.Breakdown.OnlySecond)
	_, _ = fmt.Fprintf(w, "Both wrong:          %d\n", c.Breakdown.BothWrong)

	if len(c.Divergent) == 0 {
		return
	}

	_, _ = fmt.Fprintf(w, "\n%-18s %12s %12s %12s %12s\n",
		"IP", "Both correct", "Only first", "Only second", "Both wrong")

	for _, b := range c.Divergent {
		_, _ = fmt.Fprintf(w, "0x%016x %12d %12d %12d %12d\n",
			b.IP, b.BothCorrect, b.OnlyFirst, b.OnlySecond, b.BothWrong)
	}
}
