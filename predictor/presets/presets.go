// Package presets provides named, ready-to-use predictor configurations.
package presets

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sarchlab/bpsim/predictor"
	"github.com/sarchlab/bpsim/predictor/batage"
	"github.com/sarchlab/bpsim/predictor/bimodal"
	"github.com/sarchlab/bpsim/predictor/tage"
)

// ErrUnknownPredictor reports a predictor name with no preset.
var ErrUnknownPredictor = errors.New("unknown predictor")

// Seed is the BATAGE allocation seed of the presets.
const Seed = 158715

// TageTables returns the 16-table TAGE configuration: a tagless base table
// followed by tagged tables with geometrically growing history lengths.
func TageTables() []tage.TableSpec {
	return []tage.TableSpec{
		{HistoryLen: 0, IndexWidth: 14, TagWidth: 0, CounterWidth: 2, UsefulWidth: 2},
		{HistoryLen: 4, IndexWidth: 10, TagWidth: 7, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 5, IndexWidth: 10, TagWidth: 7, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 7, IndexWidth: 10, TagWidth: 8, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 9, IndexWidth: 10, TagWidth: 8, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 13, IndexWidth: 10, TagWidth: 9, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 17, IndexWidth: 10, TagWidth: 11, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 23, IndexWidth: 10, TagWidth: 11, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 32, IndexWidth: 10, TagWidth: 12, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 43, IndexWidth: 10, TagWidth: 12, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 58, IndexWidth: 10, TagWidth: 12, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 78, IndexWidth: 10, TagWidth: 13, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 105, IndexWidth: 10, TagWidth: 13, CounterWidth: 3, UsefulWidth: 2},
		{HistoryLen: 141, IndexWidth: 9, TagWidth: 17, CounterWidth: 3, UsefulWidth: 3},
		{HistoryLen: 191, IndexWidth: 9, TagWidth: 17, CounterWidth: 3, UsefulWidth: 3},
		{HistoryLen: 257, IndexWidth: 9, TagWidth: 17, CounterWidth: 3, UsefulWidth: 3},
	}
}

// BatageTables returns the 16-table BATAGE configuration. It has the same
// geometry as TageTables.
func BatageTables() []batage.TableSpec {
	tables := TageTables()

	specs := make([]batage.TableSpec, len(tables))
	for i, t := range tables {
		specs[i] = batage.TableSpec{
			HistoryLen: t.HistoryLen,
			IndexWidth: t.IndexWidth,
			TagWidth:   t.TagWidth,
		}
	}

	return specs
}

// TageConfig returns the preset TAGE configuration.
func TageConfig() tage.Config {
	return tage.Config{Tables: TageTables()}
}

// BatageConfig returns the preset BATAGE configuration.
func BatageConfig() batage.Config {
	return batage.Config{Tables: BatageTables(), Seed: Seed}
}

var builders = map[string]func() (predictor.Predictor, error){
	"tage": func() (predictor.Predictor, error) {
		return tage.New(TageConfig())
	},
	"batage": func() (predictor.Predictor, error) {
		return batage.New(BatageConfig())
	},
	"bimodal": func() (predictor.Predictor, error) {
		return bimodal.New(bimodal.DefaultConfig())
	},
}

// Names returns the names of all presets, sorted.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// New builds a fresh predictor from the named preset.
func New(name string) (predictor.Predictor, error) {
	build, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)",
			ErrUnknownPredictor, name, Names())
	}

	return build()
}

// NewAll builds one predictor per name.
func NewAll(names []string) ([]predictor.Predictor, error) {
	ps := make([]predictor.Predictor, 0, len(names))

	for _, name := range names {
		p, err := New(name)
		if err != nil {
			return nil, err
		}

		ps = append(ps, p)
	}

	return ps, nil
}
