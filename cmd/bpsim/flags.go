package main

import (
	"github.com/spf13/cobra"

	"github.com/sarchlab/bpsim/predictor/btb"
	"github.com/sarchlab/bpsim/sim"
)

// simFlags are the flags shared by the commands that run simulations.
type simFlags struct {
	configPath   string
	envFiles     []string
	warmup       int64
	instructions int64
	mostFailed   int
	compareLimit int
	btbSets      int
	btbWays      int
	record       string
	noResources  bool
	summary      bool
}

func (f *simFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	defaults := sim.DefaultConfig()

	flags.StringVar(&f.configPath, "config", "",
		"load the simulation config from a JSON `file`")
	flags.StringSliceVar(&f.envFiles, "env", []string{".env"},
		"dotenv files with BPSIM_* overrides")
	flags.Int64Var(&f.warmup, "warmup", defaults.WarmupInstructions,
		"instructions executed before counting mispredictions")
	flags.Int64Var(&f.instructions, "instructions", defaults.SimInstructions,
		"instructions simulated after the warm-up (0 for the whole trace)")
	flags.IntVar(&f.mostFailed, "most-failed", defaults.MostFailedLimit,
		"maximum number of most-failed branches reported (0 for no limit)")
	flags.IntVar(&f.compareLimit, "compare-limit", defaults.CompareLimit,
		"maximum number of divergent branches reported (0 for no limit)")
	flags.IntVar(&f.btbSets, "btb-sets", btb.DefaultConfig().Sets,
		"number of sets of the branch target buffer")
	flags.IntVar(&f.btbWays, "btb-ways", btb.DefaultConfig().Ways,
		"associativity of the branch target buffer")
	flags.StringVar(&f.record, "record", "",
		"store the reports in a SQLite `database`")
	flags.BoolVar(&f.noResources, "no-resources", false,
		"do not sample the memory and CPU use of the simulator")
	flags.BoolVar(&f.summary, "summary", false,
		"print a table instead of JSON")
}

// config builds the simulation config. Flags set on the command line take
// precedence over the environment, which takes precedence over the config
// file.
func (f *simFlags) config(cmd *cobra.Command) (*sim.Config, error) {
	config := sim.DefaultConfig()

	if f.configPath != "" {
		loaded, err := sim.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}

		config = loaded
	}

	if err := config.ApplyEnv(f.envFiles...); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed

	if changed("warmup") {
		config.WarmupInstructions = f.warmup
	}

	if changed("instructions") {
		config.SimInstructions = f.instructions
	}

	if changed("most-failed") {
		config.MostFailedLimit = f.mostFailed
	}

	if changed("compare-limit") {
		config.CompareLimit = f.compareLimit
	}

	if changed("btb-sets") || changed("btb-ways") {
		geometry := btb.DefaultConfig()
		if config.BTB != nil {
			geometry = *config.BTB
		}

		if changed("btb-sets") {
			geometry.Sets = f.btbSets
		}

		if changed("btb-ways") {
			geometry.Ways = f.btbWays
		}

		config.BTB = &geometry
	}

	if changed("record") {
		config.RecordPath = f.record
	}

	if f.noResources {
		config.SampleResources = false
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
