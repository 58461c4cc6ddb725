package main

import (
	"github.com/spf13/cobra"

	"github.com/sarchlab/bpsim/predictor/presets"
	"github.com/sarchlab/bpsim/sbbt"
	"github.com/sarchlab/bpsim/sim"
)

func (a *app) newCompareCommand() *cobra.Command {
	var (
		flags         simFlags
		first, second string
	)

	cmd := &cobra.Command{
		Use:   "compare <trace>",
		Short: "Compare two predictors branch by branch.",
		Long: `Compare two predictors over a trace. Besides the report of ` +
			`each predictor, the output breaks every prediction down by ` +
			`which predictors got it right and lists the branches the ` +
			`predictors disagree the most on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := flags.config(cmd)
			if err != nil {
				return err
			}

			ps, err := presets.NewAll([]string{first, second})
			if err != nil {
				return err
			}

			trace, err := sbbt.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = trace.Close() }()

			c, err := sim.Compare(config, trace, ps[0], ps[1])
			if err != nil {
				return err
			}

			err = a.record(config.RecordPath, []*sim.Report{c.First, c.Second})
			if err != nil {
				return err
			}

			if flags.summary {
				sim.PrintComparison(a.stdout, c)
			} else if err := sim.WriteJSON(a.stdout, c); err != nil {
				return err
			}

			return a.reportWarnings(c.First)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&first, "first", "a", "tage",
		"first predictor")
	cmd.Flags().StringVarP(&second, "second", "b", "batage",
		"second predictor")

	return cmd
}
