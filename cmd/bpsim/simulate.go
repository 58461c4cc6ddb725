package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/bpsim/predictor/presets"
	"github.com/sarchlab/bpsim/sbbt"
	"github.com/sarchlab/bpsim/sim"
)

func (a *app) newSimulateCommand() *cobra.Command {
	var (
		flags      simFlags
		predictors []string
	)

	cmd := &cobra.Command{
		Use:   "simulate <trace>",
		Short: "Simulate one or more predictors over a trace.",
		Long: `Simulate one or more predictors over a trace. When several ` +
			`predictors are given they are all driven by a single pass over ` +
			`the trace and one report is printed per predictor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := flags.config(cmd)
			if err != nil {
				return err
			}

			ps, err := presets.NewAll(predictors)
			if err != nil {
				return err
			}

			trace, err := sbbt.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = trace.Close() }()

			reports, err := sim.RunParallel(config, trace, ps)
			if err != nil {
				return err
			}

			if err := a.record(config.RecordPath, reports); err != nil {
				return err
			}

			if err := a.printReports(flags.summary, reports); err != nil {
				return err
			}

			return a.reportWarnings(reports[0])
		},
	}

	flags.register(cmd)
	cmd.Flags().StringSliceVarP(&predictors, "predictor", "p",
		[]string{"tage"},
		"predictor to simulate, repeatable ("+
			strings.Join(presets.Names(), ", ")+")")

	return cmd
}

func (a *app) printReports(summary bool, reports []*sim.Report) error {
	if summary {
		sim.PrintSummary(a.stdout, reports)
		return nil
	}

	if len(reports) == 1 {
		return sim.WriteJSON(a.stdout, reports[0])
	}

	return sim.WriteJSON(a.stdout, reports)
}

// reportWarnings prints the warnings of a report and returns
// sim.ErrTraceExhausted if the trace was too short.
func (a *app) reportWarnings(r *sim.Report) error {
	for _, w := range r.Warnings {
		a.warnf("%s\n", w)
	}

	if r.Metadata.ExhaustedTrace {
		return sim.ErrTraceExhausted
	}

	return nil
}

func (a *app) record(path string, reports []*sim.Report) error {
	if path == "" {
		return nil
	}

	rec, err := sim.NewRecorder(path)
	if err != nil {
		return err
	}

	for _, r := range reports {
		if _, err := rec.Record(r); err != nil {
			_ = rec.Close()
			return err
		}
	}

	if err := rec.Close(); err != nil {
		return err
	}

	a.infof("Reports recorded in %s\n", rec.Path())

	return nil
}
