package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/bpsim/branch"
	"github.com/sarchlab/bpsim/sbbt"
	"github.com/sarchlab/bpsim/sim"
)

const catLineFormat = "%11s %-18s %-18s %-12s %s\n"

func (a *app) newCatCommand() *cobra.Command {
	var noHeader bool

	cmd := &cobra.Command{
		Use:   "cat <trace>...",
		Short: "Print the branches of traces.",
		Long: `Print the branches of one or more traces, one per line. ` +
			`Instruction numbers continue from one trace to the next.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			w := bufio.NewWriter(a.stdout)

			if !noHeader {
				_, _ = fmt.Fprintf(w, catLineFormat, "Inst Num",
					"Branch Address", "Target Address", "Opcode", "Outcome")
			}

			var offset uint64

			for _, path := range args {
				n, err := catTrace(w, path, offset)
				if err != nil {
					_ = w.Flush()
					return err
				}

				offset += n
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&noHeader, "no-header", false,
		"do not print the column names")

	return cmd
}

// catTrace prints the branches of the trace at path and returns the number
// of instructions it declares.
func catTrace(w io.Writer, path string, offset uint64) (uint64, error) {
	trace, err := sbbt.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = trace.Close() }()

	var b branch.Branch

	for {
		_, err := trace.NextBranch(&b)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}

		_, _ = fmt.Fprintf(w, "%11d %s\n",
			offset+uint64(trace.LastInstrRead()), b)
	}

	return trace.NumInstructions(), trace.Close()
}

type traceInfo struct {
	NumInstr    uint64 `json:"num_instr"`
	NumBranches uint64 `json:"num_branches"`
}

func (a *app) newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <trace>",
		Short: "Print the header of a trace.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			trace, err := sbbt.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = trace.Close() }()

			return sim.WriteJSON(a.stdout, traceInfo{
				NumInstr:    trace.NumInstructions(),
				NumBranches: trace.NumBranches(),
			})
		},
	}
}
