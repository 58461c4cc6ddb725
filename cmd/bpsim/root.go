package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sarchlab/bpsim/sim"
)

// Exit codes.
const (
	exitInputError     = 1
	exitExhaustedTrace = 2
)

var (
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

// app holds the state shared by all commands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	profile profiler
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func (a *app) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "bpsim",
		Short: "bpsim simulates branch predictors over SBBT branch traces.",
		Long: `bpsim replays branch traces in the SBBT format through branch ` +
			`predictors and reports their accuracy. It can also dump and ` +
			`inspect traces.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.profile.start()
		},
	}

	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.profile.path, "cpuprofile", "",
		"write a CPU profile to `file`")

	root.AddCommand(
		a.newSimulateCommand(),
		a.newCompareCommand(),
		a.newCatCommand(),
		a.newInspectCommand(),
	)

	return root
}

// execute runs the command line and returns the exit code.
func (a *app) execute(args []string) int {
	root := a.newRootCommand()
	root.SetArgs(args)

	err := root.Execute()
	a.profile.stop()

	switch {
	case err == nil:
		return 0
	case errors.Is(err, sim.ErrTraceExhausted):
		return exitExhaustedTrace
	default:
		_, _ = errColor.Fprintf(a.stderr, "Error: %v\n", err)
		return exitInputError
	}
}

func (a *app) warnf(format string, args ...any) {
	_, _ = warnColor.Fprintf(a.stderr, "Warning: "+format, args...)
}

func (a *app) infof(format string, args ...any) {
	_, _ = fmt.Fprintf(a.stderr, format, args...)
}

// profiler writes a CPU profile while a command runs.
type profiler struct {
	path string
	file *os.File
}

func (p *profiler) start() error {
	if p.path == "" || p.file != nil {
		return nil
	}

	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to start CPU profile: %w", err)
	}

	p.file = f

	return nil
}

func (p *profiler) stop() {
	if p.file == nil {
		return
	}

	pprof.StopCPUProfile()
	_ = p.file.Close()
	p.file = nil
}
