// Command bpsim simulates branch predictors over SBBT branch traces.
//
// Usage:
//
//	bpsim simulate <trace> [-p tage] [-p batage] [--warmup N] [--instructions N]
//	bpsim compare <trace> -a tage -b batage
//	bpsim cat [--no-header] <trace>...
//	bpsim inspect <trace>
//
// The exit code is 1 for invalid input and 2 when the trace ended before the
// requested number of instructions was simulated.
package main

import (
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	a := newApp(os.Stdout, os.Stderr)
	atexit.Exit(a.execute(os.Args[1:]))
}
