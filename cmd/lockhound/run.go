// run.go implements the 'lockhound run' command.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/lockhound/lockhound"
	"github.com/lockhound/lockhound/internal/classify"
	"github.com/lockhound/lockhound/internal/report"
)

// runCommand scans a directory of IR module files. Findings append to the
// report log; the process exits 0 when the scan completes, findings or not,
// and 1 only on an unreadable directory or module load failures.
func runCommand(args []string) {
	os.Exit(runScan(args))
}

// runScan returns the process exit code so deferred cleanup runs before
// os.Exit.
func runScan(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	logPath := fs.String("log", "double-lock.log", "report log file, or - for stdout")
	depth := fs.Int("depth", 0, "max interprocedural call depth (0 = default)")
	rulesPath := fs.String("rules", "", "YAML file with classification rule overrides")
	workers := fs.Int("workers", 1, "modules analyzed concurrently")
	verbose := fs.Bool("v", false, "verbose diagnostics")
	opaque := fs.Bool("opaque", true, "report low-confidence findings for opaque calls")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: lockhound run [options] <ir-dir>")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts := []lockhound.Option{
		lockhound.WithWorkers(*workers),
		lockhound.WithReportOpaque(*opaque),
	}
	if *depth > 0 {
		opts = append(opts, lockhound.WithMaxDepth(*depth))
	}
	if *rulesPath != "" {
		rt, err := classify.LoadOverrides(*rulesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		opts = append(opts, lockhound.WithRules(rt))
	}
	if *logPath != "-" {
		l, err := report.Open(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = l.Close() }()
		opts = append(opts, lockhound.WithReporter(l))
	}

	sum, err := lockhound.Scan(fs.Arg(0), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("%d module(s) analyzed, %d violation(s), %d load failure(s)\n",
		sum.Modules, sum.Violations, sum.Failed)
	if sum.Truncated > 0 {
		fmt.Printf("%d traversal branch(es) truncated at the depth bound; results may be incomplete\n",
			sum.Truncated)
	}
	if sum.Failed > 0 {
		return 1
	}
	return 0
}
