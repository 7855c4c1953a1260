// Package main implements the lockhound CLI.
//
// lockhound statically detects double locks (self-deadlocks on non-reentrant
// primitives) in serialized IR modules. Extraction from Go source and
// analysis are separate commands, so IR can be produced once and scanned
// many times.
//
// Usage:
//
//	lockhound extract -o ir ./...   # Serialize packages to IR modules
//	lockhound run ir                # Scan a directory of IR modules
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "run":
		runCommand(os.Args[2:])
	case "extract":
		extractCommand(os.Args[2:])
	case "version", "--version":
		fmt.Printf("lockhound version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`lockhound - Static Double-Lock Detector

USAGE:
    lockhound <command> [arguments]

COMMANDS:
    run        Scan a directory of IR module files for double locks
    extract    Serialize Go packages to IR module files
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Extract the current module's packages to ./ir
    lockhound extract -o ir ./...

    # Scan the extracted modules, appending findings to double-lock.log
    lockhound run ir

    # Deeper interprocedural traversal, findings to stdout
    lockhound run -depth 16 -log - ir
`)
}
