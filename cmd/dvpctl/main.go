package main

import (
	"fmt"
	"io"
	"os"
)

type command struct {
	name  string
	usage string
	run   func(args []string, stdout io.Writer) error
}

var commands = []command{
	{"opid", "derive or parse a yyyyMMddHHmmssSSS operation id", runOpID},
	{"commitment", "compute a bundle commitment from leg secrets", runCommitment},
	{"status", "query a bundle's status on configured ledgers", runStatus},
	{"settle", "run one settlement from a trade request file", runSettle},
	{"simulate", "settle a scenario against the in-process sandbox market", runSimulate},
	{"anchor", "check a ledger transaction's roots against L1", runAnchor},
	{"runs", "list journaled settlement runs", runRuns},
	{"show", "print one journaled run report", runShow},
	{"export", "export journaled legs to parquet", runExport},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		if err := cmd.run(args[1:], stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	usage(stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: dvpctl <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", cmd.name, cmd.usage)
	}
}
