package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return exitUsage
	}
	switch args[0] {
	case "campaign":
		return runCampaignCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return exitUsage
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli <command> [flags]

Commands:
  campaign  Create, invest in and finalize campaign snapshots
`)
}
