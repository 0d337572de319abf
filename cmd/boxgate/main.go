package main

import (
	"fmt"
	"log/slog"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		// No subcommand: run the gateway.
		runOrDie(os.Args[1:])
		return
	}

	switch os.Args[1] {
	case "gateway":
		runOrDie(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		// A leading '-' means flags for the default command.
		if os.Args[1][0] == '-' {
			runOrDie(os.Args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "usage: boxgate [gateway|version] [flags]")
		os.Exit(1)
	}
}

func runOrDie(args []string) {
	if err := runGateway(args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
