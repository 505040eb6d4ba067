// Package main is the entry point for the starkcore CLI. Uses cobra for
// command dispatch, following the teacher's cmd/copilot/main.go shape.
package main

import (
	"fmt"
	"os"

	"github.com/starkcore/starkcore/cmd/starkcore/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
