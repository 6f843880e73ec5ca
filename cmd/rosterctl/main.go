// Package main is the rosterctl operator command.
package main

import (
	"fmt"
	"os"

	"github.com/rollcall/backend/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand(nil)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
