// Command diamondctl deploys and upgrades diamond-pattern contract systems
// with checkpointed, resumable workflows.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/diamondctl/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
