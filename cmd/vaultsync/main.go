// Command vaultsync runs and inspects offline-first sync nodes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/vaultsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands print their own errors; cobra's flag errors do not.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
