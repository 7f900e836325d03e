// Command chanmgr runs and inspects the workflow channel manager.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/chanmgr/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
