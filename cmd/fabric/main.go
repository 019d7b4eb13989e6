package main

import (
	"fmt"
	"os"

	"github.com/roach88/fabric/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fabric:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
