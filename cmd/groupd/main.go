package main

import (
	"os"

	"github.com/t77yq/rolegroup/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
