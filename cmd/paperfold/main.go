package main

import (
	"os"

	"github.com/paperfold/paperfold/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitGenericError)
	}
}
