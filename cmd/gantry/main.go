package main

import (
	"os"

	"github.com/gantryhq/gantry/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
