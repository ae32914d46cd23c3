// Package main is the entry point for the minerd CLI.
package main

import (
	"os"

	"github.com/openminer/minerd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
