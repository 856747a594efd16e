// Package main provides the entry point for the fab CLI.
package main

import (
	"os"

	"github.com/randalmurphal/fab/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
