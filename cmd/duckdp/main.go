// Package main is the entry point for the duckdp CLI binary.
package main

import (
	"os"

	"duckdp/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
