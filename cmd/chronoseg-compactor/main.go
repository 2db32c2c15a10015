// Package main provides the chronoseg-compactor CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/chronoseg/compactor/cmd/chronoseg-compactor/commands"
)

var version = "dev"

func main() {
	if err := commands.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
