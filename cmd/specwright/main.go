// Package main provides the entry point for the specwright CLI.
package main

import (
	"os"

	"github.com/specwright/specwright/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
