// Package main is the entry point for renderctl, a terminal client for the
// mediarender API.
package main

import (
	"os"

	"mediarender/cmd/renderctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
