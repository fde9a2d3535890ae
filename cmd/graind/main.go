// Package main is the entry point for the graind CLI.
package main

import (
	"os"

	"github.com/grainhound/graind/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
