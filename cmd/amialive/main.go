// Package main is the entry point for the amialive CLI.
package main

import (
	"os"

	"github.com/amialive/amialive/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
