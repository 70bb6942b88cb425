// Package main is the entry point for the sabrfetch application.
package main

import (
	"os"

	"github.com/jmylchreest/sabrfetch/cmd/sabrfetch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
