// Package main is the matchbook command line entry point.
package main

import (
	"os"

	"github.com/kimhsiao/matchbook/core/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	cli.Version = Version
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
