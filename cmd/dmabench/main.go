package main

import (
	"fmt"
	"os"

	"github.com/piwi3910/dmabench/cmd/dmabench/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	if err := commands.NewRootCmd(Version, Commit).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
