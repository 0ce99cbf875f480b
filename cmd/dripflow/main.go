package main

import (
	"os"

	"github.com/sky93/dripflow/cmd/dripflow/cmd"
)

// Version information, set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
