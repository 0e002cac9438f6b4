// Command metaindex indexes metadata bundles into contribution and aggregate
// documents.
package main

import (
	"os"

	"metaindex/cmd/metaindex/commands"
)

// Version information, set during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	exitFunc = os.Exit
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		exitFunc(1)
	}
}
