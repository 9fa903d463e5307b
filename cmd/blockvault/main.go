// Command blockvault restores deduplicated, encrypted backup data from a
// content-addressed catalog and volume store.
package main

import (
	"fmt"
	"os"

	"github.com/blockvault/blockvault/cmd/blockvault/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
