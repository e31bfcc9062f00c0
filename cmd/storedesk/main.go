// Command storedesk runs the StoreDesk receipt service: the HTTP API, the
// offline queue and the sync loop that replays it against the remote store.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
