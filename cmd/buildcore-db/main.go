// Command buildcore-db is the bootstrap-only CLI for the buildcore
// persistence layer: create a fresh database, or check that an existing
// one is openable. It deliberately does not expose any of the running
// buildmaster's store operations — those are reachable only through
// *storage.Connector from inside the process. Synchronous, blocking
// entry points belong in bootstrap and command-line tools, never the
// running buildmaster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "buildcore-db",
		Short: "Bootstrap and inspect a buildcore database",
	}
	root.AddCommand(newCreateCmd(), newOpenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
