// Command botkitd supervises rate-limited bot workers.
package main

import (
	"fmt"
	"os"

	"github.com/vinayprograms/botkit/internal/cli"
)

// Version information set via ldflags:
// go build -ldflags="-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, buildDate)
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "botkitd:", err)
		os.Exit(cli.ExitCode(err))
	}
}
