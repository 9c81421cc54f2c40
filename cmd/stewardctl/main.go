// Command stewardctl is the steward subsystem's command-line entrypoint:
// it wires the scheduler and stewards over the reference in-process
// adapters and exposes run/scan-docs/process-merges/watch-docs
// subcommands.
package main

import (
	"github.com/stoneforge-ai/stewards/internal/cli"
)

func main() {
	cli.Execute()
}
