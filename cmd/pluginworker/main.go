// Command pluginworker is the reference plugin worker: it answers the
// host's framed protocol on stdin/stdout and exits cleanly on stdin EOF.
// It is the default worker used when a manifest's command is empty.
package main

import (
	"os"

	"github.com/vaultkeep/vaultkeep/internal/worker"
)

func main() {
	wk := &worker.Worker{
		SupportedProtocolVersions: []uint32{1},
		ReportedCapabilities:      []string{"fs.read"},
	}
	if err := wk.RunStdio(os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}
}
