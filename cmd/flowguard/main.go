// Command flowguard trains and serves the network-flow anomaly scorer.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("flowguard failed", "error", err)
		os.Exit(1)
	}
}
