// Command registrar serves time-boxed registries over HTTP.
package main

import (
	"fmt"
	"os"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	versionString := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	if err := newRootCmd(versionString).Execute(); err != nil {
		os.Exit(1)
	}
}
