// Package version carries build identification, overridden at link time:
//
//	go build -ldflags "-X github.com/chriscow/agents-go/pkg/version.Version=v0.2.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String formats the full build identification line the CLI prints.
func String() string {
	return fmt.Sprintf("agents-go version %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildTime, runtime.Version())
}
