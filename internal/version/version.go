// Package version exposes build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/HerbHall/carbonsight/internal/version.Version=v0.2.0 \
//	  -X github.com/HerbHall/carbonsight/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Short returns the release version.
func Short() string {
	return Version
}

// Info returns a one-line description for --version output.
func Info() string {
	return fmt.Sprintf("carbonsight %s (commit %s, built %s, %s %s/%s)",
		Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Map returns the build metadata as key/value pairs for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
