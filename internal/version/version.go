// Package version holds build metadata set with -ldflags.
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func Full() string {
	return Version + " (" + Commit + ") " + Date + " " + runtime.Version()
}

func Short() string {
	return Version
}
