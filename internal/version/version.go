package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent is sent with outbound snapshot requests when none is configured.
func UserAgent() string {
	return "pricepulse/" + Version
}

// String renders the build information block printed by `pricepulse version`.
func String() string {
	return fmt.Sprintf("version: %s\ncommit: %s\nbuilt: %s\ngo: %s\n", Version, Commit, BuildDate, runtime.Version())
}
