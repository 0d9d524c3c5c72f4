package version

import "runtime"

var (
	// Version is the semantic version, injected at build time via -ldflags
	Version = "dev"
	// GitCommit is the git commit hash, injected at build time
	GitCommit = "unknown"
	// GoVersion is the Go compiler version
	GoVersion = runtime.Version()
)

// String returns a single-line build identifier for startup logs.
func String() string {
	return Version + " (" + GitCommit + ", " + GoVersion + ")"
}
