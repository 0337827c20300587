// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/defundx-go/pkg/version.Version=1.0.0"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// Commit is the source revision, set at build time.
var Commit = ""

// Full returns the full version string.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
