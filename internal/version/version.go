// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release version.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String combines the build metadata into one line.
func String() string {
	return fmt.Sprintf("rovercam %s (%s, built %s)", Version, GitSHA, BuildTime)
}
