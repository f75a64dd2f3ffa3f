// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for `posefusion version` and the MQTT
// client id.
func String() string {
	return fmt.Sprintf("posefusion %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// Short is Version plus the abbreviated commit.
func Short() string {
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return Version + "-" + sha
}
