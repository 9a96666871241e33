// Package version provides build version information for the application.
// This is a separate package so the cli and fetch packages can both report it
// without importing each other.
package version

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v0.4.0-dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// UserAgent returns the default User-Agent sent with HTTP requests.
func UserAgent() string {
	return "tarfetch/" + Version
}
