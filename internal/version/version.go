// Package version provides build and version information for Troupe.
package version

// Version is the current release version of Troupe.
// This can be overridden at build time using:
//
//	go build -ldflags "-X github.com/ensemblebots/troupe/internal/version.Version=x.y.z"
var Version = "0.3.0"
