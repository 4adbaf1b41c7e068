// Package build carries version metadata stamped at link time.
package build

// These are set via -ldflags at build time.
var (
	// Version is the semantic version of the binary.
	Version = "0.1.0-dev"

	// Commit is the git commit hash the binary was built from.
	Commit = ""
)

// String returns the version, with the commit appended when known.
func String() string {
	if Commit == "" {
		return Version
	}

	return Version + " commit=" + Commit
}
