// Package version carries the billscan build identity stamped by the
// release targets.
package version

// Set via -ldflags at build time; a source build reports "dev".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the billscan version, commit, and build date.
func Info() (string, string, string) {
	return Version, GitCommit, BuildDate
}
