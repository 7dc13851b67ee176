// Package version identifies the vmstate build that produced a
// snapshot. The values are logged with every build so a saved state
// can be traced back to the binary and commit that captured it.
package version

import "fmt"

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X github.com/javanstorm/vmstate/internal/version.Version=1.0.0 \
//	                   -X github.com/javanstorm/vmstate/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/javanstorm/vmstate/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns a one-line description such as
// "vmstate 1.0.0 (commit 3f2a9c1, built 2025-01-02T03:04:05Z)".
// Commit hashes are shortened to seven characters.
func String() string {
	commit := Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("vmstate %s (commit %s, built %s)", Version, commit, BuildDate)
}
