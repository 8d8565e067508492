// Package version reports the ciagent build version.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is set at build time:
// go build -ldflags "-X git.home.luguber.info/inful/ciagent/internal/version.Version=v1.0.0".
var Version = "unknown"

// Build metadata, also set through ldflags.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Commit returns GitCommit, falling back to the VCS revision the Go toolchain
// embeds in the binary.
func Commit() string {
	if GitCommit != "unknown" && GitCommit != "" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return GitCommit
}

// String is the one-line version banner printed by --version.
func String() string {
	commit := Commit()
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("ciagent %s (commit %s, built %s)", Version, commit, BuildTime)
}
