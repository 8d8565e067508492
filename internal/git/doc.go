// Package git reads repository metadata with go-git.
//
// Cloning and checkout run through the command runner so their output lands in
// the build log. This package covers the read side:
//   - Local and remote-tracking branch listing
//   - HEAD revision and commit message lookup
//   - Remote head queries for change polling
//   - Classification of git failures into ClassifiedErrors
package git
