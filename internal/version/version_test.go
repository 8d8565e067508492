package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringUsesLdflagValues(t *testing.T) {
	oldV, oldC, oldT := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldV, oldC, oldT })

	Version, GitCommit, BuildTime = "v1.2.3", "0123456789abcdef0123", "2026-01-02"
	assert.Equal(t, "ciagent v1.2.3 (commit 0123456789ab, built 2026-01-02)", String())
}

func TestCommitFallback(t *testing.T) {
	oldC := GitCommit
	t.Cleanup(func() { GitCommit = oldC })

	GitCommit = "unknown"
	assert.NotEmpty(t, Commit())
	assert.True(t, strings.HasPrefix(String(), "ciagent "))
}
