package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
repositories:
  - name: app
    url: https://example.com/app.git
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Agent.Workers)
	assert.Equal(t, 100, cfg.Agent.QueueSize)
	assert.Equal(t, time.Hour, cfg.Agent.BuildTimeoutDuration())
	assert.Equal(t, 15*time.Minute, cfg.Agent.SimulatorTimeoutDuration())
	assert.Equal(t, "git", cfg.Tools.Git)
	assert.Equal(t, "xcodebuild", cfg.Tools.Xcodebuild)
	assert.Equal(t, "xcrun", cfg.Tools.Xcrun)
	assert.Equal(t, RetryBackoffLinear, cfg.Retry.Mode)
	assert.Equal(t, "main", cfg.Repositories[0].Branch)
	assert.Equal(t, 5*time.Minute, cfg.Poll.IntervalDuration())

	initial, maxDelay := cfg.Retry.Delays()
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 30*time.Second, maxDelay)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("CIAGENT_TEST_REMOTE", "https://example.com/env.git")
	cfg, err := Parse([]byte(`
repositories:
  - name: env
    url: ${CIAGENT_TEST_REMOTE}
`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/env.git", cfg.Repositories[0].URL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"workers out of range": `
agent:
  workers: 32
`,
		"bad duration": `
agent:
  build_timeout: soon
`,
		"missing url": `
repositories:
  - name: app
`,
		"bad simulator family": `
repositories:
  - name: app
    url: https://example.com/app.git
    simulator:
      app: App.app
      family: watch
      sdk: runtime
`,
		"duplicate names": `
repositories:
  - name: app
    url: https://example.com/a.git
  - name: app
    url: https://example.com/b.git
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))
		})
	}
}

func TestRepositoryLookup(t *testing.T) {
	cfg := Example()
	r, ok := cfg.Repository("example-app")
	require.True(t, ok)
	assert.Equal(t, "ExampleApp", r.Scheme)

	_, ok = cfg.Repository("missing")
	assert.False(t, ok)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ciagent.yaml")
	require.NoError(t, Init(path, false))

	err := Init(path, false)
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryValidation))
	require.NoError(t, Init(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)
	assert.True(t, cfg.HTTP.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))
}

func TestParseRetryBackoff(t *testing.T) {
	m, ok := ParseRetryBackoff(" Exponential ")
	assert.True(t, ok)
	assert.Equal(t, RetryBackoffExponential, m)

	m, ok = ParseRetryBackoff("FIXED")
	assert.True(t, ok)
	assert.Equal(t, RetryBackoffFixed, m)

	_, ok = ParseRetryBackoff("random")
	assert.False(t, ok)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ciagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repositories: []\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(_ context.Context, cfg *Config) error {
		if len(cfg.Repositories) == 0 {
			return nil
		}
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`
repositories:
  - name: added
    url: https://example.com/added.git
`), 0o644))

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Repositories, 1)
		assert.Equal(t, "added", cfg.Repositories[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
