package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ciagent/internal/agent"
	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/repository"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/runner/runnertest"
	"git.home.luguber.info/inful/ciagent/internal/server/responses"
)

func testGlobal(r runner.Runner) (*Global, *bytes.Buffer) {
	var out bytes.Buffer
	return &Global{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner: r,
		Out:    &out,
	}, &out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Repositories: []config.RepositoryConfig{
		{Name: "App", URL: "https://example.com/app.git", Scheme: "App"},
		{Name: "Other", URL: "https://example.com/other.git"},
	}}
	cfg.ApplyDefaults()
	cfg.Agent.CheckoutRoot = t.TempDir()
	cfg.Agent.DataDir = t.TempDir()
	return cfg
}

func exitCode(err error) int {
	return foundationerrors.NewCLIErrorAdapter(false, nil).ExitCodeFor(err)
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ciagent.yaml")
	g, out := testGlobal(nil)

	cli := &CLI{}
	parser, err := kong.New(cli, kong.Bind(g), kong.Exit(func(int) {}))
	require.NoError(t, err)
	ctx, err := parser.Parse([]string{"--config", path, "init"})
	require.NoError(t, err)
	require.NoError(t, ctx.Run(g, cli))
	assert.Contains(t, out.String(), "initialized successfully")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Repositories)

	err = RunInit(g, path, false)
	require.Error(t, err)
	assert.Equal(t, foundationerrors.ExitUsage, exitCode(err))
	require.NoError(t, RunInit(g, path, true))
}

func TestRunBuildStreamsLog(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Output(0, "Compiling App.swift", "** BUILD SUCCEEDED **"))
	g, out := testGlobal(fake)

	b, err := RunBuild(context.Background(), g, testConfig(t), "App", repository.BuildRequest{Branch: "develop"})
	require.NoError(t, err)
	assert.Equal(t, build.StatusSucceeded, b.Status())
	assert.Equal(t, "develop", b.Branch())

	printed := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.Equal(t, b.LogLines(), printed)
	assert.Contains(t, out.String(), "** BUILD SUCCEEDED **")
}

func TestRunBuildFailure(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("git", "clone"), runnertest.Stderr(128, "fatal: repository not found"))
	g, out := testGlobal(fake)

	b, err := RunBuild(context.Background(), g, testConfig(t), "App", repository.BuildRequest{})
	require.Error(t, err)
	require.NotNil(t, b)
	assert.Equal(t, build.StatusFailed, b.Status())
	assert.Equal(t, foundationerrors.ExitBuild, exitCode(err))
	assert.Contains(t, err.Error(), "clone failed")
	assert.Contains(t, out.String(), "fatal: repository not found")
}

func TestRunBuildUnknownRepository(t *testing.T) {
	g, _ := testGlobal(runnertest.New())
	_, err := RunBuild(context.Background(), g, testConfig(t), "Missing", repository.BuildRequest{})
	require.Error(t, err)
	assert.Equal(t, foundationerrors.ExitUsage, exitCode(err))
}

func TestRunBuildInterrupted(t *testing.T) {
	started := make(chan struct{})
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Block(started, nil))
	g, _ := testGlobal(fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := RunBuild(ctx, g, testConfig(t), "App", repository.BuildRequest{})
	require.Error(t, err)
	assert.Equal(t, foundationerrors.ExitCancelled, exitCode(err))
}

func TestBuildCmdRequest(t *testing.T) {
	cmd := BuildCmd{Branch: "main", Platform: "iPhone 15", OS: "iOS 17.2", Revision: "ABCDEF1"}
	req := cmd.request()
	assert.Equal(t, "main", req.Branch)
	assert.Equal(t, build.Platform{Name: "iPhone 15", OS: "iOS 17.2"}, req.Platform)
	assert.Equal(t, "abcdef1", req.Revision)

	assert.True(t, (&BuildCmd{}).request().Platform.IsZero())
}

func statusServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("recent"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunStatus(t *testing.T) {
	snap := responses.Snapshot{
		Repositories: []responses.RepositoryStatus{
			{
				Name:         "App",
				LatestStatus: responses.LabelSucceeded,
				LastBranch:   "main",
				Builds: []responses.BuildSummary{
					{ID: "0123456789abcdef", Status: responses.LabelRunning, Branch: "main", Progress: 0.5, Description: "Building"},
					{ID: "fedcba9876543210", Status: responses.LabelSucceeded, Branch: "main", Progress: 1},
				},
			},
			{Name: "Idle", LastBranch: "develop", Builds: []responses.BuildSummary{}},
		},
		Agent: agent.Status{Workers: 2, QueueLength: 1, Active: []agent.ActiveBuild{{BuildID: "0123456789abcdef"}}},
	}
	ts := statusServer(t, http.StatusOK, snap)
	g, out := testGlobal(nil)

	require.NoError(t, RunStatus(context.Background(), g, ts.URL+"/", 2, false))
	text := out.String()
	assert.Contains(t, text, "Workers: 2  Queued: 1  Running: 1")
	assert.Contains(t, text, "01234567")
	assert.Contains(t, text, " 50%")
	assert.Contains(t, text, "Idle")
	assert.NotContains(t, text, "0123456789abcdef")

	out.Reset()
	require.NoError(t, RunStatus(context.Background(), g, ts.URL, 2, true))
	var decoded responses.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Len(t, decoded.Repositories, 2)
}

func TestRunStatusErrors(t *testing.T) {
	ts := statusServer(t, http.StatusServiceUnavailable, map[string]string{"error": "down"})
	g, _ := testGlobal(nil)

	err := RunStatus(context.Background(), g, ts.URL, 2, false)
	require.Error(t, err)
	assert.Equal(t, foundationerrors.ExitRuntime, exitCode(err))

	err = RunStatus(context.Background(), g, "http://127.0.0.1:1", 2, false)
	require.Error(t, err)
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.Addr = "127.0.0.1:0"
	g, _ := testGlobal(runnertest.New())

	d, err := newDaemon(g, cfg, "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.start(ctx))

	b, err := d.agent.RequestBuild(ctx, "App", repository.BuildRequest{Branch: "main"})
	require.NoError(t, err)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	done, err := d.agent.Wait(waitCtx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, build.StatusSucceeded, done.Status())

	out := &bytes.Buffer{}
	require.NoError(t, RunStatus(ctx, &Global{Out: out}, "http://"+d.server.Addr(), 2, false))
	assert.Contains(t, out.String(), "App")

	require.Eventually(t, func() bool {
		_, ok := d.recorder.Projection().GetBuild(b.ID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, d.stop())
	_, err = os.Stat(filepath.Join(cfg.Agent.DataDir, "state.db"))
	require.NoError(t, err)
}
